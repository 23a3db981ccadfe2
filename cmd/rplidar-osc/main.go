// Command rplidar-osc streams RPLidar scans to an OSC receiver as three
// 120-degree segments per flush.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rplidar-osc/internal/acquisition"
	"github.com/banshee-data/rplidar-osc/internal/api"
	"github.com/banshee-data/rplidar-osc/internal/db"
	"github.com/banshee-data/rplidar-osc/internal/monitoring"
	"github.com/banshee-data/rplidar-osc/internal/serialport"
	"github.com/banshee-data/rplidar-osc/internal/timeutil"
	"github.com/banshee-data/rplidar-osc/internal/version"
)

// shutdownJoin bounds how long we wait for the worker after a stop request.
const shutdownJoin = 1 * time.Second

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup happens before exit.
func run() int {
	flags := registerFlags(flag.CommandLine)
	flag.Parse()

	if *flags.version {
		fmt.Println(version.String())
		return 0
	}

	if *flags.listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("%s%v", monitoring.ErrorPrefix, err)
		}
		monitoring.Infof("Found ports: %v", ports)
		return 0
	}

	fileCfg, err := flags.loadFileConfig()
	if err != nil {
		log.Fatalf("%sFailed to load config: %v", monitoring.ErrorPrefix, err)
	}
	cfg, err := flags.acquisitionConfig(flag.CommandLine, fileCfg)
	if err != nil {
		log.Fatalf("%s%v", monitoring.ErrorPrefix, err)
	}
	listen := flags.listenAddr(flag.CommandLine, fileCfg)
	dbPath := flags.journalPath(flag.CommandLine, fileCfg)

	log.Print(version.String())

	deps := acquisition.Deps{
		OpenSource:     acquisition.RPLidarOpener(serialport.Open),
		NewTransmitter: acquisition.OSCTransmitter,
		Clock:          timeutil.RealClock{},
	}
	if *flags.devMode {
		monitoring.Infof("Dev mode: using simulated sensor")
		deps.OpenSource = acquisition.SimulatedOpener(timeutil.RealClock{}, acquisition.SimulatedOptions{})
		if cfg.PortPath == "" {
			cfg.PortPath = "simulated"
		}
	}

	// The journal is closed by shutdown, never deferred: a worker that
	// outlives the join still writes its end record.
	var (
		journal       *db.DB
		journalCloser io.Closer
	)
	if dbPath != "" {
		journal, err = db.NewDB(dbPath)
		if err != nil {
			log.Fatalf("%sFailed to open run journal: %v", monitoring.ErrorPrefix, err)
		}
		journalCloser = journal
		deps.Journal = journal
	}

	ctrl := acquisition.NewController(deps)
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, listen, ctrl, cfg, journal)
		}()
	}

	// Start failures are already logged by the worker.
	if err := ctrl.Start(cfg); err != nil {
		if listen == "" {
			stop()
			wg.Wait()
			shutdown(ctrl, journalCloser, shutdownJoin)
			return 1
		}
		monitoring.Infof("Control API still available on %s", listen)
	}

	// Without the control API the process lives exactly as long as the run.
	// With it, runs can be restarted over HTTP so only a signal ends it.
	if listen == "" {
		select {
		case <-ctrl.Done():
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	stop()
	wg.Wait()
	shutdown(ctrl, journalCloser, shutdownJoin)

	code := exitCode(ctrl.Err())
	if code == 0 {
		log.Printf("Graceful shutdown complete")
	}
	return code
}

// shutdown stops the controller and waits up to join for the run to end. The
// journal is closed only when the run has terminated; after a timed-out join
// it is left to process exit. Reports whether the run terminated in time.
func shutdown(ctrl *acquisition.Controller, journal io.Closer, join time.Duration) bool {
	ctrl.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), join)
	defer cancel()
	if err := ctrl.Wait(ctx); err != nil {
		monitoring.Warnf("Worker did not stop within %s", join)
		return false
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			monitoring.Warnf("Failed to close run journal: %v", err)
		}
	}
	return true
}

// exitCode maps the error that ended the last run to a process status. The
// error itself has already been logged by the worker.
func exitCode(runErr error) int {
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

func serveHTTP(ctx context.Context, listen string, ctrl *acquisition.Controller, base acquisition.Config, journal *db.DB) {
	mux := api.NewServer(ctrl, base).ServeMux()

	debug := tsweb.Debugger(mux)
	ctrl.AttachAdminRoutes(debug)
	if journal != nil {
		if err := journal.AttachAdminRoutes(debug); err != nil {
			monitoring.Warnf("Run journal debug routes unavailable: %v", err)
		}
	}

	server := &http.Server{
		Addr:    listen,
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()
	monitoring.Infof("Control API listening on %s", listen)

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
}
