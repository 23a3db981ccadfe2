// Package api exposes a small HTTP/JSON control surface over the acquisition
// controller.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/rplidar-osc/internal/acquisition"
	"github.com/banshee-data/rplidar-osc/internal/httputil"
	"github.com/banshee-data/rplidar-osc/internal/scan"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Error kinds reported in ErrorResponse.Kind.
const (
	KindConfig         = "config"
	KindConnection     = "connection"
	KindTransmit       = "transmit"
	KindAlreadyRunning = "already_running"
	KindInternal       = "internal"
)

type Server struct {
	ctrl *acquisition.Controller
	base acquisition.Config
}

// NewServer returns a Server whose start requests are applied on top of
// base.
func NewServer(ctrl *acquisition.Controller, base acquisition.Config) *Server {
	return &Server{
		ctrl: ctrl,
		base: base,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/scan", s.handleScan)
	return mux
}

// StartRequest overrides fields of the base configuration. OSCPort is a
// string so that malformed ports are reported as config errors rather than
// JSON decode errors.
type StartRequest struct {
	Port            *string  `json:"port,omitempty"`
	BaudRate        *int     `json:"baud_rate,omitempty"`
	Host            *string  `json:"host,omitempty"`
	OSCPort         *string  `json:"osc_port,omitempty"`
	Address         *string  `json:"address,omitempty"`
	FPS             *float64 `json:"fps,omitempty"`
	AnglePolicy     *string  `json:"angle_policy,omitempty"`
	MaxSendFailures *int     `json:"max_send_failures,omitempty"`
}

// Apply returns base with the request's fields applied.
func (req StartRequest) Apply(base acquisition.Config) (acquisition.Config, error) {
	cfg := base
	if req.Port != nil {
		cfg.PortPath = *req.Port
	}
	if req.BaudRate != nil {
		cfg.BaudRate = *req.BaudRate
	}
	if req.Host != nil {
		cfg.Host = *req.Host
	}
	if req.OSCPort != nil {
		port, err := acquisition.ParseOSCPort(*req.OSCPort)
		if err != nil {
			return cfg, err
		}
		cfg.OSCPort = port
	}
	if req.Address != nil {
		cfg.Address = *req.Address
	}
	if req.FPS != nil {
		cfg.FPS = *req.FPS
	}
	if req.AnglePolicy != nil {
		policy, err := scan.ParseAnglePolicy(*req.AnglePolicy)
		if err != nil {
			return cfg, &acquisition.ConfigError{Field: "angle-policy", Value: *req.AnglePolicy, Err: err}
		}
		cfg.AnglePolicy = policy
	}
	if req.MaxSendFailures != nil {
		cfg.MaxConsecutiveSendFailures = *req.MaxSendFailures
	}
	return cfg, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	var req StartRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cfg, err := req.Apply(s.base)
	if err != nil {
		writeStartError(w, err)
		return
	}
	if err := s.ctrl.Start(cfg); err != nil {
		writeStartError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func writeStartError(w http.ResponseWriter, err error) {
	var (
		cfgErr  *acquisition.ConfigError
		connErr *acquisition.ConnectionError
		txErr   *acquisition.TransmitError
	)
	switch {
	case errors.As(err, &cfgErr):
		httputil.WriteJSONError(w, http.StatusBadRequest, KindConfig, err.Error())
	case errors.As(err, &connErr):
		httputil.WriteJSONError(w, http.StatusBadGateway, KindConnection, err.Error())
	case errors.As(err, &txErr):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, KindTransmit, err.Error())
	case errors.Is(err, acquisition.ErrAlreadyRunning):
		httputil.WriteJSONError(w, http.StatusConflict, KindAlreadyRunning, err.Error())
	default:
		httputil.WriteJSONError(w, http.StatusInternalServerError, KindInternal, err.Error())
	}
}

// handleStop requests a stop and returns immediately; poll /api/status for
// the terminated state.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.ctrl.Stop()
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

// ScanResponse is the latest flushed buffer. Distances are millimetres,
// indexed by whole degree.
type ScanResponse struct {
	Distances []float32  `json:"distances"`
	Stats     scan.Stats `json:"stats"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	snap, ok := s.ctrl.LatestScan()
	if !ok {
		httputil.NotFound(w, "no scan has been flushed yet")
		return
	}
	httputil.WriteJSONOK(w, ScanResponse{
		Distances: snap[:],
		Stats:     scan.ComputeStats(snap),
	})
}
