package acquisition

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rplidar-osc/internal/scan"
)

// AttachAdminRoutes adds lidar-status and an SSE lidar-tail of status lines
// to the debug handler.
func (c *Controller) AttachAdminRoutes(debug *tsweb.DebugHandler) {
	debug.HandleFunc("lidar-status", "acquisition state, run counters and scan stats", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Status
			Scan *scan.Stats `json:"scan,omitempty"`
		}{Status: c.Status()}
		if snap, ok := c.LatestScan(); ok {
			stats := scan.ComputeStats(snap)
			resp.Scan = &stats
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			http.Error(w, "Failed to encode status", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("lidar-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, ch := c.Subscribe()
		defer c.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
