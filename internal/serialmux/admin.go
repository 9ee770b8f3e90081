package serialmux

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rangeloc/internal/httputil"
)

// AttachAdminRoutes attaches serial debugging endpoints to the given HTTP
// mux served at /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (l *RobotLink) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// POST velA=..&velB=.. queues a wheel velocity command.
	debug.HandleSilentFunc("send-velocity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		velA, errA := parseVelocity(r.FormValue("velA"))
		velB, errB := parseVelocity(r.FormValue("velB"))
		if errA != nil || errB != nil {
			httputil.BadRequest(w, "velA and velB must be numbers")
			return
		}
		l.SetCommandVel(velA, velB)
		fmt.Fprintf(w, "Queued command velA=%.3f velB=%.3f on %s\n", velA, velB, l.PortName())
	})

	debug.HandleFunc("link-stats", "serial link counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]interface{}{
			"port":      l.PortName(),
			"open":      l.IsOpen(),
			"connected": l.Connected(),
			"stats":     l.Stats(),
		})
	})

	// Server-Sent Events stream of one console line per decoded packet.
	debug.HandleFunc("tail", "live serial packet log", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
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

func parseVelocity(s string) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}
