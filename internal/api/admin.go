package api

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rangeloc/internal/httputil"
	"github.com/banshee-data/rangeloc/internal/telemetry"
)

// DefaultPlotDir is where the plots route writes PNG files when no dir is given.
const DefaultPlotDir = "plots"

// AttachAdminRoutes adds the telemetry debug pages under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("charts", "rolling range, gain and covariance charts", telemetry.ChartHandler(s.app.History()))

	debug.HandleFunc("snapshot", "current filter snapshot", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.app.Snapshot())
	})

	// POST dir=... renders the history as PNG plots.
	debug.HandleSilentFunc("plots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		dir := r.FormValue("dir")
		if dir == "" {
			dir = DefaultPlotDir
		}
		if err := s.checkPath(dir); err != nil {
			writeAppError(w, err)
			return
		}
		files, err := s.app.WritePlots(dir)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string][]string{"files": files})
	})
}
