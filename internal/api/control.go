package api

import (
	"net/http"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/app"
	"github.com/banshee-data/rangeloc/internal/httputil"
)

// DriveRequest selects the control mode. A preset or a wheel velocity pair
// implies manual mode.
type DriveRequest struct {
	Mode   string   `json:"mode,omitempty"`
	Preset string   `json:"preset,omitempty"`
	VelA   *float64 `json:"velA,omitempty"`
	VelB   *float64 `json:"velB,omitempty"`
}

// SimulateRequest injects ranges measured from a true position.
type SimulateRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	StdDev float64 `json:"stddev"`
}

// handleAnchors handles GET and PUT /api/anchors.
func (s *Server) handleAnchors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.app.Snapshot().Anchors)
	case http.MethodPut:
		var req app.AnchorsJSON
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.app.SetAnchors(r.Context(), req.Anchors()); err != nil {
			writeAppError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.app.Snapshot().Anchors)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleNoise handles GET and PUT /api/noise.
func (s *Server) handleNoise(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.app.Snapshot().Noise)
	case http.MethodPut:
		var req app.NoiseJSON
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.app.SetNoise(r.Context(), req.Process, req.Measurement); err != nil {
			writeAppError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.app.Snapshot().Noise)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleDrive handles POST /api/drive.
func (s *Server) handleDrive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req DriveRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var err error
	switch {
	case req.Preset != "":
		err = s.app.ApplyPreset(r.Context(), req.Preset)
	case req.VelA != nil || req.VelB != nil:
		if req.VelA == nil || req.VelB == nil {
			httputil.BadRequest(w, "velA and velB must be given together")
			return
		}
		if req.Mode != "" && req.Mode != app.ModeManual.String() {
			httputil.BadRequest(w, "wheel velocities require manual mode")
			return
		}
		err = s.app.SetManual(r.Context(), *req.VelA, *req.VelB)
	case req.Mode != "":
		mode, perr := app.ParseMode(req.Mode)
		if perr != nil {
			httputil.BadRequest(w, perr.Error())
			return
		}
		err = s.app.SetMode(r.Context(), mode)
	default:
		httputil.BadRequest(w, "one of mode, preset or velA/velB is required")
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.app.Snapshot())
}

// handleSimulate handles POST /api/simulate.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req SimulateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.app.SimulateRanges(r.Context(), r2.Vec{X: req.X, Y: req.Y}, req.StdDev); err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.app.Snapshot())
}
