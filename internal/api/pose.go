package api

import (
	"net/http"

	"github.com/banshee-data/rangeloc/internal/httputil"
	"github.com/banshee-data/rangeloc/internal/localization"
)

// handlePose handles GET /api/pose - the latest published snapshot.
func (s *Server) handlePose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.app.Snapshot())
}

// handlePoseReset handles POST /api/pose/reset {x, y, theta}.
func (s *Server) handlePoseReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var pose localization.Pose
	if err := httputil.DecodeJSON(r, &pose); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.app.ResetPose(r.Context(), pose); err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.app.Snapshot())
}
