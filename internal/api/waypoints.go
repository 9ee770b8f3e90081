package api

import (
	"net/http"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/rangeloc/internal/config"
	"github.com/banshee-data/rangeloc/internal/httputil"
)

// WaypointFileRequest names the file for save and load. An empty path uses
// the configured waypoint file.
type WaypointFileRequest struct {
	Path string `json:"path"`
}

// WaypointFileResponse reports the file that was written or read.
type WaypointFileResponse struct {
	Path      string `json:"path"`
	Waypoints int    `json:"waypoints"`
}

// handleWaypoints handles GET, POST and DELETE on /api/waypoints.
// DELETE with ?x=&y= removes the waypoint near that point; without a query
// it clears the route.
func (s *Server) handleWaypoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listWaypoints(w, r)
	case http.MethodPost:
		var p config.Point
		if err := httputil.DecodeJSON(r, &p); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.app.AddWaypoint(r.Context(), p.Vec()); err != nil {
			writeAppError(w, err)
			return
		}
		s.listWaypointsStatus(w, r, http.StatusCreated)
	case http.MethodDelete:
		q := r.URL.Query()
		if !q.Has("x") && !q.Has("y") {
			if err := s.app.ClearWaypoints(r.Context()); err != nil {
				writeAppError(w, err)
				return
			}
			s.listWaypoints(w, r)
			return
		}
		x, errX := strconv.ParseFloat(q.Get("x"), 64)
		y, errY := strconv.ParseFloat(q.Get("y"), 64)
		if errX != nil || errY != nil {
			httputil.BadRequest(w, "x and y must be numbers")
			return
		}
		if err := s.app.RemoveWaypointNear(r.Context(), r2.Vec{X: x, Y: y}); err != nil {
			writeAppError(w, err)
			return
		}
		s.listWaypoints(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleWaypointByPath handles PUT /api/waypoints/{index} and
// POST /api/waypoints/{save,load}.
func (s *Server) handleWaypointByPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/waypoints/"), "/")
	switch rest {
	case "save", "load":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		s.handleWaypointFile(w, r, rest)
		return
	}

	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 {
		httputil.NotFound(w, "unknown waypoint route")
		return
	}
	if r.Method != http.MethodPut {
		httputil.MethodNotAllowed(w)
		return
	}
	var p config.Point
	if err := httputil.DecodeJSON(r, &p); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.app.MoveWaypoint(r.Context(), index, p.Vec()); err != nil {
		writeAppError(w, err)
		return
	}
	s.listWaypoints(w, r)
}

func (s *Server) handleWaypointFile(w http.ResponseWriter, r *http.Request, action string) {
	var req WaypointFileRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	if err := s.checkPath(req.Path); err != nil {
		writeAppError(w, err)
		return
	}

	var (
		path string
		err  error
	)
	if action == "save" {
		path, err = s.app.SaveWaypoints(r.Context(), req.Path)
	} else {
		path, err = s.app.LoadWaypoints(r.Context(), req.Path)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, WaypointFileResponse{Path: path, Waypoints: s.app.Snapshot().Waypoints})
}

func (s *Server) listWaypoints(w http.ResponseWriter, r *http.Request) {
	s.listWaypointsStatus(w, r, http.StatusOK)
}

func (s *Server) listWaypointsStatus(w http.ResponseWriter, r *http.Request, status int) {
	wps, err := s.app.Waypoints(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	points := make([]config.Point, len(wps))
	for i, wp := range wps {
		points[i] = config.Point{X: wp.X, Y: wp.Y}
	}
	httputil.WriteJSON(w, status, points)
}
