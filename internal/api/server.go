// Package api serves the robot's JSON control API and the live pose stream.
package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/rangeloc/internal/app"
	"github.com/banshee-data/rangeloc/internal/httputil"
	"github.com/banshee-data/rangeloc/internal/localization"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/pathctl"
	"github.com/banshee-data/rangeloc/internal/security"
	"github.com/banshee-data/rangeloc/internal/serialmux"
	"github.com/banshee-data/rangeloc/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes an App over HTTP.
type Server struct {
	app       *app.App
	listPorts func() ([]string, error)
	upgrader  websocket.Upgrader
	pingEvery time.Duration
	dataDir   string
}

// NewServer returns a Server for a. Serial ports are enumerated with
// serialmux.ListPorts.
func NewServer(a *app.App) *Server {
	return &Server{
		app:       a,
		listPorts: serialmux.ListPorts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingEvery: 30 * time.Second,
		dataDir:   ".",
	}
}

// SetDataDir restricts client-supplied file paths (waypoint files, plot
// directories) to dir. The default is the working directory.
func (s *Server) SetDataDir(dir string) { s.dataDir = dir }

// checkPath rejects client paths outside the data directory. An empty path
// means the configured default and is always allowed.
func (s *Server) checkPath(path string) error {
	if path == "" {
		return nil
	}
	return security.ValidatePathWithinDirectory(path, s.dataDir)
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

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket upgrades bypass it because the hijacked connection outlives
// the request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pose", s.handlePose)
	mux.HandleFunc("/api/pose/reset", s.handlePoseReset)
	mux.HandleFunc("/api/waypoints", s.handleWaypoints)
	mux.HandleFunc("/api/waypoints/", s.handleWaypointByPath)
	mux.HandleFunc("/api/anchors", s.handleAnchors)
	mux.HandleFunc("/api/noise", s.handleNoise)
	mux.HandleFunc("/api/drive", s.handleDrive)
	mux.HandleFunc("/api/simulate", s.handleSimulate)
	mux.HandleFunc("/api/link", s.handleLink)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/ws/pose", s.handlePoseStream)
	return mux
}

// writeAppError maps errors from the App onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, app.ErrNoWaypoint), errors.Is(err, app.ErrWaypointIndex), errors.Is(err, fs.ErrNotExist):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, app.ErrUnknownPreset),
		errors.Is(err, app.ErrCoincidentAnchor),
		errors.Is(err, app.ErrInvalidNoise),
		errors.Is(err, app.ErrInvalidWaypoint),
		errors.Is(err, localization.ErrNonFinite),
		errors.Is(err, pathctl.ErrCorruptFile),
		errors.Is(err, security.ErrPathTraversal):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, serialmux.ErrAlreadyOpen):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// handleVersion handles GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Info())
}
