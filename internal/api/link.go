package api

import (
	"net/http"

	"github.com/banshee-data/rangeloc/internal/httputil"
	"github.com/banshee-data/rangeloc/internal/monitoring"
	"github.com/banshee-data/rangeloc/internal/serialmux"
)

// LinkRequest opens or closes the serial link. Port and Baud fall back to
// the configuration when empty.
type LinkRequest struct {
	Action string `json:"action"`
	Port   string `json:"port,omitempty"`
	Baud   int    `json:"baud,omitempty"`
}

// LinkStatus describes the serial link.
type LinkStatus struct {
	Port      string              `json:"port"`
	Open      bool                `json:"open"`
	Connected bool                `json:"connected"`
	Stats     serialmux.LinkStats `json:"stats"`
}

func (s *Server) linkStatus() LinkStatus {
	link := s.app.Link()
	return LinkStatus{
		Port:      link.PortName(),
		Open:      link.IsOpen(),
		Connected: link.Connected(),
		Stats:     link.Stats(),
	}
}

// handleLink handles GET /api/link and POST /api/link {action: open|close}.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.linkStatus())
	case http.MethodPost:
		var req LinkRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		switch req.Action {
		case "open":
			s.openLink(w, req)
		case "close":
			if err := s.app.Link().ClosePort(); err != nil {
				writeAppError(w, err)
				return
			}
			httputil.WriteJSONOK(w, s.linkStatus())
		default:
			httputil.BadRequest(w, "action must be open or close")
		}
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) openLink(w http.ResponseWriter, req LinkRequest) {
	cfg := s.app.Config()
	port := req.Port
	if port == "" {
		port = cfg.GetSerialPort()
	}
	if port == "" {
		httputil.BadRequest(w, "no serial port given or configured")
		return
	}
	opts := cfg.GetPortOptions()
	if req.Baud > 0 {
		opts.BaudRate = req.Baud
	}
	if _, err := opts.Normalise(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.app.Link().OpenPort(port, opts); err != nil {
		monitoring.Warnf("serial", "open %s failed: %v", port, err)
		writeAppError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.linkStatus())
}

// handlePorts handles GET /api/ports - the serial devices present on the host.
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if ports == nil {
		ports = []string{}
	}
	httputil.WriteJSONOK(w, map[string][]string{"ports": ports})
}
