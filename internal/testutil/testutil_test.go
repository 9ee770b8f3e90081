package testutil

import (
	"net/http"
	"strings"
	"testing"
)

func TestNewLocalRequest(t *testing.T) {
	req := NewLocalRequest(http.MethodPost, "/api/pose/reset", strings.NewReader(`{}`))
	if req.RemoteAddr != LoopbackAddr {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	if got := NewLocalRequest(http.MethodGet, "/api/pose", nil).Header.Get("Content-Type"); got != "" {
		t.Errorf("Content-Type without body = %q", got)
	}
}

func TestServeAndDecode(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"x":1.5,"y":-2}`))
	})

	w := Serve(h, NewLocalRequest(http.MethodGet, "/", nil))
	AssertStatusCode(t, w, http.StatusAccepted)

	got := DecodeJSON[map[string]float64](t, w)
	if got["x"] != 1.5 || got["y"] != -2 {
		t.Errorf("decoded %v", got)
	}
}
