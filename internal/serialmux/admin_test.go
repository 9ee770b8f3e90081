package serialmux

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rangeloc/internal/packet"
	"github.com/banshee-data/rangeloc/internal/testutil"
)

func TestAttachAdminRoutes_SendVelocity(t *testing.T) {
	link := NewRobotLink(NewMockSerialPortFactory())
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
	}{
		{"valid", http.MethodPost, url.Values{"velA": {"1.5"}, "velB": {"-2"}}, http.StatusOK},
		{"missing velB", http.MethodPost, url.Values{"velA": {"1"}}, http.StatusBadRequest},
		{"not a number", http.MethodPost, url.Values{"velA": {"x"}, "velB": {"1"}}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewLocalRequest(tt.method, "/debug/send-velocity", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	assert.True(t, link.commandPending)
	assert.EqualValues(t, 1.5, link.command.VelA)
	assert.EqualValues(t, -2, link.command.VelB)
}

func TestAttachAdminRoutes_LinkStats(t *testing.T) {
	link, port, _ := openLink(t)
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)

	port.AddReadData(frameOf(t, packet.StatusPacket{Connected: true}))
	require.Eventually(t, func() bool { return link.Stats().FramesDecoded == 1 }, waitFor, tick)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.NewLocalRequest(http.MethodGet, "/debug/link-stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Port  string    `json:"port"`
		Open  bool      `json:"open"`
		Stats LinkStats `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "/dev/ttyTEST", body.Port)
	assert.True(t, body.Open)
	assert.EqualValues(t, 1, body.Stats.FramesDecoded)
}

func TestAttachAdminRoutes_TailSSE(t *testing.T) {
	link, port, _ := openLink(t)
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)

	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasPrefix(scanner.Text(), ": ping"))

	port.AddReadData(frameOf(t, packet.StatusPacket{Connected: true}))

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			assert.Equal(t, "data: PACKET: 0xAA55 | 0x04 | true |", line)
			return
		}
	}
	t.Fatalf("stream ended without data: %v", scanner.Err())
}
