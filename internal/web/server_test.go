package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tgrelay/internal/forward"
)

func TestServer_Starts(t *testing.T) {
	cfg := &Config{Port: 0} // random port
	srv := NewServer(cfg, nil)

	go func() { _ = srv.Start() }()
	defer func() { _ = srv.Stop(context.Background()) }()

	// wait for server to be ready
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.BaseURL() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == 200
	}, 2*time.Second, 100*time.Millisecond)
}

func TestServer_HealthEndpoint(t *testing.T) {
	cfg := &Config{Port: 0}
	srv := NewServer(cfg, nil)

	go srv.Start()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(srv.BaseURL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Version)
}

func TestServer_WebSocket(t *testing.T) {
	cfg := &Config{Port: 0}

	// Create hub
	hub := NewHub()
	go hub.Run()

	srv := NewServer(cfg, hub)
	go srv.Start()
	defer srv.Stop(context.Background())

	// Wait for server to start
	time.Sleep(50 * time.Millisecond)

	// Build WS URL
	u := url.URL{Scheme: "ws", Host: srv.listener.Addr().String(), Path: "/ws"}

	// Connect
	c, wsResp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer c.Close()
	if wsResp != nil && wsResp.Body != nil {
		defer wsResp.Body.Close()
	}
}


func TestServer_WebSocketReceivesEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	srv := NewServer(&Config{Port: 0}, hub)
	go func() { _ = srv.Start() }()
	defer func() { _ = srv.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return srv.listener != nil }, 2*time.Second, 10*time.Millisecond)

	u := url.URL{Scheme: "ws", Host: srv.listener.Addr().String(), Path: "/ws"}
	c, wsResp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer c.Close()
	if wsResp != nil && wsResp.Body != nil {
		defer wsResp.Body.Close()
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	pub := NewHubPublisher(hub)
	require.NoError(t, pub.PublishBackfill(context.Background(), forward.BackfillEvent{SourceID: 7, Stage: forward.StageStarted}))

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Type    string                `json:"type"`
		Payload forward.BackfillEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, EventBackfill, evt.Type)
	assert.Equal(t, int64(7), evt.Payload.SourceID)
}

func TestServer_CORS(t *testing.T) {
	srv := NewServer(&Config{AllowedOrigins: []string{"http://localhost:5173"}}, nil)

	req, err := http.NewRequest(http.MethodOptions, "/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
