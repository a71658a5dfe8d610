package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
	"github.com/devrev/flagsync/internal/metrics"
	"github.com/devrev/flagsync/internal/model"
)

type recordingLifecycle struct {
	connected    chan string
	disconnected chan string
	connectErr   error
}

func newRecordingLifecycle() *recordingLifecycle {
	return &recordingLifecycle{
		connected:    make(chan string, 16),
		disconnected: make(chan string, 16),
	}
}

func (l *recordingLifecycle) Connected(ctx context.Context, id string) error {
	l.connected <- id
	return l.connectErr
}

func (l *recordingLifecycle) Disconnected(ctx context.Context, id string) error {
	l.disconnected <- id
	return nil
}

type staticVerifier struct {
	token string
}

func (v staticVerifier) Verify(token string) (*model.Identity, error) {
	if token != v.token {
		return nil, errors.New("invalid token")
	}
	return &model.Identity{Email: "ada@example.com"}, nil
}

func testWebSocketConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		Path:            "/ws",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteTimeout:    time.Second,
		PingInterval:    time.Minute,
		PongTimeout:     time.Minute,
		AllowedOrigins:  []string{"*"},
	}
}

func wsURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http")
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle call")
		return ""
	}
}

func dialHub(t *testing.T, hub *Hub, lc *recordingLifecycle) (*websocket.Conn, string) {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, receive(t, lc.connected)
}

func TestHub_PushDeliversTextFrame(t *testing.T) {
	lc := newRecordingLifecycle()
	hub := NewHub(testWebSocketConfig(), lc, nil, metrics.NewMetrics(), zap.NewNop())
	conn, id := dialHub(t, hub, lc)

	assert.True(t, hub.Has(id))
	assert.Equal(t, 1, hub.Count())

	payload := []byte(`{"event":"flag-updated","id":7}`)
	require.NoError(t, hub.Push(context.Background(), id, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, payload, data)
}

func TestHub_PushUnknownConnectionIsGone(t *testing.T) {
	hub := NewHub(testWebSocketConfig(), newRecordingLifecycle(), nil, metrics.NewMetrics(), zap.NewNop())

	err := hub.Push(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", []byte("{}"))
	assert.ErrorIs(t, err, ErrGone)
}

func TestHub_ClientCloseTriggersDisconnect(t *testing.T) {
	lc := newRecordingLifecycle()
	hub := NewHub(testWebSocketConfig(), lc, nil, metrics.NewMetrics(), zap.NewNop())
	conn, id := dialHub(t, hub, lc)

	conn.Close()

	assert.Equal(t, id, receive(t, lc.disconnected))
	assert.False(t, hub.Has(id))
	assert.ErrorIs(t, hub.Push(context.Background(), id, []byte("{}")), ErrGone)
}

func TestHub_FailedRegistrationKeepsSocketOpen(t *testing.T) {
	lc := newRecordingLifecycle()
	lc.connectErr = errors.New("store unavailable")
	hub := NewHub(testWebSocketConfig(), lc, nil, metrics.NewMetrics(), zap.NewNop())
	conn, id := dialHub(t, hub, lc)

	require.NoError(t, hub.Push(context.Background(), id, []byte(`{"event":"flag-deleted","id":3}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"flag-deleted","id":3}`, string(data))
}

func TestHub_RequireAuth(t *testing.T) {
	cfg := testWebSocketConfig()
	cfg.RequireAuth = true
	lc := newRecordingLifecycle()
	hub := NewHub(cfg, lc, staticVerifier{token: "good"}, metrics.NewMetrics(), zap.NewNop())

	server := httptest.NewServer(hub)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server.URL)+"?token=bad", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL)+"?token=good", nil)
	require.NoError(t, err)
	defer conn.Close()
	receive(t, lc.connected)
}

func TestHub_Disconnect(t *testing.T) {
	lc := newRecordingLifecycle()
	hub := NewHub(testWebSocketConfig(), lc, nil, metrics.NewMetrics(), zap.NewNop())
	conn, id := dialHub(t, hub, lc)

	assert.True(t, hub.Disconnect(id))
	assert.False(t, hub.Disconnect("unknown"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, id, receive(t, lc.disconnected))
}

func TestManagementHandler(t *testing.T) {
	lc := newRecordingLifecycle()
	hub := NewHub(testWebSocketConfig(), lc, nil, metrics.NewMetrics(), zap.NewNop())

	router := mux.NewRouter()
	NewManagementHandler(hub, "secret", zap.NewNop()).Register(router)
	router.Handle("/ws", hub)

	server := httptest.NewServer(router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL)+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	id := receive(t, lc.connected)

	do := func(method, path, key, body string) *http.Response {
		req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set(GatewayKeyHeader, key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/@connections/"+id, "wrong", "{}").StatusCode)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/@connections/"+id, "secret", "").StatusCode)
	assert.Equal(t, http.StatusGone, do(http.MethodGet, "/@connections/unknown", "secret", "").StatusCode)
	assert.Equal(t, http.StatusGone, do(http.MethodPost, "/@connections/unknown", "secret", "{}").StatusCode)

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/@connections/"+id, "secret", `{"event":"flag-updated","id":1}`).StatusCode)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"flag-updated","id":1}`, string(data))

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/@connections/"+id, "secret", "").StatusCode)
	assert.Equal(t, id, receive(t, lc.disconnected))
	assert.Equal(t, http.StatusGone, do(http.MethodDelete, "/@connections/"+id, "secret", "").StatusCode)
}
