package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/livechat/internal/config"
	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/resilience"
	"github.com/soyeahso/livechat/internal/tracking"
)

func testServer(t *testing.T, opts ...ServerOption) (*harness, *Server, *httptest.Server) {
	t.Helper()
	h := newHarness(t)
	opts = append([]ServerOption{WithVersion("test")}, opts...)
	srv := New(config.GatewayConfig{HandshakeTimeout: 2 * time.Second}, h.orch, h.hub, testLog(), opts...)
	t.Cleanup(srv.authLimiter.close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return h, srv, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one. Presence events may
// arrive ahead of the frame a test is waiting for.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func response(id string) func(Frame) bool {
	return func(f Frame) bool { return f.Type == FrameTypeResponse && f.ID == id }
}

func request(t *testing.T, conn *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	return readUntil(t, conn, response(id))
}

// --- HTTP endpoint tests ---

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type pingFailStore struct {
	kv.Store
	err error
}

func (s pingFailStore) Ping(context.Context) error { return s.err }

func TestReadyEndpoint(t *testing.T) {
	down := errors.New("connection refused")
	tests := []struct {
		name         string
		pingErr      error
		open         bool
		code         int
		status       string
		store        string
		breakerState string
	}{
		{"healthy", nil, false, http.StatusOK, "ok", "ok", "closed"},
		{"store down breaker closed", down, false, http.StatusOK, "degraded", "unreachable", "closed"},
		{"store down breaker open", down, true, http.StatusServiceUnavailable, "unavailable", "unreachable", "open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := kv.NewMemoryStore()
			t.Cleanup(func() { mem.Close() })
			breaker := resilience.New(resilience.Settings{Name: "presence-store", MaxFailures: 1, Cooldown: time.Hour})
			if tt.open {
				_ = breaker.Execute(func() error { return down })
			}
			guard := tracking.NewGuard(pingFailStore{Store: mem, err: tt.pingErr}, breaker)
			_, _, ts := testServer(t, WithStore(guard))

			resp, err := http.Get(ts.URL + "/readyz")
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.code, resp.StatusCode)
			var ready ReadyResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
			assert.Equal(t, tt.status, ready.Status)
			assert.Equal(t, tt.store, ready.Store)
			assert.Equal(t, tt.breakerState, ready.Breaker)
			assert.Equal(t, "node-1", ready.Node)
			assert.Equal(t, "test", ready.Version)
		})
	}
}

// --- WebSocket tests ---

func TestWebSocket_VisitorQueryCredentials(t *testing.T) {
	h, srv, ts := testServer(t)
	conn := dial(t, ts, "sessionId=s1&workspaceId=w1&visitorId=vis-1")

	f := readUntil(t, conn, func(f Frame) bool { return f.Event == OutConnected })
	var welcome Welcome
	require.NoError(t, json.Unmarshal(f.Payload, &welcome))
	assert.Equal(t, ProtocolVersion, welcome.Protocol)
	assert.Equal(t, "s1", welcome.Identity.SessionID)
	require.Len(t, welcome.Rooms, 1)
	assert.Equal(t, "node-1", welcome.Server.Node)
	assert.Eventually(t, func() bool { return srv.clients.Count() == 1 }, time.Second, 10*time.Millisecond)

	res := request(t, conn, "r1", EventGetMessages, map[string]any{"roomId": welcome.Rooms[0]})
	require.NotNil(t, res.OK)
	assert.True(t, *res.OK)

	res = request(t, conn, "r2", "no-such-event", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeUnknownEvent, res.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	res = readUntil(t, conn, response(""))
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidPayload, res.Error.Code)

	res = request(t, conn, "r3", EventVisitorIdle, nil)
	assert.True(t, *res.OK, "the connection survives validation errors")

	conn.Close()
	assert.Eventually(t, func() bool { return h.sched.len() == 1 }, 2*time.Second, 10*time.Millisecond,
		"closing the socket starts the reconnect grace period")
	assert.Eventually(t, func() bool { return srv.clients.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_VisitorAwayClosesConnection(t *testing.T) {
	h, srv, ts := testServer(t)
	conn := dial(t, ts, "sessionId=s1&workspaceId=w1&visitorId=vis-1")
	readUntil(t, conn, func(f Frame) bool { return f.Event == OutConnected })

	res := request(t, conn, "r1", EventVisitorAway, nil)
	require.NotNil(t, res.OK)
	require.True(t, *res.OK)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var err error
	for err == nil {
		var f Frame
		err = conn.ReadJSON(&f)
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
	assert.Eventually(t, func() bool { return srv.clients.Count() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.sched.len(), "an ended session has no grace period")
	assert.NotNil(t, h.session("s1").EndedAt)
}

func TestWebSocket_AgentChallengeFlow(t *testing.T) {
	h, _, ts := testServer(t)
	conn := dial(t, ts, "")

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, FrameTypeEvent, challenge.Type)
	assert.Equal(t, OutChallenge, challenge.Event)

	res := request(t, conn, "req-1", "connect", ConnectParams{Auth: &Credentials{Token: h.token("a1", "w1")}})
	require.NotNil(t, res.OK)
	require.True(t, *res.OK, "connect failed: %+v", res.Error)

	var welcome Welcome
	require.NoError(t, json.Unmarshal(res.Payload, &welcome))
	require.NotNil(t, welcome.Agent)
	assert.Equal(t, "a1", welcome.Agent.ID)
	assert.Equal(t, "a1", welcome.Identity.AgentID)

	res = request(t, conn, "req-2", EventGetQueue, nil)
	assert.True(t, *res.OK)
}

func TestWebSocket_RejectedCredentialsClose(t *testing.T) {
	tests := []struct {
		name  string
		query string
		typ   string
		code  string
	}{
		{"unknown session", "sessionId=nope&workspaceId=w1&visitorId=vis-1", "AUTHENTICATION_ERROR", CodeInvalidSession},
		{"bad token", "token=garbage", "AUTHENTICATION_ERROR", CodeInvalidToken},
		{"short visitor id", "sessionId=s1&workspaceId=w1&visitorId=v", "VALIDATION_ERROR", CodeInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ts := testServer(t)
			conn := dial(t, ts, tt.query)

			res := readUntil(t, conn, func(f Frame) bool { return f.Type == FrameTypeResponse })
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.typ, res.Error.Type)
			assert.Equal(t, tt.code, res.Error.Code)

			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
}

func TestWebSocket_ConnectMustComeFirst(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dial(t, ts, "")

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	res := request(t, conn, "req-1", EventJoinRoom, map[string]any{"roomId": "r1"})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeProtocol, res.Error.Code)
}

func TestWebSocket_RateLimited(t *testing.T) {
	_, srv, ts := testServer(t)
	for range authRateMaxFails {
		srv.authLimiter.recordFailure("127.0.0.1:1")
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=x"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServerStart(t *testing.T) {
	h := newHarness(t)
	srv := New(config.GatewayConfig{Bind: "loopback", Port: 0}, h.orch, h.hub, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
