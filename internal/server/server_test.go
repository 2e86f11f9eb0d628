package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/replikanto/internal/config"
	"github.com/mbd888/replikanto/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	sender   = "0123456789abcdef0123456789abcdef-Desk"
	receiver = "fedcba9876543210fedcba9876543210-Laptop"
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                       "0",
		Env:                        "development",
		LogLevel:                   "error",
		LogFormat:                  "json",
		Region:                     "test",
		InitialCredits:             100,
		RetryTimes:                 1,
		RetryDelay:                 5 * time.Millisecond,
		BroadcastChunks:            10,
		TransitionTTL:              time.Minute,
		TransitionWindow:           time.Second,
		MembershipTTL:              time.Minute,
		SendTimeout:                time.Second,
		Workers:                    2,
		WorkQueue:                  16,
		ChargeBroadcast:            true,
		ChargeDuplicateConnections: true,
		ActiveNotifyInterval:       5,
		AdminSecret:                "admin",
		AdminChannel:               "replikanto:admin",
	}
}

// newTestServer creates a server with in-memory dependencies
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	return s
}

func request(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)

	w = request(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = request(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReportsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := newTestServer(t, WithRedis(rdb))

	w := request(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"redis"`)

	mr.Close()
	w = request(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	request(s, http.MethodGet, "/health/live", "", nil)

	w := request(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "replikanto_http_requests_total")
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	w = request(s, http.MethodGet, "/health/live", "", map[string]string{"X-Request-ID": "from-lb"})
	assert.Equal(t, "from-lb", w.Header().Get("X-Request-ID"))
}

func TestNodeInfoAndCreditOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodPost, "/nodeinfo", `{"machine_id":"`+sender+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		Action  string `json:"action"`
		Payload struct {
			SubscriberID string `json:"replikanto_id"`
			Credits      int64  `json:"credits"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "node_info", info.Action)
	assert.Equal(t, int64(100), info.Payload.Credits)

	w = request(s, http.MethodPost, "/credits/"+info.Payload.SubscriberID, `{"credit":50,"order_id":7}`,
		map[string]string{"X-Admin-Secret": "admin"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"credits":150`)

	w = request(s, http.MethodPost, "/credits/"+info.Payload.SubscriberID, `{"credit":50,"order_id":7}`,
		map[string]string{"X-Admin-Secret": "admin"})
	assert.Contains(t, w.Body.String(), "Credit Twice Prevent")
}

func TestUnknownActionIsFramingFailure(t *testing.T) {
	s := newTestServer(t)
	w := request(s, http.MethodPost, "/actions/explode", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"payload":{"status":"error","msg":"Invalid function call"}}`, w.Body.String())
}

func dial(t *testing.T, srv *httptest.Server, machineID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Machine-Id", machineID)
	h.Set("Replikanto-Version", "1.4.1.2")
	conn, resp, err := websocket.DefaultDialer.Dial(u, h)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestOrderRelayedOverWebsocket(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	recv := dial(t, srv, receiver)
	require.NoError(t, recv.WriteJSON(map[string]any{"action": "nodeinfo", "machine_id": receiver}))
	var info struct {
		Payload struct {
			SubscriberID string `json:"replikanto_id"`
		} `json:"payload"`
	}
	readJSON(t, recv, &info)
	target := info.Payload.SubscriberID
	require.NotEmpty(t, target)

	send := dial(t, srv, sender)
	// The receiver's endpoint is registered asynchronously by the maintainer.
	require.Eventually(t, func() bool {
		eps, err := s.directory.Endpoints(ctx, target)
		return err == nil && len(eps) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, send.WriteJSON(map[string]any{
		"action":             "onorderupdate",
		"machine_id":         sender,
		"replikanto_version": "1.4.1.2",
		"nodes":              []string{target},
		"trade":              map[string]any{"orderState": "Submitted", "instrument": "ES 06-26"},
	}))

	var trade struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	readJSON(t, recv, &trade)
	assert.Equal(t, "trade", trade.Action)
	assert.JSONEq(t, `{"orderState":"Submitted","instrument":"ES 06-26"}`, string(trade.Payload))

	var status struct {
		Action  string `json:"action"`
		Credits struct {
			Changed bool  `json:"has_credits_changed"`
			Credits int64 `json:"credits"`
		} `json:"credits"`
		NodesStatus []struct {
			Node   string `json:"node"`
			Status string `json:"status"`
		} `json:"nodes_status"`
	}
	// The sender may see its balance push before the node status.
	for status.Action != "node_status" {
		readJSON(t, send, &status)
	}
	assert.True(t, status.Credits.Changed)
	assert.Equal(t, int64(99), status.Credits.Credits)
	require.Len(t, status.NodesStatus, 1)
	assert.Equal(t, target, status.NodesStatus[0].Node)
	assert.Equal(t, "sent", status.NodesStatus[0].Status)
}

func TestBlacklistedDeviceRefusedAtConnect(t *testing.T) {
	cfg := testConfig()
	cfg.BlacklistedDevices = []string{sender}
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	h := http.Header{}
	h.Set("Machine-Id", sender)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
