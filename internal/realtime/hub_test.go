package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mbd888/replikanto/internal/directory"
)

func testHub(cfg Config) *Hub {
	return NewHub(cfg, nil)
}

// attach registers a client without a socket.
func attach(h *Hub, handle string, send chan []byte, limiter *rate.Limiter) *Client {
	c := h.newClient(nil, directory.Endpoint{Handle: handle}, nil)
	if send != nil {
		c.send = send
	}
	if limiter != nil {
		c.limiter = limiter
	}
	h.mu.Lock()
	h.clients[handle] = c
	h.mu.Unlock()
	return c
}

// ---------------------------------------------------------------------------
// Send classification
// ---------------------------------------------------------------------------

func TestSend_UnknownHandleIsGone(t *testing.T) {
	h := testHub(Config{})
	err := h.Send(context.Background(), directory.EndpointRef{Handle: "nope"}, []byte("x"))
	assert.ErrorIs(t, err, ErrGone)
	assert.ErrorIs(t, h.Ping(context.Background(), directory.EndpointRef{Handle: "nope"}), ErrGone)
}

func TestSend_Delivered(t *testing.T) {
	h := testHub(Config{})
	c := attach(h, "h1", nil, nil)

	require.NoError(t, h.Send(context.Background(), directory.EndpointRef{Handle: "h1"}, []byte("hello")))
	assert.Equal(t, []byte("hello"), <-c.send)
	assert.NoError(t, h.Ping(context.Background(), directory.EndpointRef{Handle: "h1"}))
}

func TestSend_RateLimited(t *testing.T) {
	h := testHub(Config{})
	attach(h, "h1", nil, rate.NewLimiter(rate.Every(time.Hour), 1))
	ref := directory.EndpointRef{Handle: "h1"}

	require.NoError(t, h.Send(context.Background(), ref, []byte("1")))
	assert.ErrorIs(t, h.Send(context.Background(), ref, []byte("2")), ErrRateLimited)
}

func TestSend_FullBufferTimesOut(t *testing.T) {
	h := testHub(Config{SendTimeout: 20 * time.Millisecond})
	attach(h, "h1", make(chan []byte), nil)

	err := h.Send(context.Background(), directory.EndpointRef{Handle: "h1"}, []byte("x"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSend_ContextDeadlineIsTimeout(t *testing.T) {
	h := testHub(Config{SendTimeout: time.Minute})
	attach(h, "h1", make(chan []byte), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.Send(ctx, directory.EndpointRef{Handle: "h1"}, []byte("x"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSend_ClosedClientIsGone(t *testing.T) {
	h := testHub(Config{})
	c := attach(h, "h1", make(chan []byte), nil)
	c.close()

	ref := directory.EndpointRef{Handle: "h1"}
	assert.ErrorIs(t, h.Send(context.Background(), ref, []byte("x")), ErrGone)
	assert.ErrorIs(t, h.Ping(context.Background(), ref), ErrGone)
}

// ---------------------------------------------------------------------------
// Hub lifecycle over a real socket
// ---------------------------------------------------------------------------

type fakeAdmitter struct {
	refuse bool
}

func (a fakeAdmitter) Admit(_ context.Context, req ConnectRequest) (directory.Endpoint, error) {
	if a.refuse {
		return directory.Endpoint{}, errors.New("blacklisted")
	}
	return directory.Endpoint{
		DeviceID:        req.Headers.Get("Machine-Id"),
		SubscriberID:    "@REP-AAAA-0001",
		ProtocolVersion: req.Headers.Get("Replikanto-Version"),
	}, nil
}

type echoInbound struct{}

func (echoInbound) HandleFrame(_ context.Context, f Frame) []byte {
	return []byte(`{"from":"` + f.From.Handle + `","machine":"` + f.Headers.Get("Machine-Id") + `","got":` + string(f.Data) + `}`)
}

func startHub(t *testing.T, admitter Admitter) (*Hub, *httptest.Server) {
	t.Helper()
	h := testHub(Config{Region: "us-east-1"})
	h.SetAdmitter(admitter)
	h.SetInbound(echoInbound{})

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set("Machine-Id", "0123456789abcdef0123456789abcdef-alice")
	header.Set("Replikanto-Version", "1.4.1.2")
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
}

func nextEvent(t *testing.T, h *Hub) directory.Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no directory event")
		return directory.Event{}
	}
}

func TestHub_ConnectSendReplyDisconnect(t *testing.T) {
	h, srv := startHub(t, fakeAdmitter{})

	conn, _, err := dial(t, srv)
	require.NoError(t, err)

	ev := nextEvent(t, h)
	require.Equal(t, directory.Connect, ev.Kind)
	assert.Equal(t, "0123456789abcdef0123456789abcdef-alice", ev.Endpoint.DeviceID)
	assert.Equal(t, "@REP-AAAA-0001", ev.Endpoint.SubscriberID)
	assert.Equal(t, "us-east-1", ev.Endpoint.Region)
	assert.NotEmpty(t, ev.Endpoint.Handle)
	ref := ev.Endpoint.Ref()

	// Push from the server side.
	require.NoError(t, h.Send(context.Background(), ref, []byte(`{"action":"credit"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"credit"}`, string(msg))

	// Inbound frame answered on the same connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"nodeinfo"}`)))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"`+ref.Handle+`","machine":"0123456789abcdef0123456789abcdef-alice","got":{"action":"nodeinfo"}}`, string(msg))

	require.NoError(t, conn.Close())
	ev = nextEvent(t, h)
	assert.Equal(t, directory.Disconnect, ev.Kind)
	assert.Equal(t, ref.Handle, ev.Endpoint.Handle)

	assert.ErrorIs(t, h.Send(context.Background(), ref, []byte("late")), ErrGone)

	stats := h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["peakClients"])
	assert.Equal(t, int64(1), stats["totalFrames"])
}

func TestHub_RefusedConnection(t *testing.T) {
	h, srv := startHub(t, fakeAdmitter{refuse: true})

	_, resp, err := dial(t, srv)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
