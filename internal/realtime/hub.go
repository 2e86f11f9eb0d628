// Package realtime runs the duplex connections to client machines.
//
// Each upgraded websocket gets a uuid handle. The hub admits connections
// through an Admitter, reports connect and disconnect events in the order
// they happened, pushes payloads with per-connection rate limiting, and
// hands inbound frames to an InboundHandler whose reply is written back on
// the same connection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
)

var (
	ErrGone        = errors.New("connection gone")
	ErrRateLimited = errors.New("connection rate limited")
	ErrTimeout     = errors.New("connection send timed out")
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are trading platforms, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 512 * 1024
	sendBuffer   = 256
	eventBuffer  = 1024
)

// ConnectRequest is what the Admitter sees of an upgrade request.
type ConnectRequest struct {
	Handle      string
	Region      string
	Headers     http.Header
	RemoteIP    string
	ConnectedAt time.Time
}

// Admitter binds a new connection to an identity or refuses it.
type Admitter interface {
	Admit(ctx context.Context, req ConnectRequest) (directory.Endpoint, error)
}

// Frame is one inbound message.
type Frame struct {
	From    directory.EndpointRef
	Headers http.Header
	Data    []byte
}

// InboundHandler answers a frame. A nil reply sends nothing.
type InboundHandler interface {
	HandleFrame(ctx context.Context, f Frame) []byte
}

// Config tunes the hub.
type Config struct {
	Region      string
	SendTimeout time.Duration
	SendRate    float64
	SendBurst   int
	MaxClients  int
}

// Client is one websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	endpoint directory.Endpoint
	headers  http.Header
	send     chan []byte
	limiter  *rate.Limiter

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Hub manages all WebSocket connections
type Hub struct {
	cfg        Config
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	events     chan directory.Event
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race

	// ctx outlives individual HTTP requests; frames are handled under it.
	ctx    context.Context
	cancel context.CancelFunc

	admitter Admitter
	inbound  InboundHandler

	// Stats
	totalFrames  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Zero Config fields take defaults.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 500 * time.Millisecond
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 20
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 40
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan directory.Event, eventBuffer),
		logger:     logger,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetAdmitter installs the connect gate. Without one every connection is
// admitted with an empty identity.
func (h *Hub) SetAdmitter(a Admitter) { h.admitter = a }

// SetInbound installs the frame handler.
func (h *Hub) SetInbound(in InboundHandler) { h.inbound = in }

// Events returns the ordered connect/disconnect stream.
func (h *Hub) Events() <-chan directory.Event { return h.events }

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started", "region", h.cfg.Region)
	defer close(h.done)
	defer h.cancel()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for handle, client := range h.clients {
				client.close()
				delete(h.clients, handle)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.endpoint.Handle] = client
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected",
				"connection_id", client.endpoint.Handle,
				"machine_id", client.endpoint.DeviceID,
				"replikanto_version", client.endpoint.ProtocolVersion,
				"total", n)
			h.emit(ctx, directory.Event{Kind: directory.Connect, Endpoint: client.endpoint})

		case client := <-h.unregister:
			h.mu.Lock()
			cur, ok := h.clients[client.endpoint.Handle]
			if ok && cur == client {
				delete(h.clients, client.endpoint.Handle)
			}
			n := len(h.clients)
			h.mu.Unlock()
			client.close()
			if !ok || cur != client {
				continue
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "connection_id", client.endpoint.Handle, "total", n)
			h.emit(ctx, directory.Event{Kind: directory.Disconnect, Endpoint: client.endpoint})
		}
	}
}

func (h *Hub) emit(ctx context.Context, ev directory.Event) {
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
}

// Send pushes payload to the connection at ref.
func (h *Hub) Send(ctx context.Context, ref directory.EndpointRef, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[ref.Handle]
	h.mu.RUnlock()
	if !ok {
		return ErrGone
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	timer := time.NewTimer(h.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return ErrGone
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Ping reports whether ref is a live connection.
func (h *Hub) Ping(_ context.Context, ref directory.EndpointRef) error {
	h.mu.RLock()
	c, ok := h.clients[ref.Handle]
	h.mu.RUnlock()
	if !ok {
		return ErrGone
	}
	select {
	case <-c.closed:
		return ErrGone
	default:
		return nil
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalFrames":      h.totalFrames.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

func (h *Hub) newClient(conn *websocket.Conn, ep directory.Endpoint, headers http.Header) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		endpoint: ep,
		headers:  headers,
		send:     make(chan []byte, sendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.SendRate), h.cfg.SendBurst),
		closed:   make(chan struct{}),
	}
}

// HandleWebSocket admits and upgrades a connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		writeRefusal(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.cfg.MaxClients {
		writeRefusal(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	req := ConnectRequest{
		Handle:      uuid.NewString(),
		Region:      h.cfg.Region,
		Headers:     r.Header.Clone(),
		RemoteIP:    remoteIP(r),
		ConnectedAt: time.Now().UTC(),
	}
	ep := directory.Endpoint{Handle: req.Handle, Region: req.Region, CreatedAt: req.ConnectedAt}
	if h.admitter != nil {
		admitted, err := h.admitter.Admit(r.Context(), req)
		if err != nil {
			h.logger.Info("connection refused", "remote_ip", req.RemoteIP, "reason", err)
			writeRefusal(w, http.StatusBadRequest, "Result was false")
			return
		}
		ep = admitted
		ep.Handle, ep.Region = req.Handle, req.Region
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := h.newClient(conn, ep, req.Headers)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func writeRefusal(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"payload": map[string]string{"status": "error", "msg": msg},
	})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readPump hands inbound frames to the handler and queues its replies.
func (c *Client) readPump() {
	h := c.hub
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				h.logger.Warn("websocket read error", "connection_id", c.endpoint.Handle, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.totalFrames.Add(1)

		if h.inbound == nil {
			continue
		}
		reply := h.inbound.HandleFrame(h.ctx, Frame{From: c.endpoint.Ref(), Headers: c.headers, Data: message})
		if reply == nil {
			continue
		}
		select {
		case c.send <- reply:
		case <-c.closed:
			return
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "connection_id", c.endpoint.Handle, "error", err)
				c.close()
				return
			}

		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}
