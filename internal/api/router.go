// Package api turns HTTP requests and websocket frames into relay
// operations. Both transports build an Envelope and hand it to the same
// Router, so an action behaves identically wherever it arrives.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mbd888/replikanto/internal/activation"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
	"github.com/mbd888/replikanto/internal/relay"
	"github.com/mbd888/replikanto/internal/storage"
	"github.com/mbd888/replikanto/internal/traces"
)

// Inbound actions. Websocket frames name theirs in an "action" field.
const (
	ActionNodeInfo     = "nodeinfo"
	ActionOrderUpdate  = "onorderupdate"
	ActionChangeID     = "change_machine_id"
	ActionActivate     = "active_machine_id"
	ActionDeactivate   = "disabled_machine_id"
	ActionCredit       = "credit"
	ActionLink         = "broadcast_follower_link"
	ActionUnlink       = "broadcast_follower_unlink"
	ActionFollowers    = "broadcast"
	ActionSetPositions = "broadcast_positions"
	ActionDefault      = "default"
)

// Path parameters.
const (
	ParamMachineID     = "machine_id"
	ParamSubscriberID  = "replikanto_id"
	ParamBroadcastList = "broadcast_list_id"
)

// Request headers read by the router, besides the connect headers of the
// relay package.
const (
	HeaderSeed        = "guid"
	HeaderHash        = "hash"
	HeaderAdminSecret = "X-Admin-Secret"
)

var (
	ErrUnknownAction = errors.New("Invalid function call")
	ErrForbidden     = errors.New("Forbidden")
)

// Envelope is one inbound operation.
type Envelope struct {
	Action     string
	Headers    http.Header
	PathParams map[string]string
	Body       json.RawMessage
	// Origin is the connection handle when the envelope came over a
	// websocket.
	Origin   string
	RemoteIP string
	ViaHTTP  bool
}

func (e Envelope) param(name string) string {
	if e.PathParams == nil {
		return ""
	}
	return e.PathParams[name]
}

// Operations is the relay surface the router dispatches to.
type Operations interface {
	NodeInfo(ctx context.Context, req relay.NodeInfoRequest) (relay.Reply, error)
	ChangeMachineID(ctx context.Context, req relay.ChangeMachineIDRequest) (relay.Reply, error)
	Credit(ctx context.Context, req relay.CreditRequest) (relay.Reply, error)
	Link(ctx context.Context, req relay.FollowerRequest) (relay.Reply, error)
	Unlink(ctx context.Context, req relay.FollowerRequest) (relay.Reply, error)
	Followers(ctx context.Context, listID string) (relay.Reply, error)
	SetPositions(ctx context.Context, req relay.SetPositionsRequest) (relay.Reply, error)
	OrderUpdate(ctx context.Context, req relay.OrderUpdateRequest) (relay.NodeStatusReply, error)
}

// Activations answers instance heartbeats.
type Activations interface {
	Activate(ctx context.Context, req activation.ActivateRequest) (activation.ActivateResponse, error)
	Deactivate(ctx context.Context, req activation.DeactivateRequest) (activation.DeactivateResponse, error)
}

type handlerFunc func(ctx context.Context, env Envelope) (any, error)

// Router dispatches envelopes by action.
type Router struct {
	ops         Operations
	activations Activations
	adminSecret string
	logger      *slog.Logger
	handlers    map[string]handlerFunc
}

// NewRouter creates a router. Credits are refused when adminSecret is empty.
func NewRouter(ops Operations, activations Activations, adminSecret string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Router{ops: ops, activations: activations, adminSecret: adminSecret, logger: logger}
	r.handlers = map[string]handlerFunc{
		ActionNodeInfo:     r.nodeInfo,
		ActionOrderUpdate:  r.orderUpdate,
		ActionChangeID:     r.changeMachineID,
		ActionActivate:     r.activate,
		ActionDeactivate:   r.deactivate,
		ActionCredit:       r.credit,
		ActionLink:         r.link,
		ActionUnlink:       r.unlink,
		ActionFollowers:    r.followers,
		ActionSetPositions: r.setPositions,
		ActionDefault:      r.fallback,
	}
	return r
}

// Dispatch runs the envelope's action and returns the HTTP status and body
// to answer with. Business failures come back as 200 with an error payload;
// anything else is a framing failure.
func (r *Router) Dispatch(ctx context.Context, env Envelope) (int, any) {
	action := strings.ToLower(strings.TrimPrefix(strings.Trim(env.Action, "/"), "$"))
	transport := "ws"
	if env.ViaHTTP {
		transport = "http"
	}
	h, ok := r.handlers[action]
	if !ok {
		metrics.ActionsTotal.WithLabelValues("unknown", transport).Inc()
		return failure(http.StatusBadRequest, ErrUnknownAction)
	}
	metrics.ActionsTotal.WithLabelValues(action, transport).Inc()

	ctx, span := traces.StartSpan(ctx, "api."+action, traces.Action(action), traces.Transport(transport))
	out, err := h(ctx, env)
	traces.End(span, err)
	switch {
	case err == nil:
		return http.StatusOK, out
	case errors.Is(err, ErrForbidden):
		return failure(http.StatusForbidden, err)
	case errors.Is(err, storage.ErrUnavailable):
		logging.L(ctx).Error("action failed", "action", action, "error", err)
		return failure(http.StatusServiceUnavailable, err)
	default:
		logging.L(ctx).Warn("action refused", "action", action, "error", err)
		return failure(http.StatusBadRequest, err)
	}
}

// Failure is the body of a framing failure.
type Failure struct {
	Payload relay.ErrorPayload `json:"payload"`
}

func failure(code int, err error) (int, any) {
	return code, Failure{Payload: relay.ErrorPayload{Status: "error", Msg: err.Error()}}
}

// decode reads the body into v. An empty body decodes as {}.
func decode(env Envelope, v any) error {
	if len(env.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("Invalid request body: %w", err)
	}
	return nil
}

func (r *Router) nodeInfo(ctx context.Context, env Envelope) (any, error) {
	var req relay.NodeInfoRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		req.DeviceID = env.Headers.Get(relay.HeaderMachineID)
	}
	req.PreviousDeviceID = env.Headers.Get(relay.HeaderOldMachineID)
	return r.ops.NodeInfo(ctx, req)
}

func (r *Router) orderUpdate(ctx context.Context, env Envelope) (any, error) {
	var req relay.OrderUpdateRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	req.Origin = env.Origin
	req.ViaHTTP = env.ViaHTTP
	return r.ops.OrderUpdate(ctx, req)
}

func (r *Router) changeMachineID(ctx context.Context, env Envelope) (any, error) {
	var req relay.ChangeMachineIDRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	req.Old = env.param(ParamMachineID)
	if req.Old == "" {
		req.Old = env.Headers.Get(relay.HeaderMachineID)
	}
	return r.ops.ChangeMachineID(ctx, req)
}

func (r *Router) activate(ctx context.Context, env Envelope) (any, error) {
	resp, err := r.activations.Activate(ctx, activation.ActivateRequest{
		DeviceID: env.Headers.Get(relay.HeaderMachineID),
		Seed:     env.Headers.Get(HeaderSeed),
		IP:       env.RemoteIP,
	})
	if err != nil {
		return nil, err
	}
	return relay.Reply{Action: ActionActivate, Payload: resp}, nil
}

func (r *Router) deactivate(ctx context.Context, env Envelope) (any, error) {
	resp, err := r.activations.Deactivate(ctx, activation.DeactivateRequest{
		DeviceID: env.Headers.Get(relay.HeaderMachineID),
		Hash:     env.Headers.Get(HeaderHash),
		Version:  env.Headers.Get(relay.HeaderVersion),
	})
	if err != nil {
		return nil, err
	}
	return relay.Reply{Action: ActionDeactivate, Payload: resp}, nil
}

func (r *Router) credit(ctx context.Context, env Envelope) (any, error) {
	if !r.admin(env) {
		return nil, ErrForbidden
	}
	var req relay.CreditRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	req.SubscriberID = env.param(ParamSubscriberID)
	return r.ops.Credit(ctx, req)
}

func (r *Router) admin(env Envelope) bool {
	if r.adminSecret == "" {
		return false
	}
	got := env.Headers.Get(HeaderAdminSecret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(r.adminSecret)) == 1
}

func (r *Router) followerRequest(env Envelope) (relay.FollowerRequest, error) {
	var req relay.FollowerRequest
	if err := decode(env, &req); err != nil {
		return req, err
	}
	req.ListID = env.param(ParamBroadcastList)
	req.Caller = env.Headers.Get(relay.HeaderMachineID)
	return req, nil
}

func (r *Router) link(ctx context.Context, env Envelope) (any, error) {
	req, err := r.followerRequest(env)
	if err != nil {
		return nil, err
	}
	return r.ops.Link(ctx, req)
}

func (r *Router) unlink(ctx context.Context, env Envelope) (any, error) {
	req, err := r.followerRequest(env)
	if err != nil {
		return nil, err
	}
	return r.ops.Unlink(ctx, req)
}

func (r *Router) followers(ctx context.Context, env Envelope) (any, error) {
	return r.ops.Followers(ctx, env.param(ParamBroadcastList))
}

func (r *Router) setPositions(ctx context.Context, env Envelope) (any, error) {
	var req relay.SetPositionsRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	req.ListID = env.param(ParamBroadcastList)
	if req.Caller == "" {
		req.Caller = env.Headers.Get(relay.HeaderMachineID)
	}
	return r.ops.SetPositions(ctx, req)
}

func (r *Router) fallback(context.Context, Envelope) (any, error) {
	return relay.Reply{Action: ActionDefault, Payload: struct{}{}}, nil
}
