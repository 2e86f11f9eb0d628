// Package relay implements the client-facing operations of the trade relay:
// node info, machine id changes, credits, broadcast list membership, order
// update delivery and the connect gate.
//
// Operations return {action, payload} replies. Business failures are
// reported inside the payload with status "error"; a returned Go error means
// the request itself could not be understood or served.
package relay

import (
	"context"
	"log/slog"
	"slices"

	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/fanout"
	"github.com/mbd888/replikanto/internal/identity"
	"github.com/mbd888/replikanto/internal/ledger"
	"github.com/mbd888/replikanto/internal/license"
	"github.com/mbd888/replikanto/internal/logging"
)

// Outbound actions.
const (
	ActionNodeInfo        = "node_info"
	ActionNodeStatus      = "node_status"
	ActionChangeMachineID = "change_machine_id"
	ActionCredit          = "credit"
	ActionLink            = "broadcast_follower_link"
	ActionUnlink          = "broadcast_follower_unlink"
	ActionBroadcast       = "broadcast"
	ActionPositions       = "broadcast_positions"
	ActionTrade           = "trade"
)

const (
	statusError = "error"

	// Orders in this state are charged.
	chargedOrderState = "Submitted"
)

// Reply is the {action, payload} frame answered by most operations.
type Reply = delivery.Message

// ErrorPayload is the payload of a failed operation.
type ErrorPayload struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

func errorReply(action, msg string) Reply {
	return Reply{Action: action, Payload: ErrorPayload{Status: statusError, Msg: msg}}
}

// DirectDeliverer delivers to every live endpoint of one subscriber.
type DirectDeliverer interface {
	DeliverDirect(ctx context.Context, node string, payload []byte, opts delivery.Options) delivery.DirectResult
}

// ListBroadcaster fans a payload out to a broadcast list.
type ListBroadcaster interface {
	Broadcast(ctx context.Context, req fanout.BroadcastRequest) (fanout.Result, error)
}

// LicenseChecker reports the license of a device.
type LicenseChecker interface {
	CheckLicense(ctx context.Context, id deviceid.ID, product string) license.Kind
}

// Submitter runs background work.
type Submitter interface {
	Submit(ctx context.Context, name string, fn func(ctx context.Context)) (string, error)
}

// PositionsNotifier is told when a list's positions changed. The Postgres
// trigger does this on its own; memory mode needs the relay to.
type PositionsNotifier interface {
	Notify(ctx context.Context, listID string) error
}

// Config tunes the operations.
type Config struct {
	Blacklist []string
	// ChargeBroadcast makes every list endpoint reached cost one credit.
	ChargeBroadcast bool
	// ChargeDuplicateConnections charges extra connections of one direct
	// target, for clients new enough to report them.
	ChargeDuplicateConnections bool
}

// Deps are the collaborators of a Service. Positions may be nil.
type Deps struct {
	Ledger    *ledger.Ledger
	Identity  *identity.Resolver
	Directory *directory.Directory
	Direct    DirectDeliverer
	Endpoints fanout.Deliverer
	Lists     ListBroadcaster
	License   LicenseChecker
	Work      Submitter
	Positions PositionsNotifier
}

// Service runs relay operations.
type Service struct {
	Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a service.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{Deps: deps, cfg: cfg, logger: logger}
}

// submit runs fn in the background. Work that cannot be queued is dropped.
func (s *Service) submit(ctx context.Context, name string, fn func(ctx context.Context)) {
	if s.Work == nil {
		fn(context.WithoutCancel(ctx))
		return
	}
	if _, err := s.Work.Submit(ctx, name, fn); err != nil {
		s.logger.Warn("background work dropped", "task", name, "error", err)
	}
}

func encode(action string, payload any) ([]byte, error) {
	return delivery.Encode(action, payload)
}

func (s *Service) blacklisted(deviceID string) bool {
	return slices.Contains(s.cfg.Blacklist, deviceID)
}
