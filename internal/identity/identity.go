// Package identity maps device identifiers onto subscriber identities.
//
// A subscriber identity (@REP-XXXX-XXXX) outlives the device identifiers it
// has been bound to. Exactly one ledger row, keyed by the current device
// identifier, carries it at any time; re-keying moves the row in a single
// store transaction.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/idgen"
	"github.com/mbd888/replikanto/internal/ledger"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/retry"
	"github.com/mbd888/replikanto/internal/syncutil"
)

const (
	// ContactSupport is returned instead of minting when an unsigned id's
	// root is already claimed by a signed id.
	ContactSupport = "CONTACT-SUPPORT"
	// InvalidNode and EchoNode are reserved and never minted.
	InvalidNode = "@REP-XXXX-XXXX"
	EchoNode    = "@REP-TEST-ECHO"

	mintAttempts = 5
)

var (
	ErrUnsignedTarget = errors.New("Unsigned Machine ID")
	ErrIdentical      = errors.New("It is not possible to modify two identical machine IDs")
	ErrNoToken        = errors.New("unable to generate a unique subscriber identity")
)

// Reserved reports whether token can never be minted.
func Reserved(token string) bool {
	return token == InvalidNode || token == EchoNode
}

// ResolveRequest asks for the identity of DeviceID. PreviousDeviceID is the
// identifier the client used before, when it knows it changed.
type ResolveRequest struct {
	DeviceID         string
	PreviousDeviceID string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	DeviceID     deviceid.ID
	SubscriberID string
	Credits      int64
	Minted       bool
	// Upgraded is set when an unsigned row was re-keyed to the signed id.
	Upgraded  bool
	Ambiguous bool
}

// MergeResult is the outcome of Merge.
type MergeResult struct {
	OldDeviceID  string
	NewDeviceID  string
	SubscriberID string
	Credits      int64
	Msg          string
	// Repointed lists live endpoints of the new device that now carry the
	// retained identity; they need a fresh node_info.
	Repointed []directory.Endpoint
}

// Resolver resolves and merges identities.
type Resolver struct {
	ledger         *ledger.Ledger
	dir            *directory.Directory
	locks          *syncutil.KeyedMutex
	initialCredits int64
	clock          retry.Clock
	newToken       func() string
	logger         *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithInitialCredits(n int64) Option {
	return func(r *Resolver) { r.initialCredits = n }
}

func WithClock(c retry.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithTokenGenerator replaces the random token source.
func WithTokenGenerator(fn func() string) Option {
	return func(r *Resolver) { r.newToken = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver over the ledger rows and the broadcast lists.
func New(l *ledger.Ledger, dir *directory.Directory, opts ...Option) *Resolver {
	r := &Resolver{
		ledger:         l,
		dir:            dir,
		locks:          syncutil.NewKeyedMutex(0),
		initialCredits: 100,
		clock:          retry.RealClock{},
		newToken:       idgen.SubscriberToken,
		logger:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the identity bound to req.DeviceID, minting one when the
// device is new. Resolves for the same unsigned root are serialized so that
// concurrent first contacts converge on one row.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Resolution, error) {
	id, err := deviceid.Parse(req.DeviceID)
	if err != nil {
		return Resolution{}, err
	}

	var res Resolution
	err = r.locks.Do(ctx, id.Raw(), func() error {
		var err error
		res, err = r.resolveLocked(ctx, id)
		return err
	})
	if err != nil {
		return Resolution{}, err
	}

	if res.Minted && req.PreviousDeviceID != "" && req.PreviousDeviceID != id.String() {
		r.logger.Info("device identifier changed", "old_machine_id", req.PreviousDeviceID, "machine_id", id.String())
		if _, err := r.PropagateToLists(ctx, req.PreviousDeviceID, id.String(), false); err != nil {
			r.logger.Warn("list propagation failed", "old_machine_id", req.PreviousDeviceID, "machine_id", id.String(), "error", err)
		}
	}
	return res, nil
}

func (r *Resolver) resolveLocked(ctx context.Context, id deviceid.ID) (Resolution, error) {
	row, err := r.get(ctx, id.String())
	if err == nil {
		return Resolution{DeviceID: id, SubscriberID: row.SubscriberID, Credits: row.Credits}, nil
	}
	if !errors.Is(err, ledger.ErrRowNotFound) {
		return Resolution{}, err
	}

	siblings, err := r.findByRoot(ctx, id.Raw())
	if err != nil {
		return Resolution{}, err
	}

	if id.IsSigned() {
		for _, s := range siblings {
			if s.DeviceID == id.Raw() {
				return r.upgrade(ctx, id, s)
			}
		}
	} else if len(siblings) > 0 {
		r.logger.Warn("ambiguous identity", "machine_id", id.String(), "assigned_references", len(siblings))
		return Resolution{DeviceID: id, SubscriberID: ContactSupport, Ambiguous: true}, nil
	}

	return r.mint(ctx, id)
}

// upgrade re-keys the unsigned row to its signed id.
func (r *Resolver) upgrade(ctx context.Context, id deviceid.ID, old *ledger.Row) (Resolution, error) {
	now := r.clock.Now().UTC()
	row, err := r.replace(ctx, old.DeviceID, id.String(), func(locked, current *ledger.Row) (*ledger.Row, error) {
		if current != nil {
			return nil, ledger.ErrRowExists
		}
		next := locked.Clone()
		next.UnsignedRoot = id.Raw()
		next.LastUpdate = now
		return next, nil
	})
	if errors.Is(err, ledger.ErrRowExists) {
		// Another process upgraded first; its row is the identity.
		existing, err := r.get(ctx, id.String())
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{DeviceID: id, SubscriberID: existing.SubscriberID, Credits: existing.Credits}, nil
	}
	if err != nil {
		return Resolution{}, err
	}
	r.logger.Info("upgraded machine id", "from", old.DeviceID, "to", row.DeviceID, "replikanto_id", row.SubscriberID)
	return Resolution{DeviceID: id, SubscriberID: row.SubscriberID, Credits: row.Credits, Upgraded: true}, nil
}

func (r *Resolver) mint(ctx context.Context, id deviceid.ID) (Resolution, error) {
	token, err := r.uniqueToken(ctx)
	if err != nil {
		return Resolution{}, err
	}

	row := ledger.NewRow(id, token, r.initialCredits, r.clock.Now().UTC())
	err = r.ledger.Bounds().Do(ctx, "identity.insert", func(ctx context.Context) error {
		return r.ledger.Store().Insert(ctx, row)
	})
	if errors.Is(err, ledger.ErrRowExists) {
		// Another process won the race; its row is the identity.
		existing, err := r.get(ctx, id.String())
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{DeviceID: id, SubscriberID: existing.SubscriberID, Credits: existing.Credits}, nil
	}
	if err != nil {
		return Resolution{}, err
	}

	r.logger.Info("minted subscriber identity", "machine_id", id.String(), "replikanto_id", token)
	return Resolution{DeviceID: id, SubscriberID: token, Credits: row.Credits, Minted: true}, nil
}

func (r *Resolver) uniqueToken(ctx context.Context) (string, error) {
	for i := 0; i < mintAttempts; i++ {
		token := r.newToken()
		if Reserved(token) {
			continue
		}
		var rows []*ledger.Row
		err := r.ledger.Bounds().Do(ctx, "identity.find_subscriber", func(ctx context.Context) error {
			var err error
			rows, err = r.ledger.Store().FindBySubscriber(ctx, token)
			return err
		})
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return token, nil
		}
	}
	return "", ErrNoToken
}

// Merge moves the identity of oldDeviceID onto newDeviceID, which must be
// signed. When newDeviceID already has a row, the old identity and balance
// win and the new row is kept in the backup chain.
func (r *Resolver) Merge(ctx context.Context, oldDeviceID, newDeviceID string) (MergeResult, error) {
	oldID, err := deviceid.Parse(oldDeviceID)
	if err != nil {
		return MergeResult{}, err
	}
	newID, err := deviceid.Parse(newDeviceID)
	if err != nil {
		return MergeResult{}, err
	}
	if !newID.IsSigned() {
		return MergeResult{}, ErrUnsignedTarget
	}
	if oldID.String() == newID.String() {
		return MergeResult{}, ErrIdentical
	}

	res := MergeResult{OldDeviceID: oldID.String(), NewDeviceID: newID.String()}
	err = r.locks.Do(ctx, newID.Raw(), func() error {
		return r.mergeLocked(ctx, oldID, newID, &res)
	})
	if err != nil {
		return MergeResult{}, err
	}

	changed, err := r.PropagateToLists(ctx, res.OldDeviceID, res.NewDeviceID, true)
	if err != nil {
		r.logger.Warn("list propagation failed", "old_machine_id", res.OldDeviceID, "machine_id", res.NewDeviceID, "error", err)
	} else if changed {
		res.Msg += "\nAdded follower " + res.NewDeviceID + " to the broadcast list"
	}
	return res, nil
}

func (r *Resolver) mergeLocked(ctx context.Context, oldID, newID deviceid.ID, res *MergeResult) error {
	now := r.clock.Now().UTC()
	var displaced *ledger.Row

	// Both rows are read under the store's lock, so a credit that lands
	// before the move is carried into the new row.
	row, err := r.replace(ctx, oldID.String(), newID.String(), func(old, current *ledger.Row) (*ledger.Row, error) {
		displaced = current
		next := &ledger.Row{
			UnsignedRoot: newID.Raw(),
			SubscriberID: old.SubscriberID,
			Credits:      old.Credits,
			LastUpdate:   now,
			LastOrderRef: old.LastOrderRef,
		}
		if current == nil {
			next.Backups = append(old.Clone().Backups, flatSnapshot(old, ""))
			res.Msg = fmt.Sprintf("Changing to a new Machine ID was successful. Replikanto ID %s was kept", old.SubscriberID)
			return next, nil
		}
		res.Msg = fmt.Sprintf("Changing to a new Machine ID was successful. Replikanto ID %s was kept from old machine id %s, the newly created Replikanto ID %s is saved in the backup",
			old.SubscriberID, old.DeviceID, current.SubscriberID)
		next.Backups = append(current.Clone().Backups, old.Snapshot(""), flatSnapshot(current, res.Msg))
		return next, nil
	})
	if err != nil {
		return err
	}
	res.SubscriberID = row.SubscriberID
	res.Credits = row.Credits

	if displaced != nil && displaced.SubscriberID != row.SubscriberID {
		var eps []directory.Endpoint
		err := r.dir.Bounds().Do(ctx, "identity.repoint", func(ctx context.Context) error {
			var err error
			eps, err = r.dir.Connections().Repoint(ctx, newID.String(), row.SubscriberID)
			return err
		})
		if err != nil {
			r.logger.Warn("repoint of live endpoints failed", "machine_id", newID.String(), "error", err)
		} else {
			res.Repointed = eps
		}
	}

	r.logger.Info("merged machine id", "from", oldID.String(), "to", row.DeviceID, "replikanto_id", row.SubscriberID, "repointed", len(res.Repointed))
	return nil
}

func flatSnapshot(row *ledger.Row, msg string) ledger.Backup {
	return ledger.Backup{
		DeviceID:     row.DeviceID,
		SubscriberID: row.SubscriberID,
		Credits:      row.Credits,
		LastUpdate:   row.LastUpdate,
		Msg:          msg,
	}
}

// PropagateToLists adds newDeviceID wherever oldDeviceID is an owner or a
// follower, and removes oldDeviceID when removeOld is set. It reports
// whether any list changed.
func (r *Resolver) PropagateToLists(ctx context.Context, oldDeviceID, newDeviceID string, removeOld bool) (bool, error) {
	lists := r.dir.Lists()
	changed := false
	for _, role := range []directory.Role{directory.RoleFollower, directory.RoleOwner} {
		var found []*directory.List
		err := r.dir.Bounds().Do(ctx, "identity.lists_with_member", func(ctx context.Context) error {
			var err error
			found, err = lists.WithMember(ctx, role, oldDeviceID)
			return err
		})
		if err != nil {
			return changed, err
		}

		for _, l := range found {
			err := r.dir.Bounds().Do(ctx, "identity.swap_member", func(ctx context.Context) error {
				added, err := lists.AddMember(ctx, l.ID, role, newDeviceID)
				if err != nil {
					return err
				}
				changed = changed || added
				if !removeOld {
					return nil
				}
				removed, err := lists.RemoveMember(ctx, l.ID, role, oldDeviceID)
				changed = changed || removed
				return err
			})
			if err != nil {
				return changed, err
			}
			if role == directory.RoleFollower {
				r.syncEndpoints(ctx, l.ID, oldDeviceID, newDeviceID, removeOld)
			}
			r.logger.Info("list membership moved", "broadcast_list_id", l.ID, "role", string(role), "from", oldDeviceID, "to", newDeviceID, "remove_old", removeOld)
		}
	}
	if changed {
		r.dir.Invalidate()
	}
	return changed, nil
}

// syncEndpoints keeps a list's materialized endpoints in step with a
// follower swap. Failures are logged; the next connect repairs them.
func (r *Resolver) syncEndpoints(ctx context.Context, listID, oldDeviceID, newDeviceID string, removeOld bool) {
	conns, lists := r.dir.Connections(), r.dir.Lists()
	bounds := r.dir.Bounds()
	byDevice := func(deviceID string) []directory.Endpoint {
		var eps []directory.Endpoint
		err := bounds.Do(ctx, "identity.endpoints_by_device", func(ctx context.Context) error {
			var err error
			eps, err = conns.ByDevice(ctx, deviceID)
			return err
		})
		if err != nil {
			r.logger.Warn("follower endpoints not listed", "broadcast_list_id", listID, "machine_id", deviceID, "error", err)
		}
		return eps
	}

	for _, ep := range byDevice(newDeviceID) {
		ref := ep.Ref()
		err := bounds.Do(ctx, "identity.add_endpoint", func(ctx context.Context) error {
			return lists.AddEndpoint(ctx, listID, ref)
		})
		if err != nil {
			r.logger.Warn("follower endpoint not synced", "broadcast_list_id", listID, "connection_id", ep.Handle, "error", err)
		}
	}
	if !removeOld {
		return
	}
	for _, ep := range byDevice(oldDeviceID) {
		ref := ep.Ref()
		err := bounds.Do(ctx, "identity.remove_endpoint", func(ctx context.Context) error {
			return lists.RemoveEndpoint(ctx, listID, ref)
		})
		if err != nil {
			r.logger.Warn("follower endpoint not synced", "broadcast_list_id", listID, "connection_id", ep.Handle, "error", err)
		}
	}
}

func (r *Resolver) get(ctx context.Context, deviceID string) (*ledger.Row, error) {
	return r.ledger.Get(ctx, deviceID)
}

func (r *Resolver) findByRoot(ctx context.Context, root string) ([]*ledger.Row, error) {
	var rows []*ledger.Row
	err := r.ledger.Bounds().Do(ctx, "identity.find_root", func(ctx context.Context) error {
		var err error
		rows, err = r.ledger.Store().FindByRoot(ctx, root)
		return err
	})
	return rows, err
}

// replace moves the row at oldDeviceID to newDeviceID in one store
// transaction. It is not retried: a move either commits or surfaces the
// store error.
func (r *Resolver) replace(ctx context.Context, oldDeviceID, newDeviceID string, build ledger.ReplaceFunc) (*ledger.Row, error) {
	var row *ledger.Row
	err := r.ledger.Bounds().Once().Do(ctx, "identity.replace", func(ctx context.Context) error {
		var err error
		row, err = r.ledger.Store().Replace(ctx, oldDeviceID, newDeviceID, build)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replace %s with %s: %w", oldDeviceID, newDeviceID, err)
	}
	return row, nil
}
