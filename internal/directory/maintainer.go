package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
)

// EventKind distinguishes connect from disconnect.
type EventKind int

const (
	Connect EventKind = iota
	Disconnect
)

func (k EventKind) String() string {
	if k == Disconnect {
		return "disconnect"
	}
	return "connect"
}

// Event is one authoritative connection change.
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
}

// TransitionLog is the part of the transition log the maintainer drives.
type TransitionLog interface {
	Open(ctx context.Context, subscriberID, deviceID string, old EndpointRef) error
	// Complete fills in the new endpoint of the open record and drains its
	// lost payloads. It returns nil when no record is open.
	Complete(ctx context.Context, subscriberID string, next EndpointRef) ([][]byte, error)
}

// Replayer pushes payloads queued while the identity was offline.
type Replayer interface {
	Replay(ctx context.Context, ref EndpointRef, payloads [][]byte) error
}

// Submitter runs work off the event loop.
type Submitter interface {
	Submit(ctx context.Context, name string, fn func(ctx context.Context)) (string, error)
}

// Maintainer applies connection events to both directories and the
// transition log.
type Maintainer struct {
	dir         *Directory
	transitions TransitionLog
	replayer    Replayer
	work        Submitter
	logger      *slog.Logger
}

// NewMaintainer creates a maintainer. replayer may be set later with
// SetReplayer, since the delivery engine depends on the directory.
func NewMaintainer(dir *Directory, transitions TransitionLog, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Maintainer{dir: dir, transitions: transitions, logger: logger}
}

func (m *Maintainer) SetReplayer(r Replayer) { m.replayer = r }

// SetSubmitter moves replays onto w so a replay waiting for its endpoint
// does not hold up later events. Without one, replays run inline.
func (m *Maintainer) SetSubmitter(w Submitter) { m.work = w }

// Run applies events in arrival order until ctx is done or events closes.
func (m *Maintainer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Apply(ctx, ev); err != nil {
				m.logger.Error("directory event failed",
					"kind", ev.Kind.String(),
					"endpoint", ev.Endpoint.Handle,
					"replikanto_id", ev.Endpoint.SubscriberID,
					"error", err)
			}
		}
	}
}

// Apply handles one event.
func (m *Maintainer) Apply(ctx context.Context, ev Event) error {
	var err error
	switch ev.Kind {
	case Connect:
		err = m.connect(ctx, ev.Endpoint)
	case Disconnect:
		err = m.disconnect(ctx, ev.Endpoint)
	default:
		err = fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.DirectoryEventsTotal.WithLabelValues(ev.Kind.String(), result).Inc()
	return err
}

func (m *Maintainer) connect(ctx context.Context, ep Endpoint) error {
	d := m.dir
	ref := ep.Ref()

	if err := d.bounds.Do(ctx, "directory.put_endpoint", func(ctx context.Context) error {
		return d.conns.Put(ctx, ep)
	}); err != nil {
		return err
	}

	listIDs, err := d.FollowedLists(ctx, ep.DeviceID)
	if err != nil {
		return err
	}
	for _, id := range listIDs {
		err := d.bounds.Do(ctx, "directory.add_list_endpoint", func(ctx context.Context) error {
			return d.lists.AddEndpoint(ctx, id, ref)
		})
		if errors.Is(err, ErrListNotFound) {
			// A list deleted since the cache was filled.
			d.Invalidate()
			continue
		}
		if err != nil {
			return err
		}
	}

	var lost [][]byte
	if err := d.bounds.Do(ctx, "transition.complete", func(ctx context.Context) error {
		var err error
		lost, err = m.transitions.Complete(ctx, ep.SubscriberID, ref)
		return err
	}); err != nil {
		return err
	}
	if len(lost) == 0 || m.replayer == nil {
		return nil
	}
	metrics.LostPayloads.WithLabelValues("replayed").Add(float64(len(lost)))
	if m.work == nil {
		return m.replayer.Replay(ctx, ref, lost)
	}
	_, err = m.work.Submit(ctx, "transition.replay", func(ctx context.Context) {
		if err := m.replayer.Replay(ctx, ref, lost); err != nil {
			m.logger.Warn("replay failed",
				"endpoint", ref.Handle,
				"replikanto_id", ep.SubscriberID,
				"payloads", len(lost),
				"error", err)
		}
	})
	if err != nil {
		// The payloads are already drained; push them here rather than drop them.
		m.logger.Warn("replay not queued, running inline", "endpoint", ref.Handle, "error", err)
		return m.replayer.Replay(ctx, ref, lost)
	}
	return nil
}

func (m *Maintainer) disconnect(ctx context.Context, ep Endpoint) error {
	d := m.dir

	var stored Endpoint
	err := d.bounds.Do(ctx, "directory.delete_endpoint", func(ctx context.Context) error {
		var err error
		stored, err = d.conns.Delete(ctx, ep.Handle)
		return err
	})
	switch {
	case err == nil:
		// The stored copy carries the identity the endpoint was last bound to.
		if ep.Region == "" {
			ep.Region = stored.Region
		}
		ep.SubscriberID = stored.SubscriberID
		ep.DeviceID = stored.DeviceID
	case errors.Is(err, ErrEndpointNotFound):
	default:
		return err
	}

	ref := ep.Ref()
	if err := d.bounds.Do(ctx, "directory.remove_endpoint_everywhere", func(ctx context.Context) error {
		return d.lists.RemoveEndpointEverywhere(ctx, ref)
	}); err != nil {
		return err
	}

	if ep.SubscriberID == "" {
		return nil
	}
	return d.bounds.Do(ctx, "transition.open", func(ctx context.Context) error {
		return m.transitions.Open(ctx, ep.SubscriberID, ep.DeviceID, ref)
	})
}
