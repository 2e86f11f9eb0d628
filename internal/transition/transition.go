// Package transition records the hand-over from a dropped connection to the
// one that replaces it, so a sender holding the old handle can be redirected
// and payloads sent in the gap are queued instead of dropped.
package transition

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/retry"
)

var ErrNotOpen = errors.New("no open transition")

// Record is one transition. New is empty while the subscriber has not
// reconnected.
type Record struct {
	SubscriberID string                `json:"replikanto_id"`
	DeviceID     string                `json:"machine_id"`
	Old          directory.EndpointRef `json:"old"`
	New          directory.EndpointRef `json:"new"`
	OpenedAt     time.Time             `json:"disconnection_time"`
	CompletedAt  time.Time             `json:"connection_time,omitempty"`
	Lost         [][]byte              `json:"-"`
}

// IsOpen reports whether the subscriber is still offline.
func (r Record) IsOpen() bool { return r.New.Handle == "" }

// Log is the transition log contract.
type Log interface {
	// Open starts a transition away from old. Payloads queued on a still
	// open record of the same subscriber are kept.
	Open(ctx context.Context, subscriberID, deviceID string, old directory.EndpointRef) error
	// Complete sets the new endpoint and drains the queued payloads in one
	// step. It returns nil when nothing is open.
	Complete(ctx context.Context, subscriberID string, next directory.EndpointRef) ([][]byte, error)
	// Lookup finds the record that left oldHandle. Records older than the
	// lookup window or the TTL are reported as absent.
	Lookup(ctx context.Context, oldHandle string) (Record, bool, error)
	// AppendLost queues a payload on the subscriber's open record.
	AppendLost(ctx context.Context, subscriberID string, payload []byte) error
}

// Options shared by the implementations.
type Options struct {
	TTL    time.Duration
	Window time.Duration
	Clock  retry.Clock
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 2 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = retry.RealClock{}
	}
	return o
}

// live reports whether r is younger than the TTL.
func (o Options) live(r Record, now time.Time) bool {
	return now.Sub(r.OpenedAt) <= o.TTL
}

// inWindow reports whether r may still answer a lookup.
func (o Options) inWindow(r Record, now time.Time) bool {
	if !o.live(r, now) {
		return false
	}
	return o.Window <= 0 || now.Sub(r.OpenedAt) <= o.Window
}
