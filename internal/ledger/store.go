package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/replikanto/internal/deviceid"
)

var (
	ErrRowNotFound        = errors.New("ledger row not found")
	ErrRowExists          = errors.New("ledger row already exists")
	ErrConditionFailed    = errors.New("conditional update failed")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrDuplicateCredit    = errors.New("credit already applied for this order")
	ErrInvalidAmount      = errors.New("invalid amount")
)

// Backup is a superseded ledger row kept on the row that replaced it.
type Backup struct {
	DeviceID     string    `json:"machine_id"`
	SubscriberID string    `json:"replikanto_id"`
	Credits      int64     `json:"credits"`
	LastUpdate   time.Time `json:"last_update"`
	Msg          string    `json:"msg,omitempty"`
	Backups      []Backup  `json:"backups,omitempty"`
}

// Row is the current ledger row of a subscriber identity, keyed by the
// device identifier currently bound to it.
type Row struct {
	DeviceID     string    `json:"machine_id"`
	UnsignedRoot string    `json:"unsigned_root"`
	SubscriberID string    `json:"replikanto_id"`
	Credits      int64     `json:"credits"`
	LastUpdate   time.Time `json:"last_update"`
	LastOrderRef int64     `json:"last_order_ref"`
	Backups      []Backup  `json:"backups,omitempty"`
}

// NewRow builds a fresh row for id.
func NewRow(id deviceid.ID, subscriberID string, credits int64, now time.Time) *Row {
	return &Row{
		DeviceID:     id.String(),
		UnsignedRoot: id.Raw(),
		SubscriberID: subscriberID,
		Credits:      credits,
		LastUpdate:   now,
	}
}

// Snapshot captures r, including its own backup chain, as a Backup.
func (r *Row) Snapshot(msg string) Backup {
	return Backup{
		DeviceID:     r.DeviceID,
		SubscriberID: r.SubscriberID,
		Credits:      r.Credits,
		LastUpdate:   r.LastUpdate,
		Msg:          msg,
		Backups:      cloneBackups(r.Backups),
	}
}

// Clone returns a deep copy.
func (r *Row) Clone() *Row {
	cp := *r
	cp.Backups = cloneBackups(r.Backups)
	return &cp
}

func cloneBackups(in []Backup) []Backup {
	if in == nil {
		return nil
	}
	out := make([]Backup, len(in))
	for i, b := range in {
		out[i] = b
		out[i].Backups = cloneBackups(b.Backups)
	}
	return out
}

// ReplaceFunc builds the replacement row from the locked rows.
type ReplaceFunc func(old, current *Row) (*Row, error)

// Store persists ledger rows. Every mutation is atomic per call.
type Store interface {
	Get(ctx context.Context, deviceID string) (*Row, error)
	FindByRoot(ctx context.Context, unsignedRoot string) ([]*Row, error)
	FindBySubscriber(ctx context.Context, subscriberID string) ([]*Row, error)

	// Insert writes row only if no row exists under its key (ErrRowExists).
	Insert(ctx context.Context, row *Row) error
	// Replace re-keys oldDeviceID to newDeviceID in one transaction. build
	// receives the old row and the row stored under newDeviceID (nil when
	// absent) as they are while locked, and returns the row to store under
	// newDeviceID. build must not touch the store. ErrRowNotFound when
	// oldDeviceID is absent; nothing is written when build fails.
	Replace(ctx context.Context, oldDeviceID, newDeviceID string, build ReplaceFunc) (*Row, error)

	// ConditionalDebit subtracts amount only when credits >= amount and
	// returns the new balance, or ErrConditionFailed.
	ConditionalDebit(ctx context.Context, deviceID string, amount int64) (int64, error)
	// ConditionalFloor sets credits to zero only while credits < amount,
	// or returns ErrConditionFailed.
	ConditionalFloor(ctx context.Context, deviceID string, amount int64) error
	// AddCredits adds amount and records orderRef. A non-zero orderRef equal
	// to the stored one is rejected with ErrDuplicateCredit in the same
	// atomic step.
	AddCredits(ctx context.Context, deviceID string, amount, orderRef int64) (*Row, error)
}
