// Package ledger holds the prepaid credit balance of each subscriber
// identity.
//
// Debits follow a floor policy: a debit that cannot be covered settles the
// balance at zero instead of failing the request. Credits are idempotent on
// the external order reference.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/storage"
)

// floorAttempts bounds the debit/floor rounds of one Debit call and the
// lookups of one Credit call.
const floorAttempts = 3

// DebitResult reports a debit. Budget is how many units the caller may
// still spend in this request; it counts down per recipient.
type DebitResult struct {
	Credits int64
	Budget  int64
	Changed bool
	// Floored is set when the balance could not cover the amount and was
	// forced to zero.
	Floored bool
}

// BalanceNotifier is told about every balance change. It is best-effort.
type BalanceNotifier interface {
	BalanceChanged(ctx context.Context, row *Row)
}

// Ledger manages subscriber balances
type Ledger struct {
	store    Store
	bounds   storage.Bounds
	notifier BalanceNotifier
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBounds bounds every store call.
func WithBounds(b storage.Bounds) Option {
	return func(l *Ledger) { l.bounds = b }
}

// WithLogger sets the logger used for notifier failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a new ledger
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		bounds: storage.NewBounds(0, 1, 0),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetNotifier installs the balance notifier. The relay layer is built after
// the ledger, so this is a setter rather than an option.
func (l *Ledger) SetNotifier(n BalanceNotifier) {
	l.notifier = n
}

// Store exposes the underlying store to the identity resolver.
func (l *Ledger) Store() Store { return l.store }

// Bounds exposes the store call bounds.
func (l *Ledger) Bounds() storage.Bounds { return l.bounds }

// Get returns the row for deviceID.
func (l *Ledger) Get(ctx context.Context, deviceID string) (*Row, error) {
	var row *Row
	err := l.bounds.Do(ctx, "ledger.get", func(ctx context.Context) error {
		var err error
		row, err = l.store.Get(ctx, deviceID)
		return err
	})
	return row, err
}

// Debit charges amount to the row keyed by deviceID. An amount of zero or
// less charges nothing and reports the current balance.
func (l *Ledger) Debit(ctx context.Context, deviceID string, amount int64) (DebitResult, error) {
	done := observeOp("debit")
	defer done()

	if amount <= 0 {
		row, err := l.Get(ctx, deviceID)
		if err != nil {
			return DebitResult{}, err
		}
		return DebitResult{Credits: row.Credits, Budget: row.Credits}, nil
	}

	// A credit can land between a failed debit and the floor; the floor
	// then refuses and the debit is tried again against the new balance.
	for attempt := 0; attempt < floorAttempts; attempt++ {
		var credits int64
		err := l.bounds.Do(ctx, "ledger.debit", func(ctx context.Context) error {
			var err error
			credits, err = l.store.ConditionalDebit(ctx, deviceID, amount)
			return err
		})
		if err == nil {
			creditsMoved.WithLabelValues("debit").Add(float64(amount))
			l.notify(ctx, deviceID)
			return DebitResult{Credits: credits, Budget: credits + amount, Changed: true}, nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return DebitResult{}, err
		}

		err = l.bounds.Do(ctx, "ledger.floor", func(ctx context.Context) error {
			return l.store.ConditionalFloor(ctx, deviceID, amount)
		})
		if err == nil {
			LedgerFloorsTotal.Inc()
			l.notify(ctx, deviceID)
			return DebitResult{Credits: 0, Budget: 0, Changed: true, Floored: true}, nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return DebitResult{}, err
		}
	}
	return DebitResult{}, fmt.Errorf("debit %s: balance kept changing: %w", deviceID, ErrConditionFailed)
}

// Credit adds amount to the single row owned by subscriberID. A non-zero
// orderRef equal to the last applied one is rejected with ErrDuplicateCredit.
func (l *Ledger) Credit(ctx context.Context, subscriberID string, amount, orderRef int64) (*Row, error) {
	done := observeOp("credit")
	defer done()

	if amount < 1 {
		return nil, ErrInvalidAmount
	}

	var row *Row
	// A merge may re-key the row between the lookup and the write; the
	// identity is then found again under its new device id.
	for attempt := 0; ; attempt++ {
		var rows []*Row
		err := l.bounds.Do(ctx, "ledger.find_subscriber", func(ctx context.Context) error {
			var err error
			rows, err = l.store.FindBySubscriber(ctx, subscriberID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(rows) != 1 {
			return nil, ErrRowNotFound
		}

		err = l.bounds.Do(ctx, "ledger.credit", func(ctx context.Context) error {
			var err error
			row, err = l.store.AddCredits(ctx, rows[0].DeviceID, amount, orderRef)
			return err
		})
		if errors.Is(err, ErrRowNotFound) && attempt+1 < floorAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	creditsMoved.WithLabelValues("credit").Add(float64(amount))
	if l.notifier != nil {
		l.notifier.BalanceChanged(ctx, row)
	}
	return row, nil
}

func (l *Ledger) notify(ctx context.Context, deviceID string) {
	if l.notifier == nil {
		return
	}
	row, err := l.Get(ctx, deviceID)
	if err != nil {
		l.logger.Warn("balance notification skipped", "device_id", deviceID, "error", err)
		return
	}
	l.notifier.BalanceChanged(ctx, row)
}
