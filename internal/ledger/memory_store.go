package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
	now  func() time.Time

	// failpoint, when set, runs inside Replace after the new row is staged
	// and before the old row is deleted. A non-nil error aborts the
	// transaction.
	failpoint func(op string) error
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Row),
		now:  time.Now,
	}
}

// SetFailpoint installs a hook used to inject failures mid-transaction.
func (m *MemoryStore) SetFailpoint(fn func(op string) error) {
	m.mu.Lock()
	m.failpoint = fn
	m.mu.Unlock()
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[deviceID]
	if !ok {
		return nil, ErrRowNotFound
	}
	return row.Clone(), nil
}

func (m *MemoryStore) FindByRoot(_ context.Context, unsignedRoot string) ([]*Row, error) {
	return m.find(func(r *Row) bool { return r.UnsignedRoot == unsignedRoot }), nil
}

func (m *MemoryStore) FindBySubscriber(_ context.Context, subscriberID string) ([]*Row, error) {
	return m.find(func(r *Row) bool { return r.SubscriberID == subscriberID }), nil
}

func (m *MemoryStore) find(match func(*Row) bool) []*Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Row
	for _, r := range m.rows {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (m *MemoryStore) Insert(_ context.Context, row *Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[row.DeviceID]; ok {
		return ErrRowExists
	}
	m.rows[row.DeviceID] = row.Clone()
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, oldDeviceID, newDeviceID string, build ReplaceFunc) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rows[oldDeviceID]
	if !ok {
		return nil, ErrRowNotFound
	}
	var current *Row
	if cur, ok := m.rows[newDeviceID]; ok && newDeviceID != oldDeviceID {
		current = cur.Clone()
	}
	next, err := build(old.Clone(), current)
	if err != nil {
		return nil, err
	}

	// Stage both writes and only apply them once the failpoint passes.
	staged := next.Clone()
	staged.DeviceID = newDeviceID
	if m.failpoint != nil {
		if err := m.failpoint("replace"); err != nil {
			return nil, err
		}
	}
	if oldDeviceID != newDeviceID {
		delete(m.rows, oldDeviceID)
	}
	m.rows[newDeviceID] = staged
	return staged.Clone(), nil
}

func (m *MemoryStore) ConditionalDebit(_ context.Context, deviceID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[deviceID]
	if !ok {
		return 0, ErrRowNotFound
	}
	if row.Credits < amount {
		return row.Credits, ErrConditionFailed
	}
	row.Credits -= amount
	row.LastUpdate = m.now()
	return row.Credits, nil
}

func (m *MemoryStore) ConditionalFloor(_ context.Context, deviceID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[deviceID]
	if !ok {
		return ErrRowNotFound
	}
	if row.Credits >= amount {
		return ErrConditionFailed
	}
	row.Credits = 0
	row.LastUpdate = m.now()
	return nil
}

func (m *MemoryStore) AddCredits(_ context.Context, deviceID string, amount, orderRef int64) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[deviceID]
	if !ok {
		return nil, ErrRowNotFound
	}
	if orderRef != 0 && row.LastOrderRef == orderRef {
		return nil, ErrDuplicateCredit
	}
	row.Credits += amount
	if orderRef != 0 {
		row.LastOrderRef = orderRef
	}
	row.LastUpdate = m.now()
	return row.Clone(), nil
}
