package transition

import (
	"context"
	"sync"

	"github.com/mbd888/replikanto/internal/directory"
)

// MemoryLog keeps transitions in process memory.
type MemoryLog struct {
	mu    sync.Mutex
	opts  Options
	bySub map[string]*Record
	byOld map[string]string // old handle -> subscriber
}

// NewMemoryLog creates an empty log.
func NewMemoryLog(opts Options) *MemoryLog {
	return &MemoryLog{
		opts:  opts.withDefaults(),
		bySub: make(map[string]*Record),
		byOld: make(map[string]string),
	}
}

func (m *MemoryLog) Open(_ context.Context, subscriberID, deviceID string, old directory.EndpointRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now()
	m.sweep()

	rec := &Record{SubscriberID: subscriberID, DeviceID: deviceID, Old: old, OpenedAt: now}
	if prev, ok := m.bySub[subscriberID]; ok && prev.IsOpen() {
		rec.Lost = prev.Lost
	}
	m.bySub[subscriberID] = rec
	m.byOld[old.Handle] = subscriberID
	return nil
}

func (m *MemoryLog) Complete(_ context.Context, subscriberID string, next directory.EndpointRef) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now()
	rec, ok := m.bySub[subscriberID]
	if !ok || !rec.IsOpen() || !m.opts.live(*rec, now) {
		return nil, nil
	}
	rec.New = next
	rec.CompletedAt = now
	lost := rec.Lost
	rec.Lost = nil
	return lost, nil
}

func (m *MemoryLog) Lookup(_ context.Context, oldHandle string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byOld[oldHandle]
	if !ok {
		return Record{}, false, nil
	}
	rec, ok := m.bySub[sub]
	if !ok || rec.Old.Handle != oldHandle || !m.opts.inWindow(*rec, m.opts.Clock.Now()) {
		return Record{}, false, nil
	}
	out := *rec
	out.Lost = append([][]byte(nil), rec.Lost...)
	return out, true, nil
}

func (m *MemoryLog) AppendLost(_ context.Context, subscriberID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.bySub[subscriberID]
	if !ok || !rec.IsOpen() || !m.opts.live(*rec, m.opts.Clock.Now()) {
		return ErrNotOpen
	}
	rec.Lost = append(rec.Lost, append([]byte(nil), payload...))
	return nil
}

// Len returns the number of records, expired ones included.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySub)
}

// sweep drops expired records. Callers hold mu.
func (m *MemoryLog) sweep() {
	now := m.opts.Clock.Now()
	for sub, rec := range m.bySub {
		if !m.opts.live(*rec, now) {
			delete(m.bySub, sub)
		}
	}
	for h, sub := range m.byOld {
		if rec, ok := m.bySub[sub]; !ok || rec.Old.Handle != h {
			delete(m.byOld, h)
		}
	}
}
