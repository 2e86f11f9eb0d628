package directory

import (
	"context"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// MemoryConnectionStore keeps endpoints in process memory.
type MemoryConnectionStore struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{endpoints: make(map[string]Endpoint)}
}

func (m *MemoryConnectionStore) Put(_ context.Context, ep Endpoint) error {
	m.mu.Lock()
	m.endpoints[ep.Handle] = ep
	m.mu.Unlock()
	return nil
}

func (m *MemoryConnectionStore) Delete(_ context.Context, handle string) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.endpoints[handle]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	delete(m.endpoints, handle)
	return ep, nil
}

func (m *MemoryConnectionStore) Get(_ context.Context, handle string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[handle]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	return ep, nil
}

func (m *MemoryConnectionStore) BySubscriber(_ context.Context, subscriberID string) ([]Endpoint, error) {
	return m.filter(func(ep Endpoint) bool { return ep.SubscriberID == subscriberID }), nil
}

func (m *MemoryConnectionStore) ByDevice(_ context.Context, deviceID string) ([]Endpoint, error) {
	return m.filter(func(ep Endpoint) bool { return ep.DeviceID == deviceID }), nil
}

func (m *MemoryConnectionStore) Repoint(_ context.Context, deviceID, subscriberID string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Endpoint
	for h, ep := range m.endpoints {
		if ep.DeviceID != deviceID {
			continue
		}
		ep.SubscriberID = subscriberID
		m.endpoints[h] = ep
		out = append(out, ep)
	}
	sortEndpoints(out)
	return out, nil
}

func (m *MemoryConnectionStore) filter(match func(Endpoint) bool) []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Endpoint
	for _, ep := range m.endpoints {
		if match(ep) {
			out = append(out, ep)
		}
	}
	sortEndpoints(out)
	return out
}

// sortEndpoints orders by creation then handle so results are stable.
func sortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if !eps[i].CreatedAt.Equal(eps[j].CreatedAt) {
			return eps[i].CreatedAt.Before(eps[j].CreatedAt)
		}
		return eps[i].Handle < eps[j].Handle
	})
}

// MemoryListStore keeps broadcast lists in process memory.
type MemoryListStore struct {
	mu    sync.RWMutex
	lists map[string]*List
}

func NewMemoryListStore() *MemoryListStore {
	return &MemoryListStore{lists: make(map[string]*List)}
}

func (m *MemoryListStore) Get(_ context.Context, listID string) (*List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lists[listID]
	if !ok {
		return nil, ErrListNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryListStore) Save(_ context.Context, l *List) error {
	m.mu.Lock()
	m.lists[l.ID] = l.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryListStore) WithMember(_ context.Context, role Role, deviceID string) ([]*List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*List
	for _, l := range m.lists {
		if members(l, role).Contains(deviceID) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryListStore) AddMember(_ context.Context, listID string, role Role, deviceID string) (bool, error) {
	return m.mutate(listID, func(l *List) bool { return members(l, role).Add(deviceID) })
}

func (m *MemoryListStore) RemoveMember(_ context.Context, listID string, role Role, deviceID string) (bool, error) {
	return m.mutate(listID, func(l *List) bool {
		set := members(l, role)
		if !set.Contains(deviceID) {
			return false
		}
		set.Remove(deviceID)
		return true
	})
}

func (m *MemoryListStore) AddEndpoint(_ context.Context, listID string, ref EndpointRef) error {
	_, err := m.mutate(listID, func(l *List) bool { return l.Endpoints.Add(ref) })
	return err
}

func (m *MemoryListStore) RemoveEndpoint(_ context.Context, listID string, ref EndpointRef) error {
	_, err := m.mutate(listID, func(l *List) bool {
		l.Endpoints.Remove(ref)
		return true
	})
	return err
}

func (m *MemoryListStore) RemoveEndpointEverywhere(_ context.Context, ref EndpointRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.lists {
		l.Endpoints.Remove(ref)
	}
	return nil
}

func (m *MemoryListStore) SetPositions(_ context.Context, listID string, positions []Position) error {
	_, err := m.mutate(listID, func(l *List) bool {
		l.Positions = append([]Position(nil), positions...)
		return true
	})
	return err
}

func (m *MemoryListStore) mutate(listID string, fn func(*List) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[listID]
	if !ok {
		return false, ErrListNotFound
	}
	return fn(l), nil
}

func members(l *List, role Role) mapset.Set[string] {
	if role == RoleOwner {
		return l.Owners
	}
	return l.Followers
}

func sortedSlice(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// SortedRefs returns the refs of s in a stable order.
func SortedRefs(s mapset.Set[EndpointRef]) []EndpointRef {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
