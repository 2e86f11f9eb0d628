package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransitions struct {
	mu     sync.Mutex
	opened map[string]EndpointRef
	next   map[string]EndpointRef
	lost   map[string][][]byte
}

func newFakeTransitions() *fakeTransitions {
	return &fakeTransitions{
		opened: make(map[string]EndpointRef),
		next:   make(map[string]EndpointRef),
		lost:   make(map[string][][]byte),
	}
}

func (f *fakeTransitions) Open(_ context.Context, sub, _ string, old EndpointRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[sub] = old
	return nil
}

func (f *fakeTransitions) Complete(_ context.Context, sub string, next EndpointRef) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.opened[sub]; !ok {
		return nil, nil
	}
	f.next[sub] = next
	lost := f.lost[sub]
	delete(f.lost, sub)
	return lost, nil
}

type recordingReplayer struct {
	calls []EndpointRef
	sent  [][]byte
}

func (r *recordingReplayer) Replay(_ context.Context, ref EndpointRef, payloads [][]byte) error {
	r.calls = append(r.calls, ref)
	r.sent = append(r.sent, payloads...)
	return nil
}

func TestMaintainer_ConnectDisconnect(t *testing.T) {
	d, conns, lists := newTestDirectory(t)
	ctx := context.Background()
	_, err := lists.AddMember(ctx, "@LST-ALPHA", RoleFollower, followerDev)
	require.NoError(t, err)

	tr := newFakeTransitions()
	replayer := &recordingReplayer{}
	m := NewMaintainer(d, tr, nil)
	m.SetReplayer(replayer)

	e1 := Endpoint{Handle: "e1", Region: "eu", DeviceID: followerDev, SubscriberID: "@REP-XXXA-0001", CreatedAt: time.Now()}
	require.NoError(t, m.Apply(ctx, Event{Kind: Connect, Endpoint: e1}))

	l, _ := lists.Get(ctx, "@LST-ALPHA")
	assert.True(t, l.Endpoints.Contains(e1.Ref()))
	assert.Empty(t, replayer.calls, "no transition open, nothing to replay")

	// Disconnect carries only the handle; identity comes from the store.
	require.NoError(t, m.Apply(ctx, Event{Kind: Disconnect, Endpoint: Endpoint{Handle: "e1"}}))

	_, err = conns.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	l, _ = lists.Get(ctx, "@LST-ALPHA")
	assert.False(t, l.Endpoints.Contains(e1.Ref()), "removed endpoint leaves every list")
	assert.Equal(t, e1.Ref(), tr.opened["@REP-XXXA-0001"])

	tr.lost["@REP-XXXA-0001"] = [][]byte{[]byte(`{"action":"trade"}`)}

	e2 := e1
	e2.Handle = "e2"
	require.NoError(t, m.Apply(ctx, Event{Kind: Connect, Endpoint: e2}))

	assert.Equal(t, e2.Ref(), tr.next["@REP-XXXA-0001"])
	require.Len(t, replayer.calls, 1)
	assert.Equal(t, e2.Ref(), replayer.calls[0])
	assert.Equal(t, [][]byte{[]byte(`{"action":"trade"}`)}, replayer.sent)
}

func TestMaintainer_RunInOrder(t *testing.T) {
	d, conns, _ := newTestDirectory(t)
	m := NewMaintainer(d, newFakeTransitions(), nil)

	events := make(chan Event, 3)
	ep := Endpoint{Handle: "e1", DeviceID: followerDev, SubscriberID: "@REP-XXXA-0001"}
	events <- Event{Kind: Connect, Endpoint: ep}
	events <- Event{Kind: Disconnect, Endpoint: ep}
	events <- Event{Kind: Connect, Endpoint: ep}
	close(events)

	m.Run(context.Background(), events)

	_, err := conns.Get(context.Background(), "e1")
	assert.NoError(t, err, "last event wins")
}
