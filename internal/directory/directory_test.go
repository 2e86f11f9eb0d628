package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/retry"
	"github.com/mbd888/replikanto/internal/storage"
)

const (
	ownerDev    = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-Owner"
	followerDev = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-Desk"
	strangerDev = "cccccccccccccccccccccccccccccccc-Other"
)

func newTestDirectory(t *testing.T) (*Directory, *MemoryConnectionStore, *MemoryListStore) {
	t.Helper()
	conns := NewMemoryConnectionStore()
	lists := NewMemoryListStore()
	l := NewList("@LST-ALPHA", "Alpha")
	l.Owners.Add(ownerDev)
	require.NoError(t, lists.Save(context.Background(), l))
	return New(conns, lists, NewDirectoryCache(time.Minute, nil)), conns, lists
}

func TestLink_ByFollowerItself(t *testing.T) {
	d, conns, lists := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, conns.Put(ctx, Endpoint{Handle: "h1", Region: "eu", DeviceID: followerDev, SubscriberID: "@REP-BBBB-BBBB"}))

	require.NoError(t, d.Link(ctx, LinkRequest{Caller: followerDev, ListID: "@LST-ALPHA", DeviceID: followerDev}))

	l, err := lists.Get(ctx, "@LST-ALPHA")
	require.NoError(t, err)
	assert.True(t, l.Followers.Contains(followerDev))
	assert.True(t, l.Endpoints.Contains(EndpointRef{Handle: "h1", Region: "eu"}), "live endpoint materialized")

	followers, err := d.Followers(ctx, "@LST-ALPHA")
	require.NoError(t, err)
	assert.Equal(t, []string{followerDev}, followers)
}

func TestLink_ByOwner(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	err := d.Link(context.Background(), LinkRequest{Caller: ownerDev, ListID: "@LST-ALPHA", DeviceID: followerDev})
	assert.NoError(t, err)
}

func TestLink_OwnershipViolation(t *testing.T) {
	d, _, lists := newTestDirectory(t)
	err := d.Link(context.Background(), LinkRequest{Caller: strangerDev, ListID: "@LST-ALPHA", DeviceID: followerDev})
	assert.ErrorIs(t, err, ErrListOwnership)

	l, _ := lists.Get(context.Background(), "@LST-ALPHA")
	assert.Equal(t, 0, l.Followers.Cardinality())
}

func TestLink_EmptyCallerRejected(t *testing.T) {
	d, _, lists := newTestDirectory(t)
	err := d.Link(context.Background(), LinkRequest{ListID: "@LST-ALPHA", DeviceID: followerDev})
	assert.ErrorIs(t, err, ErrListOwnership)

	l, _ := lists.Get(context.Background(), "@LST-ALPHA")
	assert.Equal(t, 0, l.Followers.Cardinality())
}

// flakyEndpoints fails the first AddEndpoint with a transient error.
type flakyEndpoints struct {
	*MemoryListStore
	failures int
}

func (f *flakyEndpoints) AddEndpoint(ctx context.Context, listID string, ref EndpointRef) error {
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	return f.MemoryListStore.AddEndpoint(ctx, listID, ref)
}

func TestLink_EndpointSyncRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	conns := NewMemoryConnectionStore()
	mem := NewMemoryListStore()
	l := NewList("@LST-ALPHA", "Alpha")
	l.Owners.Add(ownerDev)
	require.NoError(t, mem.Save(ctx, l))
	require.NoError(t, conns.Put(ctx, Endpoint{Handle: "h1", Region: "eu", DeviceID: followerDev, SubscriberID: "@REP-BBBB-0001"}))

	bounds := storage.Bounds{
		Timeout: 50 * time.Millisecond,
		Policy:  retry.Policy{MaxAttempts: 2, Delay: retry.Linear(time.Millisecond), Clock: retry.NewInstantClock(time.Now())},
	}
	d := New(conns, &flakyEndpoints{MemoryListStore: mem, failures: 1}, nil, WithBounds(bounds))
	require.NoError(t, d.Link(ctx, LinkRequest{Caller: followerDev, ListID: "@LST-ALPHA", DeviceID: followerDev}))

	got, err := mem.Get(ctx, "@LST-ALPHA")
	require.NoError(t, err)
	assert.True(t, got.Endpoints.Contains(EndpointRef{Handle: "h1", Region: "eu"}))
}

func TestLink_RequiresSignedFollower(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	err := d.Link(context.Background(), LinkRequest{Caller: ownerDev, ListID: "@LST-ALPHA", DeviceID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	assert.ErrorIs(t, err, deviceid.ErrUnsigned)
}

func TestLink_UnknownList(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	err := d.Link(context.Background(), LinkRequest{Caller: followerDev, ListID: "@LST-NONE", DeviceID: followerDev})
	assert.ErrorIs(t, err, ErrListNotFound)
}

func TestUnlink_InvalidatesCache(t *testing.T) {
	d, conns, lists := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, conns.Put(ctx, Endpoint{Handle: "h1", Region: "eu", DeviceID: followerDev}))
	require.NoError(t, d.Link(ctx, LinkRequest{Caller: followerDev, ListID: "@LST-ALPHA", DeviceID: followerDev}))

	ids, err := d.FollowedLists(ctx, followerDev)
	require.NoError(t, err)
	assert.Equal(t, []string{"@LST-ALPHA"}, ids)

	require.NoError(t, d.Unlink(ctx, LinkRequest{Caller: followerDev, ListID: "@LST-ALPHA", DeviceID: followerDev}))

	ids, err = d.FollowedLists(ctx, followerDev)
	require.NoError(t, err)
	assert.Empty(t, ids)

	l, _ := lists.Get(ctx, "@LST-ALPHA")
	assert.Equal(t, 0, l.Endpoints.Cardinality())
}

func TestFollowers_MissingList(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	followers, err := d.Followers(context.Background(), "@LST-NONE")
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestParseRef(t *testing.T) {
	ref := EndpointRef{Handle: "3f1c", Region: "us-east-1"}
	assert.Equal(t, ref, ParseRef(ref.String()))
	assert.Equal(t, EndpointRef{Handle: "bare"}, ParseRef("bare"))
}
