package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/ledger"
	"github.com/mbd888/replikanto/internal/retry"
	"github.com/mbd888/replikanto/internal/storage"
)

const (
	root     = "0123456789abcdef0123456789abcdef"
	signed   = root + "-Desk"
	otherDev = "fedcba9876543210fedcba9876543210-Laptop"
)

type fixture struct {
	r     *Resolver
	store *ledger.MemoryStore
	conns *directory.MemoryConnectionStore
	lists *directory.MemoryListStore
}

func sequence(tokens ...string) func() string {
	var n atomic.Int64
	return func() string {
		i := int(n.Add(1)) - 1
		if i < len(tokens) {
			return tokens[i]
		}
		return fmt.Sprintf("@REP-SEQ0-%04d", i)
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	conns := directory.NewMemoryConnectionStore()
	lists := directory.NewMemoryListStore()
	dir := directory.New(conns, lists, nil)
	base := []Option{
		WithInitialCredits(100),
		WithClock(retry.NewInstantClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))),
		WithTokenGenerator(sequence()),
	}
	return &fixture{
		r:     New(ledger.New(store), dir, append(base, opts...)...),
		store: store,
		conns: conns,
		lists: lists,
	}
}

func (f *fixture) seed(t *testing.T, device, sub string, credits int64) {
	t.Helper()
	id, err := deviceid.Parse(device)
	require.NoError(t, err)
	require.NoError(t, f.store.Insert(context.Background(), ledger.NewRow(id, sub, credits, time.Now())))
}

func TestResolve_MintsOnceAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.r.Resolve(ctx, ResolveRequest{DeviceID: signed})
	require.NoError(t, err)
	assert.True(t, first.Minted)
	assert.Equal(t, int64(100), first.Credits)

	second, err := f.r.Resolve(ctx, ResolveRequest{DeviceID: signed})
	require.NoError(t, err)
	assert.False(t, second.Minted)
	assert.Equal(t, first.SubscriberID, second.SubscriberID)
}

func TestResolve_Malformed(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Resolve(context.Background(), ResolveRequest{DeviceID: "nope"})
	assert.ErrorIs(t, err, deviceid.ErrMalformed)
}

func TestResolve_ConcurrentFirstContactConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 16
	subs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.r.Resolve(ctx, ResolveRequest{DeviceID: signed})
			if assert.NoError(t, err) {
				subs[i] = res.SubscriberID
			}
		}(i)
	}
	wg.Wait()

	for _, s := range subs {
		assert.Equal(t, subs[0], s)
	}
	rows, err := f.store.FindByRoot(ctx, root)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestResolve_SkipsReservedAndTakenTokens(t *testing.T) {
	f := newFixture(t, WithTokenGenerator(sequence(InvalidNode, EchoNode, "@REP-TAKE-0001", "@REP-FREE-0002")))
	f.seed(t, otherDev, "@REP-TAKE-0001", 5)

	res, err := f.r.Resolve(context.Background(), ResolveRequest{DeviceID: signed})
	require.NoError(t, err)
	assert.Equal(t, "@REP-FREE-0002", res.SubscriberID)
}

func TestResolve_GivesUpAfterFiveCollisions(t *testing.T) {
	f := newFixture(t, WithTokenGenerator(func() string { return "@REP-TAKE-0001" }))
	f.seed(t, otherDev, "@REP-TAKE-0001", 5)

	_, err := f.r.Resolve(context.Background(), ResolveRequest{DeviceID: signed})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestResolve_UpgradesUnsignedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, root, "@REP-OLD0-0001", 42)

	res, err := f.r.Resolve(ctx, ResolveRequest{DeviceID: signed})
	require.NoError(t, err)
	assert.True(t, res.Upgraded)
	assert.Equal(t, "@REP-OLD0-0001", res.SubscriberID)
	assert.Equal(t, int64(42), res.Credits)

	_, err = f.store.Get(ctx, root)
	assert.ErrorIs(t, err, ledger.ErrRowNotFound)
	row, err := f.store.Get(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, int64(42), row.Credits)
}

func TestResolve_UnsignedClaimedBySignedIsAmbiguous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, signed, "@REP-SIGN-0001", 7)

	res, err := f.r.Resolve(ctx, ResolveRequest{DeviceID: root})
	require.NoError(t, err)
	assert.True(t, res.Ambiguous)
	assert.Equal(t, ContactSupport, res.SubscriberID)
	assert.Zero(t, res.Credits)

	rows, err := f.store.FindByRoot(ctx, root)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "nothing minted")
}

func TestResolve_PreviousDevicePropagatesMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := directory.NewList("@LST-ONE", "One")
	l.Followers.Add(otherDev)
	require.NoError(t, f.lists.Save(ctx, l))

	res, err := f.r.Resolve(ctx, ResolveRequest{DeviceID: signed, PreviousDeviceID: otherDev})
	require.NoError(t, err)
	require.True(t, res.Minted)

	got, err := f.lists.Get(ctx, "@LST-ONE")
	require.NoError(t, err)
	assert.True(t, got.Followers.Contains(signed))
	assert.True(t, got.Followers.Contains(otherDev), "old id kept on first contact")
}

func TestMerge_ToFreshDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, otherDev, "@REP-KEEP-0001", 30)

	res, err := f.r.Merge(ctx, otherDev, signed)
	require.NoError(t, err)
	assert.Equal(t, "@REP-KEEP-0001", res.SubscriberID)
	assert.Equal(t, int64(30), res.Credits)
	assert.Equal(t, "Changing to a new Machine ID was successful. Replikanto ID @REP-KEEP-0001 was kept", res.Msg)

	_, err = f.store.Get(ctx, otherDev)
	assert.ErrorIs(t, err, ledger.ErrRowNotFound)
	row, err := f.store.Get(ctx, signed)
	require.NoError(t, err)
	require.Len(t, row.Backups, 1)
	assert.Equal(t, otherDev, row.Backups[0].DeviceID)
}

func TestMerge_KeepsOldIdentityAndRepointsConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, otherDev, "@REP-KEEP-0001", 30)
	f.seed(t, signed, "@REP-NEW0-0002", 100)
	require.NoError(t, f.conns.Put(ctx, directory.Endpoint{Handle: "h1", DeviceID: signed, SubscriberID: "@REP-NEW0-0002"}))

	res, err := f.r.Merge(ctx, otherDev, signed)
	require.NoError(t, err)
	assert.Equal(t, "@REP-KEEP-0001", res.SubscriberID)
	assert.Equal(t, int64(30), res.Credits)
	assert.Contains(t, res.Msg, "@REP-NEW0-0002")
	require.Len(t, res.Repointed, 1)
	assert.Equal(t, "@REP-KEEP-0001", res.Repointed[0].SubscriberID)

	row, err := f.store.Get(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "@REP-KEEP-0001", row.SubscriberID)
	require.Len(t, row.Backups, 2)
	assert.Equal(t, "@REP-NEW0-0002", row.Backups[1].SubscriberID)

	eps, err := f.conns.BySubscriber(ctx, "@REP-KEEP-0001")
	require.NoError(t, err)
	assert.Len(t, eps, 1)
}

func TestMerge_FailureLeavesBothRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, otherDev, "@REP-KEEP-0001", 30)
	f.store.SetFailpoint(func(op string) error {
		if op == "replace" {
			return errors.New("disk on fire")
		}
		return nil
	})

	_, err := f.r.Merge(ctx, otherDev, signed)
	require.Error(t, err)

	_, err = f.store.Get(ctx, otherDev)
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, signed)
	assert.ErrorIs(t, err, ledger.ErrRowNotFound)
}

// creditBeforeReplace tops up the old row right before the move, as a
// concurrent credit would.
type creditBeforeReplace struct {
	*ledger.MemoryStore
	calls int
}

func (s *creditBeforeReplace) Replace(ctx context.Context, oldDeviceID, newDeviceID string, build ledger.ReplaceFunc) (*ledger.Row, error) {
	s.calls++
	if _, err := s.MemoryStore.AddCredits(ctx, oldDeviceID, 50, 7); err != nil {
		return nil, err
	}
	return s.MemoryStore.Replace(ctx, oldDeviceID, newDeviceID, build)
}

func TestMerge_KeepsCreditLandingBeforeMove(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	id, err := deviceid.Parse(otherDev)
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, ledger.NewRow(id, "@REP-KEEP-0001", 10, time.Now())))

	store := &creditBeforeReplace{MemoryStore: mem}
	r := New(ledger.New(store), directory.New(directory.NewMemoryConnectionStore(), directory.NewMemoryListStore(), nil))

	res, err := r.Merge(ctx, otherDev, signed)
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Credits)

	row, err := mem.Get(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, int64(60), row.Credits)
	assert.Equal(t, int64(7), row.LastOrderRef)
}

// flakyReplace fails every Replace with a transient error.
type flakyReplace struct {
	*ledger.MemoryStore
	calls int
}

func (s *flakyReplace) Replace(context.Context, string, string, ledger.ReplaceFunc) (*ledger.Row, error) {
	s.calls++
	return nil, context.DeadlineExceeded
}

func TestMerge_ReplaceIsBoundedAndNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	id, err := deviceid.Parse(otherDev)
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, ledger.NewRow(id, "@REP-KEEP-0001", 10, time.Now())))

	bounds := storage.Bounds{
		Timeout: 50 * time.Millisecond,
		Policy:  retry.Policy{MaxAttempts: 3, Delay: retry.Linear(time.Millisecond), Clock: retry.NewInstantClock(time.Now())},
	}
	store := &flakyReplace{MemoryStore: mem}
	r := New(ledger.New(store, ledger.WithBounds(bounds)), directory.New(directory.NewMemoryConnectionStore(), directory.NewMemoryListStore(), nil))

	_, err = r.Merge(ctx, otherDev, signed)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 1, store.calls)
}

// upgradeRace writes the signed row right before the move, as a second
// process finishing the same upgrade first would.
type upgradeRace struct {
	*ledger.MemoryStore
	winner *ledger.Row
}

func (s *upgradeRace) Replace(ctx context.Context, oldDeviceID, newDeviceID string, build ledger.ReplaceFunc) (*ledger.Row, error) {
	if err := s.MemoryStore.Insert(ctx, s.winner); err != nil {
		return nil, err
	}
	return s.MemoryStore.Replace(ctx, oldDeviceID, newDeviceID, build)
}

func TestResolve_UpgradeLosingRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	rootID, err := deviceid.Parse(root)
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, ledger.NewRow(rootID, "@REP-ROOT-0001", 40, time.Now())))
	signedID, err := deviceid.Parse(signed)
	require.NoError(t, err)

	store := &upgradeRace{MemoryStore: mem, winner: ledger.NewRow(signedID, "@REP-WIN0-0001", 40, time.Now())}
	r := New(ledger.New(store), directory.New(directory.NewMemoryConnectionStore(), directory.NewMemoryListStore(), nil))

	res, err := r.Resolve(ctx, ResolveRequest{DeviceID: signed})
	require.NoError(t, err)
	assert.Equal(t, "@REP-WIN0-0001", res.SubscriberID)
	assert.False(t, res.Upgraded)

	_, err = mem.Get(ctx, root)
	assert.NoError(t, err, "unsigned row untouched when the move is refused")
}

func TestMerge_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, otherDev, "@REP-KEEP-0001", 30)

	_, err := f.r.Merge(ctx, otherDev, root)
	assert.ErrorIs(t, err, ErrUnsignedTarget)

	_, err = f.r.Merge(ctx, signed, signed)
	assert.ErrorIs(t, err, ErrIdentical)

	_, err = f.r.Merge(ctx, signed, otherDev)
	assert.ErrorIs(t, err, ledger.ErrRowNotFound)

	_, err = f.r.Merge(ctx, "junk", signed)
	assert.ErrorIs(t, err, deviceid.ErrMalformed)
}

func TestMerge_MovesListMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, otherDev, "@REP-KEEP-0001", 30)
	l := directory.NewList("@LST-ONE", "One")
	l.Followers.Add(otherDev)
	l.Owners.Add(otherDev)
	l.Endpoints.Add(directory.EndpointRef{Handle: "old", Region: "eu"})
	require.NoError(t, f.lists.Save(ctx, l))
	require.NoError(t, f.conns.Put(ctx, directory.Endpoint{Handle: "old", Region: "eu", DeviceID: otherDev}))
	require.NoError(t, f.conns.Put(ctx, directory.Endpoint{Handle: "new", Region: "eu", DeviceID: signed}))

	res, err := f.r.Merge(ctx, otherDev, signed)
	require.NoError(t, err)
	assert.Contains(t, res.Msg, "Added follower "+signed)

	got, err := f.lists.Get(ctx, "@LST-ONE")
	require.NoError(t, err)
	assert.True(t, got.Followers.Contains(signed))
	assert.False(t, got.Followers.Contains(otherDev))
	assert.True(t, got.Owners.Contains(signed))
	assert.False(t, got.Owners.Contains(otherDev))
	assert.True(t, got.Endpoints.Contains(directory.EndpointRef{Handle: "new", Region: "eu"}))
	assert.False(t, got.Endpoints.Contains(directory.EndpointRef{Handle: "old", Region: "eu"}))
}

func TestPropagateToLists_NoMembership(t *testing.T) {
	f := newFixture(t)
	changed, err := f.r.PropagateToLists(context.Background(), otherDev, signed, true)
	require.NoError(t, err)
	assert.False(t, changed)
}
