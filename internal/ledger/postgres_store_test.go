//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/replikanto/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, _, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresStore_InsertAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	seed(t, store, testDevice, "@REP-AAAA-AAAA", 10)
	assert.ErrorIs(t, store.Insert(context.Background(), &Row{DeviceID: testDevice}), ErrRowExists)

	row, err := store.Get(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Equal(t, "@REP-AAAA-AAAA", row.SubscriberID)
	assert.Equal(t, int64(10), row.Credits)
	assert.Empty(t, row.Backups)
}

func TestPostgresStore_DebitFloorAndCredit(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seed(t, store, testDevice, "@REP-AAAA-AAAA", 5)

	credits, err := store.ConditionalDebit(ctx, testDevice, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), credits)

	_, err = store.ConditionalDebit(ctx, testDevice, 3)
	assert.ErrorIs(t, err, ErrConditionFailed)

	_, err = store.ConditionalDebit(ctx, "ffffffffffffffffffffffffffffffff", 1)
	assert.ErrorIs(t, err, ErrRowNotFound)

	row, err := store.AddCredits(ctx, testDevice, 50, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(52), row.Credits)

	_, err = store.AddCredits(ctx, testDevice, 50, 7)
	assert.ErrorIs(t, err, ErrDuplicateCredit)
}

func TestPostgresStore_ConcurrentDebits(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	seed(t, store, testDevice, "@REP-AAAA-AAAA", 20)

	l := New(store)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(context.Background(), testDevice, 1)
		}()
	}
	wg.Wait()

	row, err := store.Get(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.Credits)
}

func TestPostgresStore_Replace(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seed(t, store, testDevice, "@REP-AAAA-AAAA", 10)
	desk := testDevice + "-Desk"
	_, err := store.AddCredits(ctx, testDevice, 50, 7)
	require.NoError(t, err)

	got, err := store.Replace(ctx, testDevice, desk, moveTo)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Credits, "built from the locked row")

	_, err = store.Get(ctx, testDevice)
	assert.ErrorIs(t, err, ErrRowNotFound)

	got, err = store.Get(ctx, desk)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Credits)
	require.Len(t, got.Backups, 1)
	assert.Equal(t, testDevice, got.Backups[0].DeviceID)

	_, err = store.Replace(ctx, testDevice, desk, moveTo)
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestPostgresStore_ConditionalFloor(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seed(t, store, testDevice, "@REP-AAAA-AAAA", 2)
	assert.ErrorIs(t, store.ConditionalFloor(ctx, testDevice, 2), ErrConditionFailed)
	require.NoError(t, store.ConditionalFloor(ctx, testDevice, 5))

	row, err := store.Get(ctx, testDevice)
	require.NoError(t, err)
	assert.Zero(t, row.Credits)
	assert.ErrorIs(t, store.ConditionalFloor(ctx, "MISSING", 5), ErrRowNotFound)
}
