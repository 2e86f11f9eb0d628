//go:build integration

package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/replikanto/internal/testutil"
)

func TestPostgresListStore(t *testing.T) {
	db, _, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresListStore(db)
	ctx := context.Background()

	l := NewList("@LST-ALPHA", "Alpha")
	l.Owners.Add(ownerDev)
	require.NoError(t, store.Save(ctx, l))

	changed, err := store.AddMember(ctx, "@LST-ALPHA", RoleFollower, followerDev)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.AddMember(ctx, "@LST-ALPHA", RoleFollower, followerDev)
	require.NoError(t, err)
	assert.False(t, changed, "idempotent")

	_, err = store.AddMember(ctx, "@LST-NONE", RoleFollower, followerDev)
	assert.ErrorIs(t, err, ErrListNotFound)

	ref := EndpointRef{Handle: "h1", Region: "eu"}
	require.NoError(t, store.AddEndpoint(ctx, "@LST-ALPHA", ref))

	lists, err := store.WithMember(ctx, RoleFollower, followerDev)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.True(t, lists[0].Endpoints.Contains(ref))

	require.NoError(t, store.RemoveEndpointEverywhere(ctx, ref))
	got, err := store.Get(ctx, "@LST-ALPHA")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Endpoints.Cardinality())

	require.NoError(t, store.SetPositions(ctx, "@LST-ALPHA", []Position{{Instrument: "ES 12-26", Quantity: 2, MarketPosition: "Long"}}))
	got, err = store.Get(ctx, "@LST-ALPHA")
	require.NoError(t, err)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "ES 12-26", got.Positions[0].Instrument)

	assert.ErrorIs(t, store.SetPositions(ctx, "@LST-NONE", nil), ErrListNotFound)
}
