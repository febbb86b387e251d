package store_test

import (
	"context"
	"testing"

	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreGroupLifecycle(t *testing.T) {
	s := store.NewMemStore()
	s.DefineGroup(7, "widget", true, true)

	g, ok := s.CachingGroupByID(7)
	require.True(t, ok)

	entity, err := g.NewObjectFromMap(map[string]any{"id": int64(42), "name": "a"})
	require.NoError(t, err)
	require.NoError(t, g.AddToCache(context.Background(), entity))

	got, ok, err := g.Get(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.(map[string]any)["name"])

	require.NoError(t, g.RemoveFromCache(context.Background(), 42))
	_, ok, err = g.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStoreNonCachingGroupRejected(t *testing.T) {
	s := store.NewMemStore()
	s.DefineGroup(9, "report", false, false)

	_, ok := s.CachingGroupByID(9)
	assert.False(t, ok)

	g, ok := s.GroupByID(9)
	require.True(t, ok)
	assert.False(t, g.Distribute())
}

func TestMemStoreRelationMutations(t *testing.T) {
	s := store.NewMemStore()
	rel := s.DefineRelation(3, nil)

	ctx := context.Background()
	require.NoError(t, rel.AddAll(ctx, []store.Pair{{LeftID: 1, RightID: 2}, {LeftID: 1, RightID: 3}}, store.RemoteApplyMode))

	size, err := rel.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	require.NoError(t, rel.RemoveLeftValue(ctx, 1, store.RemoteApplyMode))
	size, err = rel.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestMemStoreRelationResetReloadsFromAuthority(t *testing.T) {
	s := store.NewMemStore()
	reloadCalls := 0
	rel := s.DefineRelation(3, func(ctx context.Context) ([]store.Pair, error) {
		reloadCalls++
		return []store.Pair{{LeftID: 5, RightID: 6}}, nil
	})

	ctx := context.Background()
	require.NoError(t, rel.Reset(ctx, store.RemoteApplyMode))
	size, err := rel.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	assert.Equal(t, 1, reloadCalls)
}

func TestMemStoreResetClearsEveryGroup(t *testing.T) {
	s := store.NewMemStore()
	g1 := s.DefineGroup(1, "a", true, true)
	g2 := s.DefineGroup(2, "b", true, true)

	ctx := context.Background()
	entity, _ := g1.NewObjectFromMap(map[string]any{"id": int64(1)})
	require.NoError(t, g1.AddToCache(ctx, entity))
	entity2, _ := g2.NewObjectFromMap(map[string]any{"id": int64(2)})
	require.NoError(t, g2.AddToCache(ctx, entity2))

	require.NoError(t, s.Reset(ctx, store.RemoteApplyMode))

	_, ok, _ := g1.Get(ctx, 1)
	assert.False(t, ok)
	_, ok, _ = g2.Get(ctx, 2)
	assert.False(t, ok)
	assert.Equal(t, 1, s.ResetCalls)
}
