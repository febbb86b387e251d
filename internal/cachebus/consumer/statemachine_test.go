package consumer

import (
	"context"
	"testing"

	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateMachine(t *testing.T) (*StateMachine, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	mem.SetInitialized(true)
	log := testutil.NewTestLogger(t)
	return NewStateMachine(mem, log), mem
}

func TestApplyFullReset(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	mem.DefineGroup(1, "widget", true, true)

	err := sm.Apply(context.Background(), events.CacheEvent{Action: events.CacheFullReset})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.ResetCalls)
}

func TestApplyGroupResetUnknownGroupIsNoop(t *testing.T) {
	sm, mem := newTestStateMachine(t)

	err := sm.Apply(context.Background(), events.CacheEvent{Action: events.CacheGroupReset, GroupID: 99})
	require.NoError(t, err)
	assert.Equal(t, 0, mem.ResetGroupCalls[99])
}

func TestApplyGroupResetKnownGroup(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	mem.DefineGroup(1, "widget", true, true)

	err := sm.Apply(context.Background(), events.CacheEvent{Action: events.CacheGroupReset, GroupID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.ResetGroupCalls[1])
}

func TestApplyObjectResetInsertsWhenAbsent(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	mem.DefineGroup(1, "widget", true, true)

	err := sm.Apply(context.Background(), events.CacheEvent{
		Action:   events.CacheObjectReset,
		GroupID:  1,
		ObjectID: 42,
		ObjectProperties: map[string]any{
			"id":   int64(42),
			"name": "widget-42",
		},
	})
	require.NoError(t, err)

	g, ok := mem.CachingGroupByID(1)
	require.True(t, ok)
	obj, found, err := g.Get(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "widget-42", obj.(map[string]any)["name"])
	assert.Equal(t, 1, mem.NotifyExpiredCalls)
	assert.Equal(t, 1, mem.MethodValueUpdateCalls)
}

func TestApplyObjectResetUpdatesWhenPresent(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	g := mem.DefineGroup(1, "widget", true, true)
	require.NoError(t, g.AddToCache(context.Background(), map[string]any{"id": int64(42), "name": "stale"}))

	err := sm.Apply(context.Background(), events.CacheEvent{
		Action:           events.CacheObjectReset,
		GroupID:          1,
		ObjectID:         42,
		ObjectProperties: map[string]any{"name": "fresh"},
	})
	require.NoError(t, err)

	obj, found, err := g.Get(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fresh", obj.(map[string]any)["name"])
}

func TestApplyObjectResetNonCachingGroupIsNoop(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	mem.DefineGroup(2, "ledger-entry", true, false)

	err := sm.Apply(context.Background(), events.CacheEvent{
		Action:   events.CacheObjectReset,
		GroupID:  2,
		ObjectID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, mem.NotifyExpiredCalls)
}

func TestApplyObjectRemove(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	g := mem.DefineGroup(1, "widget", true, true)
	require.NoError(t, g.AddToCache(context.Background(), map[string]any{"id": int64(7)}))

	err := sm.Apply(context.Background(), events.CacheEvent{
		Action:   events.CacheObjectRemove,
		GroupID:  1,
		ObjectID: 7,
	})
	require.NoError(t, err)

	_, found, err := g.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, mem.MethodValueDeleteCalls)
}

func TestApplyRelationUnknownIsNoop(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	err := sm.Apply(context.Background(), events.RelationEvent{Action: events.RelationAdd, RelationID: 99})
	require.NoError(t, err)
}

func TestApplyRelationAddAndReplaceAndReset(t *testing.T) {
	sm, mem := newTestStateMachine(t)
	reloaded := []store.Pair{{LeftID: 9, RightID: 10}}
	mem.DefineRelation(1, func(ctx context.Context) ([]store.Pair, error) {
		return reloaded, nil
	})

	require.NoError(t, sm.Apply(context.Background(), events.RelationEvent{Action: events.RelationAdd, RelationID: 1, LeftID: 1, RightID: 2}))
	require.NoError(t, sm.Apply(context.Background(), events.RelationEvent{
		Action:     events.RelationReplaceAll,
		RelationID: 1,
		Relation:   []events.Pair{{LeftID: 3, RightID: 4}, {LeftID: 5, RightID: 6}},
	}))

	rel, ok := mem.RelationByID(1)
	require.True(t, ok)
	memRel := rel.(interface{ Pairs() []store.Pair })
	assert.Equal(t, []store.Pair{{LeftID: 3, RightID: 4}, {LeftID: 5, RightID: 6}}, memRel.Pairs())

	require.NoError(t, sm.Apply(context.Background(), events.RelationEvent{Action: events.RelationReset, RelationID: 1}))
	assert.Equal(t, reloaded, memRel.Pairs())
}

