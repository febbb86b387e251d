package listener_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/listener"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []events.BroadcastMessage
	fail      error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg events.BroadcastMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *recordingPublisher) last() events.BroadcastMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return nil
	}
	return p.published[len(p.published)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newSurface(t *testing.T, limit int) (*listener.Surface, *store.MemStore, *recordingPublisher) {
	t.Helper()
	mem := store.NewMemStore()
	pub := &recordingPublisher{}
	log := testutil.NewTestLogger(t)
	s := listener.New(mem, pub, listener.MaximumRelationSize(limit), log, nil)
	return s, mem, pub
}

func TestCacheFullResetDoesNotPublish(t *testing.T) {
	s, _, pub := newSurface(t, 10)
	s.CacheFullReset(context.Background())
	assert.Equal(t, 0, pub.count())
}

func TestCacheTypeResetSkipsNonDistributed(t *testing.T) {
	s, mem, pub := newSurface(t, 10)
	mem.DefineGroup(9, "ledger", false, false)

	require.NoError(t, s.CacheTypeReset(context.Background(), "ledger"))
	assert.Equal(t, 0, pub.count())
}

func TestCacheTypeResetPublishesGroupReset(t *testing.T) {
	s, mem, pub := newSurface(t, 10)
	mem.DefineGroup(9, "widget", true, true)

	require.NoError(t, s.CacheTypeReset(context.Background(), "widget"))
	require.Equal(t, 1, pub.count())
	ev := pub.last().(events.CacheEvent)
	assert.Equal(t, events.CacheGroupReset, ev.Action)
	assert.Equal(t, int64(9), ev.GroupID)
}

func TestCacheObjectExpiredSuppressedWhenEntityGone(t *testing.T) {
	s, mem, pub := newSurface(t, 10)
	mem.DefineGroup(1, "widget", true, true)

	require.NoError(t, s.CacheObjectExpired(context.Background(), "widget", 42))
	assert.Equal(t, 0, pub.count())
}

func TestCacheObjectExpiredPublishesFullAttributeMap(t *testing.T) {
	s, mem, pub := newSurface(t, 10)
	g := mem.DefineGroup(1, "widget", true, true)
	require.NoError(t, g.AddToCache(context.Background(), map[string]any{"id": int64(42), "name": "widget-42"}))

	require.NoError(t, s.CacheObjectExpired(context.Background(), "widget", 42))
	require.Equal(t, 1, pub.count())
	ev := pub.last().(events.CacheEvent)
	assert.Equal(t, events.CacheObjectReset, ev.Action)
	assert.Equal(t, "widget-42", ev.ObjectProperties["name"])
}

func TestRemoveFromCachePublishesObjectRemove(t *testing.T) {
	s, mem, pub := newSurface(t, 10)
	mem.DefineGroup(1, "widget", true, true)

	require.NoError(t, s.RemoveFromCache(context.Background(), "widget", 7))
	require.Equal(t, 1, pub.count())
	ev := pub.last().(events.CacheEvent)
	assert.Equal(t, events.CacheObjectRemove, ev.Action)
	assert.Equal(t, int64(7), ev.ObjectID)
}

func TestReplaceAllCollapsesAboveThreshold(t *testing.T) {
	s, _, pub := newSurface(t, 3)

	pairs := make([]store.Pair, 5)
	for i := range pairs {
		pairs[i] = store.Pair{LeftID: int64(i), RightID: int64(i)}
	}

	require.NoError(t, s.ReplaceAll(context.Background(), 3, pairs))
	require.Equal(t, 1, pub.count())
	ev := pub.last().(events.RelationEvent)
	assert.Equal(t, events.RelationReset, ev.Action)
	assert.Nil(t, ev.Relation)
}

func TestReplaceAllCarriesPayloadBelowThreshold(t *testing.T) {
	s, _, pub := newSurface(t, 10)

	pairs := []store.Pair{{LeftID: 1, RightID: 2}, {LeftID: 3, RightID: 4}}
	require.NoError(t, s.ReplaceAll(context.Background(), 3, pairs))

	require.Equal(t, 1, pub.count())
	ev := pub.last().(events.RelationEvent)
	assert.Equal(t, events.RelationReplaceAll, ev.Action)
	assert.Len(t, ev.Relation, 2)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	s, mem, pub := newSurface(t, 10)
	mem.DefineGroup(1, "widget", true, true)
	pub.fail = fmt.Errorf("broker unreachable")

	err := s.RemoveFromCache(context.Background(), "widget", 1)
	assert.NoError(t, err)
}
