package cachebus

import (
	"context"
	"testing"

	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/pkg/config"
	"github.com/cachemgr/bus/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Connect dials a real sarama producer/consumer group, so a successful
// Connect is not exercised here; these tests cover the state machine
// and guard clauses that don't require network I/O.

func TestBusStartsUnconfigured(t *testing.T) {
	b := New(store.NewMemStore(), testutil.NewTestLogger(t), nil)
	assert.Equal(t, Unconfigured, b.State())
}

func TestConfigureMovesToConfigured(t *testing.T) {
	b := New(store.NewMemStore(), testutil.NewTestLogger(t), nil)
	b.Configure(config.CacheBusConfig{MaximumRelationSize: 10000}, config.KafkaConfig{})
	assert.Equal(t, Configured, b.State())
}

func TestConnectOnUnconfiguredBusFails(t *testing.T) {
	b := New(store.NewMemStore(), testutil.NewTestLogger(t), nil)
	err := b.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Unconfigured, b.State())
}

func TestCloseOnUnconfiguredBusIsIdempotent(t *testing.T) {
	b := New(store.NewMemStore(), testutil.NewTestLogger(t), nil)
	require.NoError(t, b.Close())
	assert.Equal(t, Closed, b.State())
	require.NoError(t, b.Close())
	assert.Equal(t, Closed, b.State())
}

func TestConnectOnClosedBusFails(t *testing.T) {
	b := New(store.NewMemStore(), testutil.NewTestLogger(t), nil)
	b.Configure(config.CacheBusConfig{}, config.KafkaConfig{})
	require.NoError(t, b.Close())

	err := b.Connect(context.Background())
	require.Error(t, err)
}

func TestSurfaceIsNilBeforeConnect(t *testing.T) {
	b := New(store.NewMemStore(), testutil.NewTestLogger(t), nil)
	assert.Nil(t, b.Surface())
}

func TestStateMachineAdapterDiscardsBeforeInitialized(t *testing.T) {
	mem := store.NewMemStore()
	log := testutil.NewTestLogger(t)
	adapter := newStateMachineAdapter(mem, log)

	// store.Initialized() is false by default, so even a well-formed
	// event must be dropped rather than applied.
	err := adapter.Apply(context.Background(), events.CacheEvent{Action: events.CacheFullReset})
	require.NoError(t, err)
	assert.Equal(t, 0, mem.ResetCalls)
}
