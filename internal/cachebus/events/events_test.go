package events_test

import (
	"testing"

	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndUnwrapCacheEvent(t *testing.T) {
	ev := events.CacheEvent{
		Action:           events.CacheObjectReset,
		GroupID:          7,
		ObjectID:         42,
		ObjectProperties: map[string]any{"name": "x"},
	}

	env, err := events.Wrap("node-a", ev)
	require.NoError(t, err)
	assert.Equal(t, "node-a", env.SenderID)
	assert.Equal(t, events.KindCacheEvent, env.Kind)

	data, err := env.Marshal()
	require.NoError(t, err)

	var roundTripped events.Envelope
	require.NoError(t, roundTripped.Unmarshal(data))

	msg, err := roundTripped.Message()
	require.NoError(t, err)

	got, ok := msg.(events.CacheEvent)
	require.True(t, ok)
	assert.Equal(t, ev.Action, got.Action)
	assert.Equal(t, ev.GroupID, got.GroupID)
	assert.Equal(t, ev.ObjectID, got.ObjectID)
	assert.Equal(t, "x", got.ObjectProperties["name"])
}

func TestWrapAndUnwrapRelationEvent(t *testing.T) {
	ev := events.RelationEvent{
		Action:     events.RelationReset,
		RelationID: 3,
	}

	env, err := events.Wrap("node-b", ev)
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	var roundTripped events.Envelope
	require.NoError(t, roundTripped.Unmarshal(data))

	msg, err := roundTripped.Message()
	require.NoError(t, err)

	got, ok := msg.(events.RelationEvent)
	require.True(t, ok)
	assert.Equal(t, events.RelationReset, got.Action)
	assert.Equal(t, int64(3), got.RelationID)
	assert.Empty(t, got.Relation)
}

func TestEnvelopeUnknownKind(t *testing.T) {
	env := events.Envelope{SenderID: "node-a", Kind: "bogus"}
	_, err := env.Message()
	assert.Error(t, err)
}
