package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cachemgr/bus/internal/cachebus/consumer"
	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/publisher"
	"github.com/cachemgr/bus/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []events.BroadcastMessage
	panics  bool
}

func (f *fakeApplier) Apply(ctx context.Context, msg events.BroadcastMessage) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, msg)
	return nil
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func envelopeBytes(t *testing.T, senderID string, msg events.BroadcastMessage) []byte {
	t.Helper()
	env, err := events.Wrap(senderID, msg)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)
	return data
}

func headersFor(senderID string) []*sarama.RecordHeader {
	return []*sarama.RecordHeader{
		{Key: []byte(publisher.SenderHeader), Value: []byte(senderID)},
	}
}

func TestConsumerAppliesPassThroughMessage(t *testing.T) {
	log := testutil.NewTestLogger(t)
	applier := &fakeApplier{}

	mockGroup := mocks.NewConsumerGroup()
	ev := events.CacheEvent{Action: events.CacheGroupReset, GroupID: 7}
	msg := &sarama.ConsumerMessage{
		Topic:     publisher.Topic,
		Value:     envelopeBytes(t, "remote-instance", ev),
		Headers:   headersFor("remote-instance"),
		Timestamp: time.Now(),
	}
	mockGroup.ExpectConsumePartition(publisher.Topic, 0, sarama.OffsetOldest).YieldMessage(msg)

	c := consumer.NewWithGroup(mockGroup, []string{publisher.Topic}, applier, nil, nil, log)
	c.SetInstanceID("local-instance")

	require.NoError(t, c.Start())
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, 1, applier.count())
}

func TestConsumerSuppressesSelfEcho(t *testing.T) {
	log := testutil.NewTestLogger(t)
	applier := &fakeApplier{}

	mockGroup := mocks.NewConsumerGroup()
	ev := events.CacheEvent{Action: events.CacheGroupReset, GroupID: 7}
	msg := &sarama.ConsumerMessage{
		Topic:     publisher.Topic,
		Value:     envelopeBytes(t, "local-instance", ev),
		Headers:   headersFor("local-instance"),
		Timestamp: time.Now(),
	}
	mockGroup.ExpectConsumePartition(publisher.Topic, 0, sarama.OffsetOldest).YieldMessage(msg)

	c := consumer.NewWithGroup(mockGroup, []string{publisher.Topic}, applier, nil, nil, log)
	c.SetInstanceID("local-instance")

	require.NoError(t, c.Start())
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, 0, applier.count())
}

func TestConsumerRecoversApplyPanic(t *testing.T) {
	log := testutil.NewTestLogger(t)
	applier := &fakeApplier{panics: true}

	mockGroup := mocks.NewConsumerGroup()
	ev := events.CacheEvent{Action: events.CacheGroupReset, GroupID: 7}
	msg := &sarama.ConsumerMessage{
		Topic:     publisher.Topic,
		Value:     envelopeBytes(t, "remote-instance", ev),
		Headers:   headersFor("remote-instance"),
		Timestamp: time.Now(),
	}
	mockGroup.ExpectConsumePartition(publisher.Topic, 0, sarama.OffsetOldest).YieldMessage(msg)

	c := consumer.NewWithGroup(mockGroup, []string{publisher.Topic}, applier, nil, nil, log)
	c.SetInstanceID("local-instance")

	require.NoError(t, c.Start())
	time.Sleep(100 * time.Millisecond)
	// Stop must still return cleanly: the panic inside applier.Apply
	// must never escape ConsumeClaim.
	assert.NoError(t, c.Stop())
}

func TestConsumerDiscardsMalformedPayload(t *testing.T) {
	log := testutil.NewTestLogger(t)
	applier := &fakeApplier{}

	mockGroup := mocks.NewConsumerGroup()
	msg := &sarama.ConsumerMessage{
		Topic:     publisher.Topic,
		Value:     []byte("not json"),
		Timestamp: time.Now(),
	}
	mockGroup.ExpectConsumePartition(publisher.Topic, 0, sarama.OffsetOldest).YieldMessage(msg)

	c := consumer.NewWithGroup(mockGroup, []string{publisher.Topic}, applier, nil, nil, log)
	c.SetInstanceID("local-instance")

	require.NoError(t, c.Start())
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, 0, applier.count())
}
