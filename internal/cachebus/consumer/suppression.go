package consumer

import (
	"sync"

	"github.com/IBM/sarama"
	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/publisher"
	"github.com/cachemgr/bus/pkg/logger"
	"go.uber.org/zap"
)

// suppressionFilter is the only defense against the broker's
// inability to filter self-sent messages on a topic: it discards any
// inbound message stamped with this node's own instance identifier.
type suppressionFilter struct {
	mu         sync.RWMutex
	instanceID string
	log        *logger.Logger
}

func newSuppressionFilter(log *logger.Logger) *suppressionFilter {
	return &suppressionFilter{log: log}
}

// setInstanceID atomically swaps the identifier the filter compares
// against. Must be called on every connect/reconnect so that echoes
// stamped with the new identifier are suppressed; only the current
// identifier is compared.
func (f *suppressionFilter) setInstanceID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instanceID = id
}

func (f *suppressionFilter) currentInstanceID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.instanceID
}

// outcome classifies what the suppression filter did with an inbound
// message.
type outcome int

const (
	outcomeMalformed outcome = iota
	outcomeMissingSender
	outcomeSelfEcho
	outcomePassThrough
)

// evaluate reads the sender header off the Kafka message and decides
// whether the envelope should be handed to the consumer state
// machine. It decodes the envelope JSON (a body that does not decode
// is malformed) but not its tagged payload; the sender is taken from
// the transport-level header, not from the envelope body.
func (f *suppressionFilter) evaluate(msg *sarama.ConsumerMessage) (*events.Envelope, outcome) {
	if msg == nil || len(msg.Value) == 0 {
		f.log.Info("cachebus: malformed inbound message, discarding")
		return nil, outcomeMalformed
	}

	var env events.Envelope
	if err := env.Unmarshal(msg.Value); err != nil {
		f.log.Info("cachebus: failed to deserialize inbound message, discarding", zap.Error(err))
		return nil, outcomeMalformed
	}

	var senderID string
	for _, h := range msg.Headers {
		if string(h.Key) == publisher.SenderHeader {
			senderID = string(h.Value)
			break
		}
	}
	if senderID == "" {
		f.log.Info("cachebus: inbound message missing sender identifier, discarding")
		return nil, outcomeMissingSender
	}
	env.SenderID = senderID

	if senderID == f.currentInstanceID() {
		// Hot path: no log, per the specification's self-echo error kind.
		return nil, outcomeSelfEcho
	}

	return &env, outcomePassThrough
}
