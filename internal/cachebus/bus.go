// Package cachebus ties the publisher adapter, suppression filter,
// consumer state machine, statistics aggregator, and listener surface
// together into a single lifecycle-managed handle: Bus.
package cachebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/cachemgr/bus/internal/cachebus/consumer"
	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/listener"
	"github.com/cachemgr/bus/internal/cachebus/publisher"
	"github.com/cachemgr/bus/internal/cachebus/stats"
	"github.com/cachemgr/bus/internal/cachebus/store"
	"github.com/cachemgr/bus/pkg/config"
	"github.com/cachemgr/bus/pkg/logger"
	"github.com/cachemgr/bus/pkg/metrics"
	"go.uber.org/zap"
)

// State is one of the four lifecycle states a Bus moves through.
type State int

const (
	Unconfigured State = iota
	Configured
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bus is the lifecycle controller: Configure/Connect/Close move it
// through Unconfigured -> Configured -> Connected -> Closed.
// Connect is idempotent and doubles as the reconnect entrypoint.
type Bus struct {
	mu    sync.Mutex
	state State

	store store.LocalStore
	log   *logger.Logger
	m     *metrics.Metrics
	cfg   config.CacheBusConfig
	kafka config.KafkaConfig

	pub        *publisher.Publisher
	con        *consumer.Consumer
	aggregator *stats.Aggregator
	surface    *listener.Surface

	statsCancel context.CancelFunc
	statsDone   chan struct{}
}

// New builds a Bus bound to a local store. m may be nil to run
// without Prometheus metrics.
func New(s store.LocalStore, log *logger.Logger, m *metrics.Metrics) *Bus {
	return &Bus{store: s, log: log, m: m, state: Unconfigured}
}

// Configure records the bus's configuration and moves it to
// Configured. Safe to call again before Connect to pick up new
// values; on an already-Connected bus the running endpoints are left
// as they are and the new values take effect at the next Connect.
func (b *Bus) Configure(cfg config.CacheBusConfig, kafka config.KafkaConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg = cfg
	b.kafka = kafka
	if b.state == Unconfigured {
		b.state = Configured
	}
}

// Surface returns the outbound listener surface the local store calls
// into after each local mutation. Valid only once Connect has
// succeeded.
func (b *Bus) Surface() *listener.Surface {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.surface
}

// State reports the bus's current lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect opens (or reopens) the publish and subscribe connections,
// assigns a fresh instance identifier, and starts the consumer and
// statistics ticker. Idempotent: calling Connect on an already
// Connected bus closes the existing endpoints first, exactly as the
// specification's reconnect contract requires.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Closed {
		return fmt.Errorf("cachebus: cannot connect a closed bus")
	}
	if b.state == Unconfigured {
		return fmt.Errorf("cachebus: bus must be configured before connecting")
	}

	if b.state == Connected {
		b.teardownLocked()
	}

	instanceID := uuid.NewString()

	producer, err := publisher.NewProducer(publisher.Config{
		Brokers:           b.kafka.Brokers,
		RequiredAcks:      publisher.DeliveryMode(b.cfg.DeliveryMode).RequiredAcks(),
		MaxRetries:        b.kafka.Producer.MaxRetries,
		RetryBackoff:      b.kafka.Producer.RetryBackoff,
		ConnectionTimeout: b.kafka.Producer.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("cachebus: open publish connection: %w", err)
	}
	pub := publisher.New(producer, b.log)
	pub.SetInstanceID(instanceID)

	aggregator := stats.New(b.log, b.m, b.cfg.StatsLogMaxThresholdMs, func() int64 {
		return time.Now().UnixMilli()
	})

	applier := newStateMachineAdapter(b.store, b.log)

	con, err := consumer.New(consumer.Config{
		Brokers:        b.kafka.Brokers,
		GroupID:        b.kafka.GroupID,
		Topics:         []string{publisher.Topic},
		InitialOffset:  sarama.OffsetOldest,
		SessionTimeout: b.kafka.Consumer.SessionTimeout,
	}, applier, aggregator, b.m, b.log)
	if err != nil {
		_ = pub.Close()
		return fmt.Errorf("cachebus: open subscribe connection: %w", err)
	}
	con.SetInstanceID(instanceID)

	if err := con.Start(); err != nil {
		_ = pub.Close()
		return fmt.Errorf("cachebus: start consumer: %w", err)
	}

	statsCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go runStatsTicker(statsCtx, done, aggregator, b.cfg.StatsPeriodMinutes)

	b.pub = pub
	b.con = con
	b.aggregator = aggregator
	b.surface = listener.New(b.store, pub, listener.MaximumRelationSize(b.cfg.MaximumRelationSize), b.log, b.m)
	b.statsCancel = cancel
	b.statsDone = done
	b.state = Connected

	b.log.Info("cachebus: connected", zap.String("instance_id", instanceID))
	return nil
}

// Close shuts down both endpoints. Further inbound messages are
// ignored because the consumer is stopped; Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Connected {
		b.state = Closed
		return nil
	}

	b.teardownLocked()
	b.state = Closed
	return nil
}

func (b *Bus) teardownLocked() {
	if b.statsCancel != nil {
		b.statsCancel()
		<-b.statsDone
		b.statsCancel = nil
		b.statsDone = nil
	}
	if b.con != nil {
		if err := b.con.Stop(); err != nil {
			b.log.Error("cachebus: error stopping consumer", zap.Error(err))
		}
		b.con = nil
	}
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			b.log.Error("cachebus: error closing publisher", zap.Error(err))
		}
		b.pub = nil
	}
	b.aggregator = nil
	b.surface = nil
}

// stateMachineAdapter discards inbound events at debug level until the
// local store reports itself initialized, per the specification's
// early-message-discard contract, then delegates to the consumer
// state machine.
type stateMachineAdapter struct {
	sm    *consumer.StateMachine
	store store.LocalStore
	log   *logger.Logger
}

func newStateMachineAdapter(s store.LocalStore, log *logger.Logger) *stateMachineAdapter {
	return &stateMachineAdapter{sm: consumer.NewStateMachine(s, log), store: s, log: log}
}

func (a *stateMachineAdapter) Apply(ctx context.Context, msg events.BroadcastMessage) error {
	if !a.store.Initialized() {
		a.log.Debug("cachebus: store not yet initialized, dropping inbound event")
		return nil
	}
	return a.sm.Apply(ctx, msg)
}

func runStatsTicker(ctx context.Context, done chan struct{}, aggregator *stats.Aggregator, periodMinutes int64) {
	defer close(done)
	if periodMinutes <= 0 {
		periodMinutes = 10
	}
	ticker := time.NewTicker(time.Duration(periodMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			aggregator.Flush()
		}
	}
}
