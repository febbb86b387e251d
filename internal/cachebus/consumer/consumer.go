package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/internal/cachebus/stats"
	"github.com/cachemgr/bus/pkg/logger"
	"github.com/cachemgr/bus/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Applier is the subset of the state machine the consumer group
// handler depends on, so tests can substitute a fake.
type Applier interface {
	Apply(ctx context.Context, msg events.BroadcastMessage) error
}

// Config holds the Kafka consumer-group configuration.
type Config struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	InitialOffset  int64
	SessionTimeout time.Duration
}

// Consumer wraps a sarama consumer group, applying the suppression
// filter and then the state machine to every message that survives
// it. Per the specification's concurrency model, ConsumeClaim handles
// one message at a time on a single goroutine per claim; there is no
// internal worker pool.
type Consumer struct {
	group    sarama.ConsumerGroup
	filter   *suppressionFilter
	applier  Applier
	aggregator *stats.Aggregator
	m        *metrics.Metrics
	log      *logger.Logger
	tracer   trace.Tracer
	topics   []string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Consumer bound to a running state machine, dialing a
// real sarama consumer group. aggregator and m may be nil, in which
// case latency tracking and Prometheus mirroring are skipped.
func New(cfg Config, applier Applier, aggregator *stats.Aggregator, m *metrics.Metrics, log *logger.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaCfg.Consumer.Offsets.Initial = cfg.InitialOffset
	saramaCfg.Consumer.Group.Session.Timeout = cfg.SessionTimeout

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("consumer: create consumer group: %w", err)
	}

	return NewWithGroup(group, cfg.Topics, applier, aggregator, m, log), nil
}

// NewWithGroup builds a Consumer over an already-constructed consumer
// group, so tests can substitute sarama/mocks's fake group instead of
// dialing a broker.
func NewWithGroup(group sarama.ConsumerGroup, topics []string, applier Applier, aggregator *stats.Aggregator, m *metrics.Metrics, log *logger.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		group:      group,
		filter:     newSuppressionFilter(log),
		applier:    applier,
		aggregator: aggregator,
		m:          m,
		log:        log,
		tracer:     otel.GetTracerProvider().Tracer("cachebus-consumer"),
		topics:     topics,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetInstanceID must be called before Start, and again on every
// reconnect, so the suppression filter compares against the
// currently active instance identifier.
func (c *Consumer) SetInstanceID(id string) {
	c.filter.setInstanceID(id)
}

// Start launches the consume loop in the background. sarama's
// Consume call returns whenever the group rebalances, so it is
// re-invoked in a loop until the consumer is stopped.
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				if err := c.group.Consume(c.ctx, c.topics, c); err != nil {
					c.log.Error("cachebus: error from consumer group", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop cancels the consume loop, waits for it to exit, and closes
// the underlying consumer group.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.group.Close()
}

// Setup is run at the beginning of a new consumer group session.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup is run at the end of a consumer group session.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes one partition claim's messages, one at a
// time, in offset order.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.handle(session, msg)
	}
	return nil
}

func (c *Consumer) handle(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx := c.extractContext(msg)
	ctx, span := c.tracer.Start(ctx, "cachebus.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.Int32("messaging.kafka.partition", msg.Partition),
		),
	)
	defer span.End()

	received := time.Now()

	env, outcome := c.filter.evaluate(msg)
	switch outcome {
	case outcomeMalformed:
		c.countDrop("malformed")
		session.MarkMessage(msg, "")
		return
	case outcomeMissingSender:
		c.countDrop("missing_sender")
		session.MarkMessage(msg, "")
		return
	case outcomeSelfEcho:
		if c.m != nil {
			c.m.EventsSuppressed.Inc()
		}
		session.MarkMessage(msg, "")
		return
	}

	broadcast, err := env.Message()
	if err != nil {
		c.log.Info("cachebus: failed to decode envelope payload, discarding", zap.Error(err))
		c.countDrop("bad_payload")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		session.MarkMessage(msg, "")
		return
	}

	processingStart := time.Now()
	if err := c.applyWithRecover(ctx, broadcast); err != nil {
		c.log.Error("cachebus: failed to apply inbound event", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Marked regardless: a poison message must not block the
		// partition, and the error has already been logged.
	} else if c.m != nil {
		kind, action := describe(broadcast)
		c.m.EventsConsumed.WithLabelValues(kind, action).Inc()
	}

	if c.aggregator != nil {
		txMs := received.Sub(msg.Timestamp).Milliseconds()
		if txMs < 0 {
			txMs = 0
		}
		pxMs := time.Since(processingStart).Milliseconds()
		c.aggregator.Record(statsKey(broadcast), txMs, pxMs, describeForLog(broadcast))
	}

	session.MarkMessage(msg, "")
}

// applyWithRecover guards against a panic inside the state machine
// propagating into sarama's consume loop and killing the session.
func (c *Consumer) applyWithRecover(ctx context.Context, msg events.BroadcastMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cachebus: recovered panic applying inbound event", zap.Any("panic", r))
			err = fmt.Errorf("consumer: recovered panic: %v", r)
		}
	}()
	return c.applier.Apply(ctx, msg)
}

func (c *Consumer) countDrop(reason string) {
	c.log.Info("cachebus: dropping inbound message", zap.String("reason", reason))
	if c.m != nil {
		c.m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Consumer) extractContext(msg *sarama.ConsumerMessage) context.Context {
	carrier := propagation.HeaderCarrier{}
	for _, h := range msg.Headers {
		carrier[string(h.Key)] = []string{string(h.Value)}
	}
	return otel.GetTextMapPropagator().Extract(context.Background(), carrier)
}

func statsKey(msg events.BroadcastMessage) string {
	switch ev := msg.(type) {
	case events.CacheEvent:
		return stats.GroupKey(ev.GroupID)
	case events.RelationEvent:
		return stats.RelationKey(ev.RelationID)
	default:
		return "unknown"
	}
}

func describe(msg events.BroadcastMessage) (kind, action string) {
	switch ev := msg.(type) {
	case events.CacheEvent:
		return "cache", string(ev.Action)
	case events.RelationEvent:
		return "relation", string(ev.Action)
	default:
		return "unknown", "unknown"
	}
}

func describeForLog(msg events.BroadcastMessage) string {
	kind, action := describe(msg)
	return fmt.Sprintf("%s/%s", kind, action)
}
