// Package publisher stamps and publishes outbound BroadcastMessages
// onto the cache coherence topic.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cachemgr/bus/internal/cachebus/events"
	"github.com/cachemgr/bus/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SenderHeader is the message header every outbound event carries,
// naming the sender's instance identifier.
const SenderHeader = "Gemini.CacheMgr.ClientUUID"

// Topic is the single pub/sub destination all nodes publish to and
// subscribe from.
const Topic = "CACHE.TOPIC"

// Config holds Kafka producer configuration for the adapter.
type Config struct {
	Brokers           []string
	RequiredAcks      sarama.RequiredAcks
	Compression       sarama.CompressionCodec
	MaxRetries        int
	RetryBackoff      time.Duration
	ConnectionTimeout time.Duration
}

// DeliveryMode mirrors the CacheMessageManager.DeliveryMode
// configuration key from the specification: persistent maps to
// waiting for all in-sync replicas, non-persistent to a cheaper ack
// mode.
type DeliveryMode int

const (
	DeliveryPersistent DeliveryMode = iota
	DeliveryNonPersistent
)

func (m DeliveryMode) RequiredAcks() sarama.RequiredAcks {
	if m == DeliveryNonPersistent {
		return sarama.WaitForLocal
	}
	return sarama.WaitForAll
}

// Publisher is the only code path that reads the instance identifier
// for outbound traffic. Swapping the identifier (e.g. on reconnect)
// happens under idMu so no in-flight Publish call observes a torn
// value.
type Publisher struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	tracer   trace.Tracer

	idMu         sync.RWMutex
	instanceID   string
}

// New wraps an already-connected sarama.SyncProducer. The bus's
// lifecycle controller owns producer construction/teardown; this
// type only owns the stamping and publish behavior.
func New(producer sarama.SyncProducer, log *logger.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("cachebus-publisher"),
	}
}

// NewProducer builds a sarama.SyncProducer from Config, mirroring the
// teacher's producer construction (idempotent delivery when all
// in-sync replicas must ack, bounded in-flight requests, synchronous
// success acks). sarama only accepts idempotence with WaitForAll, so
// it is left off for the non-persistent delivery mode.
func NewProducer(cfg Config) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = cfg.RequiredAcks
	config.Producer.Compression = cfg.Compression
	config.Producer.Retry.Max = cfg.MaxRetries
	config.Producer.Retry.Backoff = cfg.RetryBackoff
	config.Net.DialTimeout = cfg.ConnectionTimeout
	config.Net.ReadTimeout = cfg.ConnectionTimeout
	config.Net.WriteTimeout = cfg.ConnectionTimeout
	config.Producer.Idempotent = cfg.RequiredAcks == sarama.WaitForAll
	config.Net.MaxOpenRequests = 1
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// SetInstanceID atomically swaps the identifier stamped on every
// subsequent outbound message. Called once per connect/reconnect by
// the lifecycle controller.
func (p *Publisher) SetInstanceID(id string) {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	p.instanceID = id
}

func (p *Publisher) instanceIDSnapshot() string {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	return p.instanceID
}

// Publish stamps msg with the current instance identifier and hands
// it to the broker. Per the specification, a relation bulk event
// whose pair count exceeds the configured threshold must already have
// been collapsed to RESET by the caller (the listener surface) — this
// adapter does not itself inspect payload size.
func (p *Publisher) Publish(ctx context.Context, msg events.BroadcastMessage) error {
	senderID := p.instanceIDSnapshot()
	if senderID == "" {
		return fmt.Errorf("publisher: instance identifier not set")
	}

	env, err := events.Wrap(senderID, msg)
	if err != nil {
		return fmt.Errorf("publisher: wrap event: %w", err)
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("publisher: marshal envelope: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "cachebus.publish",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", Topic),
			attribute.String("cachebus.kind", env.Kind),
		),
	)
	defer span.End()

	kmsg := &sarama.ProducerMessage{
		Topic: Topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(SenderHeader), Value: []byte(senderID)},
		},
	}

	_, _, err = p.producer.SendMessage(kmsg)
	if err != nil {
		// Transport failures are logged and swallowed: the local
		// mutation already committed, so the next mutation re-converges.
		p.log.Info("cachebus: publish failed, coherence delayed until next mutation",
			zap.String("kind", env.Kind),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	return nil
}

// Close shuts down the underlying producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
