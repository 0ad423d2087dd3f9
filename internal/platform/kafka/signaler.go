package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/service/dispatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/checkq/internal/platform/kafka"

// ErrNoBrokers is returned by NewProducer when no brokers are configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// NewProducer creates a synchronous producer that waits for all in-sync
// replicas before acknowledging a message.
func NewProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// Signaler implements dispatch.PoolSignaler on top of a Kafka topic.
// Messages are keyed by pool id so each pool sees its signals in order.
type Signaler struct {
	producer sarama.SyncProducer
	topic    string
	tracer   trace.Tracer
	logger   *slog.Logger
}

var _ dispatch.PoolSignaler = (*Signaler)(nil)

// NewSignaler wraps an existing producer.
func NewSignaler(producer sarama.SyncProducer, topic string, log *slog.Logger) (*Signaler, error) {
	if producer == nil {
		return nil, errors.New("kafka producer cannot be nil")
	}
	if topic == "" {
		return nil, errors.New("kafka control topic cannot be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Signaler{
		producer: producer,
		topic:    topic,
		tracer:   otel.Tracer(tracerName),
		logger:   log.With(slog.String("component", "kafka_signaler")),
	}, nil
}

// Pause publishes a pause signal for sig.PoolID.
func (s *Signaler) Pause(ctx context.Context, sig dispatch.PauseSignal) error {
	ctx, span := s.tracer.Start(ctx, "kafka.pause",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", s.topic),
			attribute.String("pool_id", sig.PoolID),
			attribute.String("session_id", sig.SessionID.String()),
		))
	defer span.End()

	value, err := json.Marshal(sig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("failed to marshal pause signal: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(sig.PoolID),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("failed to publish pause signal for pool %s: %w", sig.PoolID, err)
	}

	span.SetAttributes(
		attribute.Int64("messaging.kafka.partition", int64(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	logger.FromContextOrDefault(ctx, s.logger).Debug("pause signal published",
		slog.String("pool_id", sig.PoolID),
		slog.String("session_id", sig.SessionID.String()),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return nil
}

// Close closes the underlying producer.
func (s *Signaler) Close() error {
	return s.producer.Close()
}
