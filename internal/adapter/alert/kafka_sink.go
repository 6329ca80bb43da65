package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

const (
	batchTimeout = 50 * time.Millisecond
	batchSize    = 100
)

// MessageProducer is the subset of a Kafka writer the sink needs.
type MessageProducer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// KafkaSink publishes stock alerts to a topic, keyed by product id so alerts
// for one product stay ordered within a partition.
type KafkaSink struct {
	producer MessageProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaSink builds a trace-propagating writer for topic.
func NewKafkaSink(brokers []string, topic, clientID string, logger *zap.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	baseWriter := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		BatchSize:              batchSize,
		AllowAutoTopicCreation: true,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(topic),
				attribute.String("messaging.kafka.client_id", clientID),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka writer: %w", err)
	}

	return NewKafkaSinkWithProducer(writer, topic, logger), nil
}

func NewKafkaSinkWithProducer(producer MessageProducer, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

func (s *KafkaSink) Publish(ctx context.Context, alerts []domain.StockAlert) error {
	var errs []error
	for _, a := range alerts {
		payload, err := json.Marshal(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode alert %s: %w", a.ProductID, err))
			continue
		}

		msg := kafka.Message{
			Key:   []byte(a.ProductID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "alert-level", Value: []byte(a.Level)},
			},
		}
		if err := s.producer.WriteMessage(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("write alert %s: %w", a.ProductID, err))
			continue
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug("published stock alerts", zap.String("topic", s.topic), zap.Int("count", len(alerts)))
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
