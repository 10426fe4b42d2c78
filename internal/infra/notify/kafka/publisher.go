// Package kafka publishes scan lifecycle events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Service is the integration service name handled by this package.
const Service = "kafka"

// Config holds the producer settings.
type Config struct {
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
}

// Event is the JSON document published for each notification.
type Event struct {
	Kind        scanning.NotificationKind `json:"kind"`
	AuditID     string                    `json:"audit_id"`
	ScanID      string                    `json:"scan_id"`
	TaskID      string                    `json:"task_id,omitempty"`
	Target      string                    `json:"target"`
	Module      string                    `json:"module"`
	ErrorReason string                    `json:"error_reason,omitempty"`
	Results     []EventResult             `json:"results,omitempty"`
}

// EventResult is one finding within an Event.
type EventResult struct {
	Host        string `json:"host"`
	Port        string `json:"port,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// NewEvent flattens n.
func NewEvent(n scanning.Notification) Event {
	evt := Event{
		Kind:        n.Kind,
		AuditID:     n.Scan.AuditID.String(),
		ScanID:      n.Scan.ID.String(),
		Target:      n.Scan.Target,
		Module:      n.Scan.Module,
		ErrorReason: n.Scan.ErrorReason,
	}
	if n.Task != nil {
		evt.TaskID = n.Task.ID.String()
		evt.Target = n.Task.Target
	}
	for _, r := range n.Results {
		evt.Results = append(evt.Results, EventResult{
			Host:        r.Host,
			Port:        r.Port,
			Name:        r.Name,
			Description: r.Description,
			Severity:    string(r.Severity),
		})
	}
	return evt
}

// Publisher sends each notification to the topic named by the
// integration's URL, keyed by scan id so one scan's events stay ordered.
type Publisher struct {
	producer sarama.SyncProducer
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, log *logger.Logger, tracer trace.Tracer) *Publisher {
	return &Publisher{producer: producer, logger: log.With("component", "notify.kafka"), tracer: tracer}
}

// NewSyncProducer connects to the brokers, retrying with exponential
// backoff for up to five minutes.
func NewSyncProducer(cfg Config, log *logger.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V3_6_0_0

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	var producer sarama.SyncProducer
	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, config)
		if err != nil {
			log.Warn(context.Background(), "Failed to connect to Kafka, will retry", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return producer, nil
}

const maxTopicLength = 249

// ValidateAddress accepts a legal Kafka topic name.
func (p *Publisher) ValidateAddress(topic string) (string, error) {
	if topic == "" || topic == "." || topic == ".." {
		return "", fmt.Errorf("topic name %q is not allowed", topic)
	}
	if len(topic) > maxTopicLength {
		return "", fmt.Errorf("topic name is longer than %d characters", maxTopicLength)
	}
	for _, c := range topic {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '.', c == '_', c == '-':
		default:
			return "", fmt.Errorf("topic name contains illegal character %q", c)
		}
	}
	return topic, nil
}

// Send publishes n to in.URL.
func (p *Publisher) Send(ctx context.Context, in scanning.Integration, n scanning.Notification) error {
	topic := in.URL
	ctx, span := p.tracer.Start(ctx, "kafka.produce", trace.WithAttributes(
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(topic),
		semconv.MessagingOperationPublish,
	))
	defer span.End()

	payload, err := json.Marshal(NewEvent(n))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding event: %w", err)
	}

	key := n.Scan.ID.String()
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish")
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	p.logger.Debug(ctx, "Published scan event",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"kind", string(n.Kind),
		"key", key,
	)
	span.SetStatus(codes.Ok, "event published")
	return nil
}

// Close closes the underlying producer.
func (p *Publisher) Close() error { return p.producer.Close() }
