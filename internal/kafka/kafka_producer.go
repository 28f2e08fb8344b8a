package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"stockpulse/internal/config"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// Producer publishes service commands and alert lifecycle events. Writers
// are pooled and carry no fixed topic; each message names its own.
type Producer struct {
	cfg          config.ProducerConfig
	actionsTopic string
	alertsTopic  string
	writers      []*kafka.Writer
	pool         chan *kafka.Writer
	closed       atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates the writer pool for the configured brokers.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.ActionsTopic == "" || cfg.AlertsTopic == "" {
		return nil, errors.New("actions and alerts topics are required")
	}

	pc := cfg.Producer
	if pc.PoolSize <= 0 {
		pc.PoolSize = 4
	}

	p := &Producer{
		cfg:          pc,
		actionsTopic: cfg.ActionsTopic,
		alertsTopic:  cfg.AlertsTopic,
		writers:      make([]*kafka.Writer, pc.PoolSize),
		pool:         make(chan *kafka.Writer, pc.PoolSize),
	}

	compression := getCompression(pc.Compression)
	for i := 0; i < pc.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{}, // Partition by tenant key
			BatchSize:    pc.BatchSize,
			BatchTimeout: pc.BatchTimeout,
			WriteTimeout: pc.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(pc.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  1, // retries are ours
		}
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// PublishCommand sends a service command to the actions topic, keyed by
// tenant so one tenant's commands stay ordered.
func (p *Producer) PublishCommand(ctx context.Context, cmd models.Command) error {
	return p.publish(ctx, p.actionsTopic, cmd.TenantID, cmd, []kafka.Header{
		{Key: "tenant_id", Value: []byte(cmd.TenantID)},
		{Key: "operation", Value: []byte(cmd.Operation)},
		{Key: "event_id", Value: []byte(cmd.EventID)},
	})
}

// PublishAlertEvent sends an alert lifecycle event to the alerts topic.
func (p *Producer) PublishAlertEvent(ctx context.Context, ev models.AlertEvent) error {
	return p.publish(ctx, p.alertsTopic, ev.TenantID, ev, []kafka.Header{
		{Key: "tenant_id", Value: []byte(ev.TenantID)},
		{Key: "alert_id", Value: []byte(ev.AlertID)},
		{Key: "type", Value: []byte(ev.Type)},
	})
}

func (p *Producer) publish(ctx context.Context, topic, key string, v any, headers []kafka.Header) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues(topic, "failed").Inc()
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
		Time:    time.Now().UTC(),
	}

	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues(topic, "failed").Inc()
		return ctx.Err()
	}

	start := time.Now()
	err = p.publishWithRetry(ctx, writer, msg)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.messagesFailed.Add(1)
		metrics.KafkaPublishTotal.WithLabelValues(topic, "failed").Inc()
		return err
	}

	p.messagesSent.Add(1)
	p.bytesWritten.Add(uint64(len(data)))
	metrics.KafkaPublishTotal.WithLabelValues(topic, "success").Inc()
	return nil
}

// publishWithRetry publishes a single message with exponential backoff retry
func (p *Producer) publishWithRetry(ctx context.Context, writer *kafka.Writer, msg kafka.Message) error {
	log := logger.WithComponent("kafka_producer").With().Str("topic", msg.Topic).Logger()
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("kafka publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", p.cfg.MaxRetries+1).
		Msg("kafka publish failed after all retries")

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck reports whether a writer can be taken from the pool.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	select {
	case writer := <-p.pool:
		p.pool <- writer
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
