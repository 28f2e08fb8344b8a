package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"stockpulse/internal/config"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
)

// Sink accepts decoded events for processing. Submit blocks until the
// envelope is queued or ctx is done.
type Sink interface {
	Submit(ctx context.Context, env *models.Envelope) error
}

// Committer commits consumed offsets. *kafka.Reader satisfies it.
type Committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type committedOffset struct {
	gen    uint64
	offset int64
}

// Consumer reads the events topic as part of a consumer group. An offset is
// committed only once it and every earlier fetched offset of its partition
// were processed, so delivery is at least once.
type Consumer struct {
	reader    *kafka.Reader
	committer Committer
	nodeID    string

	offsets    *offsetTracker
	commitMu   sync.Mutex
	lastCommit map[int]committedOffset

	received  atomic.Uint64
	malformed atomic.Uint64
	committed atomic.Uint64
}

// NewConsumer creates a group reader on the events topic.
func NewConsumer(cfg config.KafkaConfig, nodeID string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.EventsTopic == "" || cfg.GroupID == "" {
		return nil, errors.New("events topic and group id are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.EventsTopic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // synchronous commits
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{
		reader:     reader,
		committer:  reader,
		nodeID:     nodeID,
		offsets:    newOffsetTracker(),
		lastCommit: make(map[int]committedOffset),
	}, nil
}

// Run fetches messages until ctx is cancelled and hands them to sink.
// Malformed messages are logged and committed so they do not block the
// partition.
func (c *Consumer) Run(ctx context.Context, sink Sink) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().
		Str("topic", c.reader.Config().Topic).
		Str("group_id", c.reader.Config().GroupID).
		Msg("consumer started")
	defer log.Info().Msg("consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.KafkaConsumedTotal.WithLabelValues("fetch_error").Inc()
			log.Error().Err(err).Msg("kafka fetch failed")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		c.received.Add(1)
		gen := c.offsets.track(msg)

		event, err := DecodeEvent(msg)
		if err != nil {
			c.malformed.Add(1)
			metrics.KafkaConsumedTotal.WithLabelValues("malformed").Inc()
			log.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("dropping malformed event")
			c.ack(context.WithoutCancel(ctx), msg, gen)
			continue
		}
		metrics.KafkaConsumedTotal.WithLabelValues("ok").Inc()

		env := models.NewEnvelope(event, "kafka", c.nodeID)
		env.Ack = func() { c.ack(context.Background(), msg, gen) }

		if err := sink.Submit(ctx, env); err != nil {
			// not acked; the group redelivers after restart or rebalance
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to queue event")
		}
	}
}

// ack reports msg as processed and commits the partition up to the highest
// offset with no unfinished predecessor.
func (c *Consumer) ack(ctx context.Context, msg kafka.Message, gen uint64) {
	next, ok := c.offsets.complete(msg, gen)
	if !ok {
		return
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	// a concurrent ack may already have committed further
	if last, seen := c.lastCommit[next.Partition]; seen && last.gen == gen && next.Offset <= last.offset {
		return
	}
	if err := c.committer.CommitMessages(ctx, next); err != nil {
		log := logger.WithComponent("kafka_consumer")
		log.Error().
			Err(err).
			Int("partition", next.Partition).
			Int64("offset", next.Offset).
			Msg("offset commit failed")
		return
	}
	c.lastCommit[next.Partition] = committedOffset{gen: gen, offset: next.Offset}
	c.committed.Add(1)
}

// DecodeEvent parses a message value into an Event. The tenant header fills
// a missing tenant_id.
func DecodeEvent(msg kafka.Message) (*models.Event, error) {
	var in models.EventInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if in.TenantID == "" {
		for _, h := range msg.Headers {
			if h.Key == "tenant_id" {
				in.TenantID = string(h.Value)
				break
			}
		}
	}
	event, err := in.ToEvent()
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	rs := c.reader.Stats()
	return ConsumerStats{
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
		Committed: c.committed.Load(),
		Lag:       rs.Lag,
	}
}

// ConsumerStats holds consumer metrics
type ConsumerStats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Committed uint64 `json:"committed"`
	Lag       int64  `json:"lag"`
}
