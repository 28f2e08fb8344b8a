package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommitter records committed offsets per partition.
type fakeCommitter struct {
	mu      sync.Mutex
	fail    bool
	commits map[int][]int64
}

func (f *fakeCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("coordinator unavailable")
	}
	if f.commits == nil {
		f.commits = make(map[int][]int64)
	}
	for _, m := range msgs {
		f.commits[m.Partition] = append(f.commits[m.Partition], m.Offset)
	}
	return nil
}

func (f *fakeCommitter) offsets(partition int) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.commits[partition]...)
}

func newTestConsumer(c Committer) *Consumer {
	return &Consumer{
		committer:  c,
		nodeID:     "test",
		offsets:    newOffsetTracker(),
		lastCommit: make(map[int]committedOffset),
	}
}

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "events", Partition: partition, Offset: offset}
}

func TestAckWaitsForEarlierOffsets(t *testing.T) {
	fc := &fakeCommitter{}
	c := newTestConsumer(fc)
	ctx := context.Background()

	gens := map[int64]uint64{}
	for _, off := range []int64{5, 6, 7} {
		gens[off] = c.offsets.track(msgAt(0, off))
	}

	c.ack(ctx, msgAt(0, 6), gens[6])
	c.ack(ctx, msgAt(0, 7), gens[7])
	assert.Empty(t, fc.offsets(0), "offset 5 is still in flight")

	c.ack(ctx, msgAt(0, 5), gens[5])
	assert.Equal(t, []int64{7}, fc.offsets(0))
	assert.Equal(t, uint64(1), c.committed.Load())
}

func TestFailedOffsetHoldsPartition(t *testing.T) {
	fc := &fakeCommitter{}
	c := newTestConsumer(fc)
	ctx := context.Background()

	g5 := c.offsets.track(msgAt(0, 5))
	g6 := c.offsets.track(msgAt(0, 6))
	g3 := c.offsets.track(msgAt(1, 3))
	_ = g5 // offset 5 failed and is never acked

	c.ack(ctx, msgAt(0, 6), g6)
	c.ack(ctx, msgAt(1, 3), g3)

	assert.Empty(t, fc.offsets(0), "offset 6 must not be committed past the failed offset 5")
	assert.Equal(t, []int64{3}, fc.offsets(1), "other partitions are independent")
}

func TestAckInOrderCommitsEachOffset(t *testing.T) {
	fc := &fakeCommitter{}
	c := newTestConsumer(fc)
	ctx := context.Background()

	for _, off := range []int64{10, 11} {
		gen := c.offsets.track(msgAt(2, off))
		c.ack(ctx, msgAt(2, off), gen)
	}
	assert.Equal(t, []int64{10, 11}, fc.offsets(2))
}

func TestRewindStartsNewGeneration(t *testing.T) {
	fc := &fakeCommitter{}
	c := newTestConsumer(fc)
	ctx := context.Background()

	old := c.offsets.track(msgAt(0, 8))
	c.offsets.track(msgAt(0, 9))

	// partition reassigned: the group redelivers from 8
	fresh := c.offsets.track(msgAt(0, 8))
	require.NotEqual(t, old, fresh)

	c.ack(ctx, msgAt(0, 8), old)
	assert.Empty(t, fc.offsets(0), "acks from before the rewind are ignored")

	c.ack(ctx, msgAt(0, 8), fresh)
	assert.Equal(t, []int64{8}, fc.offsets(0))
}

func TestCommitFailureIsRetriedByLaterAck(t *testing.T) {
	fc := &fakeCommitter{fail: true}
	c := newTestConsumer(fc)
	ctx := context.Background()

	g1 := c.offsets.track(msgAt(0, 1))
	g2 := c.offsets.track(msgAt(0, 2))

	c.ack(ctx, msgAt(0, 1), g1)
	assert.Equal(t, uint64(0), c.committed.Load())

	fc.mu.Lock()
	fc.fail = false
	fc.mu.Unlock()

	c.ack(ctx, msgAt(0, 2), g2)
	assert.Equal(t, []int64{2}, fc.offsets(0))
}
