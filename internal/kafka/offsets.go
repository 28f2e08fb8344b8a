package kafka

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker decides which offset of a partition may be committed.
// Workers finish messages out of order and a commit covers every earlier
// offset of the partition, so only the highest offset whose predecessors all
// completed is handed out. A message that never completes holds the
// partition back until it is redelivered.
type offsetTracker struct {
	mu    sync.Mutex
	gen   uint64
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	gen      uint64
	inflight []int64 // fetched, ascending
	done     map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets)}
}

// track registers a fetched message and returns the generation its
// completion must be reported with. A fetch that does not move forward means
// the partition was reassigned or rewound and starts a new generation.
func (t *offsetTracker) track(msg kafka.Message) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.parts[msg.Partition]
	if p == nil || (len(p.inflight) > 0 && msg.Offset <= p.inflight[len(p.inflight)-1]) {
		t.gen++
		p = &partitionOffsets{gen: t.gen, done: make(map[int64]kafka.Message)}
		t.parts[msg.Partition] = p
	}
	p.inflight = append(p.inflight, msg.Offset)
	return p.gen
}

// complete marks msg processed. It returns the message to commit when the
// contiguous completed prefix of the partition advanced.
func (t *offsetTracker) complete(msg kafka.Message, gen uint64) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.parts[msg.Partition]
	if p == nil || p.gen != gen {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = msg

	var last kafka.Message
	advanced := false
	for len(p.inflight) > 0 {
		m, ok := p.done[p.inflight[0]]
		if !ok {
			break
		}
		delete(p.done, p.inflight[0])
		p.inflight = p.inflight[1:]
		last, advanced = m, true
	}
	return last, advanced
}
