package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"stockpulse/internal/engine"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
)

// Pool errors
var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool is stopped")
)

// EventProcessor runs one event through the rule pipeline.
type EventProcessor interface {
	Process(ctx context.Context, event *models.Event) (*engine.Result, error)
}

// Pool runs queued envelopes through the processor on a fixed number of
// workers. Envelopes from every source share the queue.
type Pool struct {
	processor      EventProcessor
	queue          chan *models.Envelope
	workers        int
	processTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Processor      EventProcessor
	Workers        int
	QueueSize      int
	ProcessTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		processor:      cfg.Processor,
		queue:          make(chan *models.Envelope, cfg.QueueSize),
		workers:        cfg.Workers,
		processTimeout: cfg.ProcessTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("queue_size", cap(p.queue)).
		Dur("process_timeout", p.processTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues an envelope, blocking until there is room, ctx is done or
// the pool stops.
func (p *Pool) Submit(ctx context.Context, env *models.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- env:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues an envelope without blocking.
func (p *Pool) TrySubmit(env *models.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- env:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new envelopes, drains the queue and waits for the workers.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Int("queued", len(p.queue)).Msg("stopping worker pool")

	// unblock senders waiting on a full queue before taking the write lock
	p.cancel()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes envelopes until the queue is closed and empty.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for env := range p.queue {
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		p.handle(id, env)
	}
}

// handle processes one envelope. The source is acked once the engine
// returned without an infrastructure error.
func (p *Pool) handle(id int, env *models.Envelope) {
	start := time.Now()
	log := logger.WithTenant("worker", env.Event.TenantID).With().
		Int("worker_id", id).
		Str("source", env.Source).
		Logger()

	res, err := p.process(env)
	if err != nil {
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		log.Error().
			Err(err).
			Str("event_id", env.Event.ID).
			Str("event_type", env.Event.Type).
			Dur("duration", time.Since(start)).
			Msg("event processing failed")
		return
	}

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
	if env.Ack != nil {
		env.Ack()
	}

	log.Debug().
		Str("event_id", res.EventID).
		Str("outcome", string(res.Outcome)).
		Int("actions_executed", res.ActionsExecuted).
		Dur("duration", time.Since(start)).
		Msg("event processed")
}

func (p *Pool) process(env *models.Envelope) (res *engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("worker")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	// processing outlives shutdown so the queue drains
	ctx, cancel := context.WithTimeout(context.Background(), p.processTimeout)
	defer cancel()
	return p.processor.Process(ctx, env.Event)
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.queue),
		Capacity:  cap(p.queue),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
}
