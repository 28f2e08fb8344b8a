// Package escalation schedules one-shot, cancellable escalation timers.
package escalation

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"stockpulse/internal/clock"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
)

// Timer is an armed escalation for one alert.
type Timer struct {
	AlertID  string          `json:"alert_id"`
	TenantID string          `json:"tenant_id"`
	FireAt   time.Time       `json:"fire_at"`
	Priority models.Priority `json:"priority"`
}

// Escalator performs the escalation when a timer fires. It must decide
// atomically whether the alert is still eligible.
type Escalator interface {
	Escalate(ctx context.Context, tenantID, alertID string) (bool, error)
}

type item struct {
	timer Timer
	index int
}

type timerHeap []*item

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].timer.FireAt.Equal(h[j].timer.FireAt) {
		return h[i].timer.AlertID < h[j].timer.AlertID
	}
	return h[i].timer.FireAt.Before(h[j].timer.FireAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler keeps timers in a min-heap ordered by fire time, indexed by
// alert id.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	byAlert map[string]*item
	clock   clock.Clock
	maxIdle time.Duration
	wake    chan struct{}
}

// NewScheduler creates a scheduler. maxIdle bounds how long Run sleeps
// between checks.
func NewScheduler(c clock.Clock, maxIdle time.Duration) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	if maxIdle <= 0 {
		maxIdle = time.Minute
	}
	return &Scheduler{
		byAlert: make(map[string]*item),
		clock:   c,
		maxIdle: maxIdle,
		wake:    make(chan struct{}, 1),
	}
}

// Arm schedules t. Re-arming an alert replaces its previous timer.
func (s *Scheduler) Arm(t Timer) {
	s.mu.Lock()
	if it, ok := s.byAlert[t.AlertID]; ok {
		it.timer = t
		heap.Fix(&s.heap, it.index)
	} else {
		it := &item{timer: t}
		heap.Push(&s.heap, it)
		s.byAlert[t.AlertID] = it
	}
	n := len(s.heap)
	s.mu.Unlock()

	metrics.EscalationTimersPending.Set(float64(n))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel drops the alert's timer. Returns false when none was armed.
func (s *Scheduler) Cancel(alertID string) bool {
	s.mu.Lock()
	it, ok := s.byAlert[alertID]
	if ok {
		heap.Remove(&s.heap, it.index)
		delete(s.byAlert, alertID)
	}
	n := len(s.heap)
	s.mu.Unlock()

	metrics.EscalationTimersPending.Set(float64(n))
	return ok
}

// Pending returns the armed timer for the alert, if any.
func (s *Scheduler) Pending(alertID string) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byAlert[alertID]
	if !ok {
		return Timer{}, false
	}
	return it.timer, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// next returns the earliest fire time.
func (s *Scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].timer.FireAt, true
}

// popDue removes and returns the earliest timer if it is due.
func (s *Scheduler) popDue(now time.Time) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 || s.heap[0].timer.FireAt.After(now) {
		return Timer{}, false
	}
	it := heap.Pop(&s.heap).(*item)
	delete(s.byAlert, it.timer.AlertID)
	return it.timer, true
}

// RunDue fires every timer due at the current clock time and returns how
// many fired. Fired timers are never re-armed here.
func (s *Scheduler) RunDue(ctx context.Context, e Escalator) int {
	log := logger.WithComponent("escalation")
	now := s.clock.Now()
	fired := 0

	for {
		t, ok := s.popDue(now)
		if !ok {
			break
		}
		fired++

		escalated, err := e.Escalate(ctx, t.TenantID, t.AlertID)
		if err != nil {
			log.Error().
				Err(err).
				Str("tenant_id", t.TenantID).
				Str("alert_id", t.AlertID).
				Msg("escalation failed")
			continue
		}
		log.Debug().
			Str("tenant_id", t.TenantID).
			Str("alert_id", t.AlertID).
			Bool("escalated", escalated).
			Msg("escalation timer fired")
	}

	metrics.EscalationTimersPending.Set(float64(s.Len()))
	return fired
}

// Run fires due timers until ctx is cancelled, sleeping until the next
// fire time, an Arm wake-up or maxIdle.
func (s *Scheduler) Run(ctx context.Context, e Escalator) {
	log := logger.WithComponent("escalation")
	log.Info().Dur("max_idle", s.maxIdle).Msg("escalation loop started")
	defer log.Info().Msg("escalation loop stopped")

	for {
		s.RunDue(ctx, e)

		wait := s.maxIdle
		if at, ok := s.next(); ok {
			if d := at.Sub(s.clock.Now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
