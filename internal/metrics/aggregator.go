package metrics

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"stockpulse/internal/clock"
)

// Sample names recorded by the engine
const (
	SampleEventProcessed   = "event.processed"
	SampleProcessingTime   = "event.processing_time"
	SampleDispatchSuccess  = "dispatch.success"
	SampleAlertCreated     = "alert.created"
	SampleAlertEscalated   = "alert.escalated"
	SampleAlertTransition  = "alert.transition"
	SampleNotificationSent = "notification.sent"
)

// Sample is an append-only metric observation.
type Sample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregate summarises one metric over a window.
type Aggregate struct {
	Name   string        `json:"name"`
	Unit   string        `json:"unit,omitempty"`
	Window time.Duration `json:"window"`
	Count  int           `json:"count"`
	Sum    float64       `json:"sum"`
	Avg    float64       `json:"avg"`
	Min    float64       `json:"min"`
	Max    float64       `json:"max"`
}

// Summary holds the rolling engine figures.
type Summary struct {
	Window              time.Duration `json:"window"`
	EventsProcessed     int           `json:"events_processed"`
	AlertsCreated       int           `json:"alerts_created"`
	AlertsEscalated     int           `json:"alerts_escalated"`
	AvgProcessingMs     float64       `json:"avg_processing_ms"`
	EWMAProcessingMs    float64       `json:"ewma_processing_ms"`
	DeliverySuccessRate float64       `json:"delivery_success_rate"`
	EscalationRate      float64       `json:"escalation_rate"`
}

// Health is a derived read; it never gates processing.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
	Summary Summary  `json:"summary"`
}

// HealthThresholds are the fixed limits used by HealthStatus.
type HealthThresholds struct {
	Window            time.Duration
	MinDeliveryRate   float64
	MaxEscalationRate float64
}

// Aggregator keeps metric samples in memory for windowed reads.
type Aggregator struct {
	mu         sync.RWMutex
	samples    map[string][]Sample
	retention  time.Duration
	clock      clock.Clock
	thresholds HealthThresholds
	processing ewma.MovingAverage
}

// NewAggregator creates an aggregator. Samples older than retention are
// dropped by Prune.
func NewAggregator(c clock.Clock, retention time.Duration, th HealthThresholds) *Aggregator {
	if c == nil {
		c = clock.Real()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if th.Window <= 0 {
		th.Window = 15 * time.Minute
	}
	return &Aggregator{
		samples:    make(map[string][]Sample),
		retention:  retention,
		clock:      c,
		thresholds: th,
		processing: ewma.NewMovingAverage(),
	}
}

// Record appends a sample stamped with the current time. The stamp is taken
// under the lock so each series stays in time order.
func (a *Aggregator) Record(name string, value float64, unit string) {
	a.mu.Lock()
	s := Sample{Name: name, Value: value, Unit: unit, Timestamp: a.clock.Now()}
	a.samples[name] = append(a.samples[name], s)
	if name == SampleProcessingTime {
		a.processing.Add(value)
	}
	a.mu.Unlock()
}

// Windowed aggregates samples of name recorded within the last window.
func (a *Aggregator) Windowed(name string, window time.Duration) Aggregate {
	cutoff := a.clock.Now().Add(-window)
	agg := Aggregate{Name: name, Window: window}

	a.mu.RLock()
	defer a.mu.RUnlock()

	samples := a.samples[name]
	// samples are appended in time order; walk back from the newest
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		if s.Timestamp.Before(cutoff) {
			break
		}
		if agg.Count == 0 {
			agg.Min, agg.Max, agg.Unit = s.Value, s.Value, s.Unit
		}
		agg.Count++
		agg.Sum += s.Value
		agg.Min = math.Min(agg.Min, s.Value)
		agg.Max = math.Max(agg.Max, s.Value)
	}
	if agg.Count > 0 {
		agg.Avg = agg.Sum / float64(agg.Count)
	}
	return agg
}

// Summary computes the rolling engine figures over window.
func (a *Aggregator) Summary(window time.Duration) Summary {
	processed := a.Windowed(SampleEventProcessed, window)
	latency := a.Windowed(SampleProcessingTime, window)
	dispatch := a.Windowed(SampleDispatchSuccess, window)
	created := a.Windowed(SampleAlertCreated, window)
	escalated := a.Windowed(SampleAlertEscalated, window)

	s := Summary{
		Window:              window,
		EventsProcessed:     processed.Count,
		AlertsCreated:       created.Count,
		AlertsEscalated:     escalated.Count,
		AvgProcessingMs:     latency.Avg,
		DeliverySuccessRate: 1,
	}
	if dispatch.Count > 0 {
		s.DeliverySuccessRate = dispatch.Sum / float64(dispatch.Count)
	}
	if created.Count > 0 {
		s.EscalationRate = float64(escalated.Count) / float64(created.Count)
	}

	a.mu.RLock()
	s.EWMAProcessingMs = a.processing.Value()
	a.mu.RUnlock()

	return s
}

// HealthStatus flags the engine unhealthy when delivery drops below or
// escalations climb above the configured limits.
func (a *Aggregator) HealthStatus() Health {
	s := a.Summary(a.thresholds.Window)
	h := Health{Healthy: true, Issues: []string{}, Summary: s}

	if s.DeliverySuccessRate < a.thresholds.MinDeliveryRate {
		h.Healthy = false
		h.Issues = append(h.Issues, fmt.Sprintf("delivery success rate %.2f below %.2f",
			s.DeliverySuccessRate, a.thresholds.MinDeliveryRate))
	}
	if s.EscalationRate > a.thresholds.MaxEscalationRate {
		h.Healthy = false
		h.Issues = append(h.Issues, fmt.Sprintf("escalation rate %.2f above %.2f",
			s.EscalationRate, a.thresholds.MaxEscalationRate))
	}
	return h
}

// Prune drops samples older than the retention period and returns how many
// were removed.
func (a *Aggregator) Prune() int {
	cutoff := a.clock.Now().Add(-a.retention)
	removed := 0

	a.mu.Lock()
	defer a.mu.Unlock()

	for name, samples := range a.samples {
		keep := 0
		for keep < len(samples) && samples[keep].Timestamp.Before(cutoff) {
			keep++
		}
		if keep == 0 {
			continue
		}
		removed += keep
		if keep == len(samples) {
			delete(a.samples, name)
			continue
		}
		a.samples[name] = append([]Sample(nil), samples[keep:]...)
	}
	return removed
}
