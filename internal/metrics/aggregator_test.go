package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stockpulse/internal/clock"
)

func newTestAggregator() (*Aggregator, *clock.Fake) {
	c := clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	return NewAggregator(c, time.Hour, HealthThresholds{
		Window:            15 * time.Minute,
		MinDeliveryRate:   0.9,
		MaxEscalationRate: 0.5,
	}), c
}

func TestWindowed(t *testing.T) {
	a, c := newTestAggregator()

	a.Record(SampleProcessingTime, 40, "ms")
	c.Advance(20 * time.Minute)
	a.Record(SampleProcessingTime, 10, "ms")
	a.Record(SampleProcessingTime, 30, "ms")

	agg := a.Windowed(SampleProcessingTime, 10*time.Minute)
	assert.Equal(t, 2, agg.Count)
	assert.Equal(t, 40.0, agg.Sum)
	assert.Equal(t, 20.0, agg.Avg)
	assert.Equal(t, 10.0, agg.Min)
	assert.Equal(t, 30.0, agg.Max)
	assert.Equal(t, "ms", agg.Unit)

	all := a.Windowed(SampleProcessingTime, time.Hour)
	assert.Equal(t, 3, all.Count)

	assert.Equal(t, 0, a.Windowed("unknown", time.Hour).Count)
}

func TestHealthStatusHealthyWithoutSamples(t *testing.T) {
	a, _ := newTestAggregator()

	h := a.HealthStatus()
	assert.True(t, h.Healthy)
	assert.Empty(t, h.Issues)
	assert.Equal(t, 1.0, h.Summary.DeliverySuccessRate)
}

func TestHealthStatusFlagsDeliveryRate(t *testing.T) {
	a, _ := newTestAggregator()

	for i := 0; i < 8; i++ {
		a.Record(SampleDispatchSuccess, 1, "bool")
	}
	a.Record(SampleDispatchSuccess, 0, "bool")
	a.Record(SampleDispatchSuccess, 0, "bool")

	h := a.HealthStatus()
	assert.False(t, h.Healthy)
	assert.InDelta(t, 0.8, h.Summary.DeliverySuccessRate, 1e-9)
	assert.Len(t, h.Issues, 1)
	assert.Contains(t, h.Issues[0], "delivery success rate")
}

func TestHealthStatusFlagsEscalationRate(t *testing.T) {
	a, _ := newTestAggregator()

	a.Record(SampleAlertCreated, 1, "count")
	a.Record(SampleAlertCreated, 1, "count")
	a.Record(SampleAlertEscalated, 1, "count")
	a.Record(SampleAlertEscalated, 1, "count")

	h := a.HealthStatus()
	assert.False(t, h.Healthy)
	assert.Equal(t, 1.0, h.Summary.EscalationRate)
	assert.Contains(t, h.Issues[0], "escalation rate")
}

func TestPrune(t *testing.T) {
	a, c := newTestAggregator()

	a.Record(SampleEventProcessed, 1, "count")
	a.Record(SampleAlertCreated, 1, "count")
	c.Advance(90 * time.Minute)
	a.Record(SampleEventProcessed, 1, "count")

	assert.Equal(t, 2, a.Prune())
	assert.Equal(t, 1, a.Windowed(SampleEventProcessed, 24*time.Hour).Count)
	assert.Equal(t, 0, a.Windowed(SampleAlertCreated, 24*time.Hour).Count)
}

func TestSummaryEWMA(t *testing.T) {
	a, _ := newTestAggregator()

	for i := 0; i < 20; i++ {
		a.Record(SampleProcessingTime, 5, "ms")
	}
	s := a.Summary(time.Hour)
	assert.Equal(t, 5.0, s.AvgProcessingMs)
	assert.InDelta(t, 5.0, s.EWMAProcessingMs, 0.5)
}

// stepClock moves forward a millisecond on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func TestConcurrentRecordKeepsTimeOrder(t *testing.T) {
	c := &stepClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	a := NewAggregator(c, time.Hour, HealthThresholds{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a.Record(SampleEventProcessed, 1, "count")
			}
		}()
	}
	wg.Wait()

	samples := a.samples[SampleEventProcessed]
	assert.Len(t, samples, 1600)
	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp.Before(samples[i-1].Timestamp) {
			t.Fatalf("sample %d recorded out of order", i)
		}
	}
	assert.Equal(t, 1600, a.Windowed(SampleEventProcessed, time.Hour).Count)
}
