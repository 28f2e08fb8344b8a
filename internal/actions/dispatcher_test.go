package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/models"
	"stockpulse/internal/notify"
)

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []models.Command
	fail map[string]bool
}

func (p *recordingPublisher) PublishCommand(_ context.Context, cmd models.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[cmd.Operation] {
		return errors.New("service unavailable")
	}
	p.cmds = append(p.cmds, cmd)
	return nil
}

func saleEvent() *models.Event {
	return &models.Event{
		ID:        "evt-1",
		Type:      "sale_completed",
		TenantID:  "t1",
		Data:      map[string]any{"total_amount": 150, "status": "completed"},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	for k := 0; k < 4; k++ {
		d := NewDispatcher()
		calls := 0
		d.Register("step", func(_ context.Context, a models.Action, _ *models.Event) error {
			calls++
			if a.Handler == "fail" {
				return errors.New("boom")
			}
			return nil
		})

		actions := make([]models.Action, 4)
		for i := range actions {
			actions[i] = models.Action{Type: "step", Handler: "ok"}
		}
		actions[k].Handler = "fail"

		results := d.Dispatch(context.Background(), actions, saleEvent())
		require.Len(t, results, 4)
		assert.Equal(t, 4, calls)
		for i, r := range results {
			assert.Equal(t, i, r.Index)
			if i == k {
				assert.False(t, r.Success)
				assert.Equal(t, "boom", r.Error)
			} else {
				assert.True(t, r.Success, "index %d", i)
			}
		}
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := NewDispatcher()
	d.Register("panic", func(context.Context, models.Action, *models.Event) error { panic("kaboom") })
	d.Register("log", LogHandler())

	results := d.Dispatch(context.Background(), []models.Action{
		{Type: "panic"},
		{Type: "log", Handler: "after"},
	}, saleEvent())

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "kaboom")
	assert.True(t, results[1].Success)
}

func TestDispatchUnsupportedType(t *testing.T) {
	d := NewDispatcher()
	results := d.Dispatch(context.Background(), []models.Action{{Type: "webhook"}}, saleEvent())
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, models.ErrUnsupportedAction.Error())
}

func TestSaleScenario(t *testing.T) {
	pub := &recordingPublisher{fail: map[string]bool{"updateRFM": true}}
	d := NewDispatcher()
	RegisterBuiltins(d, pub, notify.LogChannel{})

	results := d.Dispatch(context.Background(), []models.Action{
		{Type: "service", Handler: "decreaseStock"},
		{Type: "service", Handler: "updateRFM"},
		{Type: "service", Handler: "createReceipt"},
	}, saleEvent())

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)

	require.Len(t, pub.cmds, 2)
	assert.Equal(t, "decreaseStock", pub.cmds[0].Operation)
	assert.Equal(t, "createReceipt", pub.cmds[1].Operation)
	assert.Equal(t, "t1", pub.cmds[0].TenantID)
	assert.Equal(t, "evt-1", pub.cmds[0].EventID)
}

func TestNotifyHandler(t *testing.T) {
	var got notify.Notification
	ch := notify.ChannelFunc(func(_ context.Context, n notify.Notification) error {
		got = n
		return nil
	})

	h := NotifyHandler(ch)
	err := h(context.Background(), models.Action{
		Type:    "notify",
		Handler: "big_sale",
		Parameters: map[string]any{
			"message":  "sale of {{.total_amount}}",
			"priority": "warning",
			"channels": []any{"email"},
		},
	}, saleEvent())
	require.NoError(t, err)

	assert.Equal(t, "sale of 150", got.RenderedMessage)
	assert.Equal(t, models.PriorityWarning, got.Priority)
	assert.Equal(t, []string{"email"}, got.Channels)
	assert.Equal(t, "t1", got.TenantID)
}
