// Package actions runs the ordered actions of a matched rule.
package actions

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
)

// Handler executes one action for an event.
type Handler func(ctx context.Context, action models.Action, event *models.Event) error

// ActionResult is the outcome of one action. Index matches the position in
// the rule's action list.
type ActionResult struct {
	Index    int           `json:"index"`
	Type     string        `json:"type"`
	Handler  string        `json:"handler"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Dispatcher maps action types to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds an action type to a handler, replacing any previous one.
func (d *Dispatcher) Register(actionType string, h Handler) {
	d.mu.Lock()
	d.handlers[strings.ToLower(actionType)] = h
	d.mu.Unlock()
}

// Types lists the registered action types.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch runs actions sequentially in declared order. A failing or
// panicking action is recorded in its result and never stops the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []models.Action, event *models.Event) []ActionResult {
	results := make([]ActionResult, len(actions))
	for i, a := range actions {
		results[i] = d.run(ctx, i, a, event)
	}
	return results
}

func (d *Dispatcher) run(ctx context.Context, index int, action models.Action, event *models.Event) (res ActionResult) {
	log := logger.WithTenant("actions", event.TenantID)
	start := time.Now()

	res = ActionResult{Index: index, Type: action.Type, Handler: action.Handler}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("action_type", action.Type).
				Str("handler", action.Handler).
				Msg("action panic recovered")
			metrics.PanicsRecovered.WithLabelValues("action").Inc()
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)

		status := "success"
		if !res.Success {
			status = "failed"
		}
		metrics.ActionsTotal.WithLabelValues(action.Type, status).Inc()
	}()

	d.mu.RLock()
	h, ok := d.handlers[strings.ToLower(action.Type)]
	d.mu.RUnlock()
	if !ok {
		res.Error = fmt.Sprintf("%s: %q", models.ErrUnsupportedAction, action.Type)
		log.Warn().Str("action_type", action.Type).Msg("unsupported action type")
		return res
	}

	if err := h(ctx, action, event); err != nil {
		res.Error = err.Error()
		log.Warn().
			Err(err).
			Int("index", index).
			Str("action_type", action.Type).
			Str("handler", action.Handler).
			Msg("action failed")
		return res
	}

	res.Success = true
	log.Debug().
		Int("index", index).
		Str("action_type", action.Type).
		Str("handler", action.Handler).
		Msg("action executed")
	return res
}
