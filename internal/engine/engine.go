// Package engine runs one event through the event-condition-action
// pipeline: rule lookup, condition evaluation, action dispatch and alert
// creation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockpulse/internal/actions"
	"stockpulse/internal/alerts"
	"stockpulse/internal/clock"
	"stockpulse/internal/conditions"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
	"stockpulse/internal/state"
)

// Outcome classifies what happened to an event.
type Outcome string

const (
	OutcomeRejected         Outcome = "rejected"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeNoMatchingRule   Outcome = "no_matching_rule"
	OutcomeConditionsNotMet Outcome = "conditions_not_met"
	OutcomeMatched          Outcome = "matched"
)

// RuleMatch is one rule whose conditions held.
type RuleMatch struct {
	RuleID   string                 `json:"rule_id"`
	RuleName string                 `json:"rule_name"`
	Results  []actions.ActionResult `json:"results"`
	AlertID  string                 `json:"alert_id,omitempty"`
	// Set when the rule's alert type has no threshold entry
	AlertError string `json:"alert_error,omitempty"`
}

// Result reports the processing of one event. Validation and lookup
// outcomes are carried here, never as errors.
type Result struct {
	EventID         string        `json:"event_id,omitempty"`
	EventType       string        `json:"event_type"`
	TenantID        string        `json:"tenant_id"`
	Outcome         Outcome       `json:"outcome"`
	Reason          string        `json:"reason,omitempty"`
	Matches         []RuleMatch   `json:"matches,omitempty"`
	ActionsExecuted int           `json:"actions_executed"`
	Duration        time.Duration `json:"duration"`
}

// RuleSource returns the enabled candidate rules for an event.
type RuleSource interface {
	Candidates(ctx context.Context, eventType, tenantID string) []models.Rule
}

// ThresholdSource resolves threshold-bound condition values.
type ThresholdSource interface {
	Effective(ctx context.Context, tenantID, alertType string) (models.EffectiveThreshold, error)
}

// ActionDispatcher runs a rule's actions.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, actions []models.Action, event *models.Event) []actions.ActionResult
}

// AlertCreator raises alerts for matched rules.
type AlertCreator interface {
	Create(ctx context.Context, req alerts.CreateRequest) (*models.Alert, error)
}

// Recorder receives metric samples.
type Recorder interface {
	Record(name string, value float64, unit string)
}

// Config wires the engine. Dedup and Recorder are optional.
type Config struct {
	Rules      RuleSource
	Thresholds ThresholdSource
	Dispatcher ActionDispatcher
	Alerts     AlertCreator
	Dedup      state.ClaimStore
	DedupTTL   time.Duration
	Recorder   Recorder
	Clock      clock.Clock
}

// Engine processes events. It is safe for concurrent use.
type Engine struct {
	rules      RuleSource
	thresholds ThresholdSource
	dispatcher ActionDispatcher
	alerts     AlertCreator
	dedup      state.ClaimStore
	dedupTTL   time.Duration
	recorder   Recorder
	clock      clock.Clock
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	return &Engine{
		rules:      cfg.Rules,
		thresholds: cfg.Thresholds,
		dispatcher: cfg.Dispatcher,
		alerts:     cfg.Alerts,
		dedup:      cfg.Dedup,
		dedupTTL:   cfg.DedupTTL,
		recorder:   cfg.Recorder,
		clock:      cfg.Clock,
	}
}

// Process runs every enabled candidate rule against the event. Once a rule
// matched, the caller's cancellation no longer applies: actions and alert
// creation always run to completion. Only infrastructure failures are
// returned as errors; the event id claim is then released so a retry or a
// redelivery is processed again.
func (e *Engine) Process(ctx context.Context, event *models.Event) (res *Result, err error) {
	start := time.Now()
	event.Normalize()

	res = &Result{EventID: event.ID, EventType: event.Type, TenantID: event.TenantID}
	log := logger.WithTenant("engine", event.TenantID).With().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Logger()

	defer func() {
		res.Duration = time.Since(start)
		metrics.RuleOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
		if res.Outcome == OutcomeRejected || res.Outcome == OutcomeDuplicate {
			return
		}
		metrics.EventProcessingDuration.Observe(res.Duration.Seconds())
		e.record(metrics.SampleEventProcessed, 1, "count")
		e.record(metrics.SampleProcessingTime, float64(res.Duration.Microseconds())/1000, "ms")
	}()

	if err := event.Validate(); err != nil {
		res.Outcome = OutcomeRejected
		res.Reason = err.Error()
		log.Debug().Err(err).Msg("event rejected")
		return res, nil
	}

	key, first := e.claim(ctx, event)
	if !first {
		res.Outcome = OutcomeDuplicate
		log.Debug().Msg("duplicate event dropped")
		return res, nil
	}
	if key != "" {
		defer func() {
			if err != nil {
				e.release(ctx, event, key)
			}
		}()
	}

	candidates := e.rules.Candidates(ctx, event.Type, event.TenantID)
	if len(candidates) == 0 {
		res.Outcome = OutcomeNoMatchingRule
		res.Reason = fmt.Sprintf("no enabled rule for %s", event.Type)
		log.Debug().Msg("no matching rule")
		return res, nil
	}

	for i := range candidates {
		rule, err := e.bindThresholds(ctx, candidates[i], event.TenantID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				return res, fmt.Errorf("thresholds for rule %s: %w", rule.ID, err)
			}
			// an unresolvable threshold never matches
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("rule %s: %v", rule.ID, err)
			}
			log.Warn().Err(err).Str("rule_id", rule.ID).Msg("threshold lookup failed")
			continue
		}

		ok, reason := conditions.EvaluateRule(&rule, event.Data)
		if !ok {
			if res.Reason == "" {
				res.Reason = fmt.Sprintf("rule %s: %s", rule.ID, reason)
			}
			log.Debug().Str("rule_id", rule.ID).Str("reason", reason).Msg("conditions not met")
			continue
		}

		// past this point the event is committed to the rule's side effects
		ctx = context.WithoutCancel(ctx)

		match, err := e.execute(ctx, rule, event)
		res.Matches = append(res.Matches, match)
		res.ActionsExecuted += len(match.Results)
		if err != nil {
			res.Outcome = OutcomeMatched
			res.Reason = ""
			return res, err
		}
	}

	if len(res.Matches) == 0 {
		res.Outcome = OutcomeConditionsNotMet
		return res, nil
	}

	res.Outcome = OutcomeMatched
	res.Reason = ""
	log.Info().
		Int("rules_matched", len(res.Matches)).
		Int("actions_executed", res.ActionsExecuted).
		Msg("event matched")
	return res, nil
}

func (e *Engine) execute(ctx context.Context, rule models.Rule, event *models.Event) (RuleMatch, error) {
	match := RuleMatch{RuleID: rule.ID, RuleName: rule.Name}
	match.Results = e.dispatcher.Dispatch(ctx, rule.Actions, event)

	success := 1.0
	for _, r := range match.Results {
		if !r.Success {
			success = 0
			break
		}
	}
	e.record(metrics.SampleDispatchSuccess, success, "bool")

	if rule.AlertType == "" || e.alerts == nil {
		return match, nil
	}
	alert, err := e.alerts.Create(ctx, alerts.CreateRequest{
		TenantID:  event.TenantID,
		AlertType: rule.AlertType,
		RuleID:    rule.ID,
		EventType: event.Type,
		Message:   rule.AlertMessage,
		Data:      event.Data,
		Metadata:  map[string]any{"event_id": event.ID, "event": event.Data},
	})
	if errors.Is(err, models.ErrNotFound) {
		match.AlertError = err.Error()
		log := logger.WithTenant("engine", event.TenantID)
		log.Warn().Err(err).Str("rule_id", rule.ID).Str("alert_type", rule.AlertType).Msg("alert not raised")
		return match, nil
	}
	if err != nil {
		return match, fmt.Errorf("create alert for rule %s: %w", rule.ID, err)
	}
	match.AlertID = alert.ID
	return match, nil
}

// bindThresholds replaces the value of threshold-bound conditions with the
// tenant's effective threshold value. A failed lookup is returned; the rule
// must not be evaluated with the condition unbound.
func (e *Engine) bindThresholds(ctx context.Context, rule models.Rule, tenantID string) (models.Rule, error) {
	if e.thresholds == nil {
		return rule, nil
	}
	bind := func(conds []models.Condition) error {
		for i, c := range conds {
			if c.Threshold == "" {
				continue
			}
			th, err := e.thresholds.Effective(ctx, tenantID, c.Threshold)
			if err != nil {
				return err
			}
			conds[i].Value = th.Value
		}
		return nil
	}
	if err := bind(rule.Conditions); err != nil {
		return rule, err
	}
	for _, g := range rule.AdditionalConditions {
		if err := bind(g.Conditions); err != nil {
			return rule, err
		}
	}
	return rule, nil
}

// claim takes the event id. key is empty when nothing was claimed; claim
// failures let the event through.
func (e *Engine) claim(ctx context.Context, event *models.Event) (key string, first bool) {
	if e.dedup == nil || event.ID == "" {
		return "", true
	}
	key = event.TenantID + "/" + event.ID
	first, err := e.dedup.Claim(ctx, key, e.dedupTTL)
	if err != nil {
		log := logger.WithTenant("engine", event.TenantID)
		log.Warn().Err(err).Str("event_id", event.ID).Msg("dedup claim failed")
		return "", true
	}
	return key, first
}

func (e *Engine) release(ctx context.Context, event *models.Event, key string) {
	if err := e.dedup.Release(context.WithoutCancel(ctx), key); err != nil {
		log := logger.WithTenant("engine", event.TenantID)
		log.Error().Err(err).Str("event_id", event.ID).Msg("dedup release failed")
	}
}

func (e *Engine) record(name string, value float64, unit string) {
	if e.recorder != nil {
		e.recorder.Record(name, value, unit)
	}
}
