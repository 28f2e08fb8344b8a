// Package alerts drives alerts through their lifecycle:
// ACTIVE -> ACKNOWLEDGED -> RESOLVED -> ARCHIVED, with ACTIVE -> RESOLVED
// allowed directly.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stockpulse/internal/clock"
	"stockpulse/internal/escalation"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/models"
	"stockpulse/internal/notify"
	"stockpulse/internal/storage"
)

// Lifecycle event types
const (
	EventCreated      = "created"
	EventAcknowledged = "acknowledged"
	EventResolved     = "resolved"
	EventArchived     = "archived"
	EventEscalated    = "escalated"
)

// Repository is the persistence the manager needs.
type Repository interface {
	storage.AlertRepository
	storage.AuditRepository
}

// ThresholdSource resolves the tenant's effective threshold.
type ThresholdSource interface {
	Effective(ctx context.Context, tenantID, alertType string) (models.EffectiveThreshold, error)
}

// Timers arms and cancels escalation timers.
type Timers interface {
	Arm(t escalation.Timer)
	Cancel(alertID string) bool
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	PublishAlertEvent(ctx context.Context, ev models.AlertEvent) error
}

// Recorder receives metric samples.
type Recorder interface {
	Record(name string, value float64, unit string)
}

// CreateRequest describes the alert raised by a rule match.
type CreateRequest struct {
	TenantID  string
	AlertType string
	RuleID    string
	EventType string
	// text/template rendered against Data
	Message  string
	Data     map[string]any
	Metadata map[string]any
}

// Config wires the manager's collaborators. Events and Recorder are
// optional.
type Config struct {
	Repo       Repository
	Thresholds ThresholdSource
	Channel    notify.Channel
	Timers     Timers
	Events     EventPublisher
	Recorder   Recorder
	Clock      clock.Clock
}

// Manager owns alert state changes.
type Manager struct {
	repo       Repository
	thresholds ThresholdSource
	channel    notify.Channel
	timers     Timers
	events     EventPublisher
	recorder   Recorder
	clock      clock.Clock
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		repo:       cfg.Repo,
		thresholds: cfg.Thresholds,
		channel:    cfg.Channel,
		timers:     cfg.Timers,
		events:     cfg.Events,
		recorder:   cfg.Recorder,
		clock:      cfg.Clock,
	}
}

// Create raises a new ACTIVE alert, notifies and arms escalation when the
// threshold auto-escalates.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Alert, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, models.ErrMissingTenant
	}
	th, err := m.thresholds.Effective(ctx, req.TenantID, req.AlertType)
	if err != nil {
		return nil, fmt.Errorf("threshold for %s: %w", req.AlertType, err)
	}

	text := req.Message
	if text == "" {
		text = th.Description
	}
	if text == "" {
		text = req.AlertType
	}
	msg, err := notify.Render(text, req.Data)
	if err != nil {
		msg = text
	}

	now := m.clock.Now()
	alert := &models.Alert{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		AlertType: req.AlertType,
		RuleID:    req.RuleID,
		EventType: req.EventType,
		Severity:  th.Priority,
		Status:    models.StatusActive,
		Message:   msg,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}

	log := logger.WithAlert("alerts", alert.TenantID, alert.ID)
	log.Info().
		Str("alert_type", alert.AlertType).
		Str("severity", string(alert.Severity)).
		Str("rule_id", alert.RuleID).
		Msg("alert created")

	metrics.AlertTransitionsTotal.WithLabelValues(string(models.StatusActive)).Inc()
	m.record(metrics.SampleAlertCreated, 1, "count")
	m.audit(ctx, alert, models.ChangeCreate, "system", "", map[string]any{"status": alert.Status, "severity": alert.Severity})
	m.publish(ctx, alert, EventCreated, "system", "")
	m.notify(ctx, alert, th.NotificationChannels(), false)

	if th.AutoEscalate && m.timers != nil {
		fireAt := now.Add(th.EscalationDelay())
		m.timers.Arm(escalation.Timer{
			AlertID:  alert.ID,
			TenantID: alert.TenantID,
			FireAt:   fireAt,
			Priority: alert.Severity,
		})
		log.Debug().Time("fire_at", fireAt).Msg("escalation armed")
	}
	return alert, nil
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (m *Manager) Acknowledge(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error) {
	return m.transition(ctx, tenantID, id, models.StatusAcknowledged, reason, actor)
}

// Resolve moves an ACTIVE or ACKNOWLEDGED alert to RESOLVED.
func (m *Manager) Resolve(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error) {
	return m.transition(ctx, tenantID, id, models.StatusResolved, reason, actor)
}

// Archive moves a RESOLVED alert to ARCHIVED.
func (m *Manager) Archive(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error) {
	return m.transition(ctx, tenantID, id, models.StatusArchived, reason, actor)
}

func (m *Manager) transition(ctx context.Context, tenantID, id string, to models.AlertStatus, reason, actor string) (*models.Alert, error) {
	current, err := m.repo.GetAlert(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(current.Status, to) {
		return nil, fmt.Errorf("alert %s from %s to %s: %w", id, current.Status, to, models.ErrInvalidTransition)
	}

	updated, err := m.repo.TransitionAlert(ctx, tenantID, id, models.SourcesFor(to), to, reason, m.clock.Now())
	if errors.Is(err, models.ErrStaleState) {
		return nil, fmt.Errorf("alert %s changed concurrently: %w", id, models.ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}

	if m.timers != nil {
		m.timers.Cancel(id)
	}

	log := logger.WithAlert("alerts", tenantID, id)
	log.Info().
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("alert transitioned")

	metrics.AlertTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.record(metrics.SampleAlertTransition, 1, "count")
	m.audit(ctx, updated, models.ChangeUpdate, actor, reason, map[string]any{"from": current.Status, "to": to})
	m.publish(ctx, updated, strings.ToLower(string(to)), actor, reason)
	return updated, nil
}

// Escalate raises an ACTIVE, never-escalated alert one severity level, or
// re-notifies when it is already CRITICAL. The eligibility check and the
// update are one conditional write, so a concurrent acknowledge or a second
// firing leaves the alert untouched and returns false.
func (m *Manager) Escalate(ctx context.Context, tenantID, id string) (bool, error) {
	log := logger.WithAlert("alerts", tenantID, id)

	current, err := m.repo.GetAlert(ctx, tenantID, id)
	if err != nil {
		metrics.EscalationsTotal.WithLabelValues("failed").Inc()
		return false, err
	}
	if current.Status != models.StatusActive || current.LastEscalatedAt != nil {
		metrics.EscalationsTotal.WithLabelValues("skipped").Inc()
		log.Debug().Str("status", string(current.Status)).Msg("escalation skipped")
		return false, nil
	}

	next, raised := current.Severity.Next()
	updated, err := m.repo.EscalateAlert(ctx, tenantID, id, next, m.clock.Now())
	if errors.Is(err, models.ErrStaleState) {
		metrics.EscalationsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if err != nil {
		metrics.EscalationsTotal.WithLabelValues("failed").Inc()
		return false, err
	}

	result := "renotified"
	channels := updated.Severity.DefaultChannels()
	if raised {
		result = "escalated"
	} else if th, err := m.thresholds.Effective(ctx, tenantID, updated.AlertType); err == nil {
		channels = th.NotificationChannels()
	}

	log.Info().
		Str("from", string(current.Severity)).
		Str("to", string(updated.Severity)).
		Str("result", result).
		Msg("alert escalated")

	metrics.EscalationsTotal.WithLabelValues(result).Inc()
	m.record(metrics.SampleAlertEscalated, 1, "count")
	m.audit(ctx, updated, models.ChangeEscalate, "system", "", map[string]any{"from": current.Severity, "to": updated.Severity})
	m.publish(ctx, updated, EventEscalated, "system", "")
	m.notify(ctx, updated, channels, true)
	return true, nil
}

// Get returns one alert of the tenant.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	return m.repo.GetAlert(ctx, tenantID, id)
}

// List returns the tenant's alerts matching filter.
func (m *Manager) List(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, models.ErrMissingTenant
	}
	return m.repo.ListAlerts(ctx, filter)
}

// RestoreTimers re-arms escalation for ACTIVE, never-escalated alerts of
// auto-escalating types. Timers live only in memory, so this runs on start.
func (m *Manager) RestoreTimers(ctx context.Context) (int, error) {
	if m.timers == nil {
		return 0, nil
	}
	active, err := m.repo.ListAlerts(ctx, models.AlertFilter{Statuses: []models.AlertStatus{models.StatusActive}})
	if err != nil {
		return 0, fmt.Errorf("list active alerts: %w", err)
	}

	log := logger.WithComponent("alerts")
	armed := 0
	for _, a := range active {
		if a.LastEscalatedAt != nil {
			continue
		}
		th, err := m.thresholds.Effective(ctx, a.TenantID, a.AlertType)
		if err != nil {
			log.Warn().Err(err).Str("alert_id", a.ID).Msg("no threshold for active alert")
			continue
		}
		if !th.AutoEscalate {
			continue
		}
		m.timers.Arm(escalation.Timer{
			AlertID:  a.ID,
			TenantID: a.TenantID,
			FireAt:   a.CreatedAt.Add(th.EscalationDelay()),
			Priority: a.Severity,
		})
		armed++
	}

	log.Info().Int("armed", armed).Int("active", len(active)).Msg("escalation timers restored")
	return armed, nil
}

func (m *Manager) notify(ctx context.Context, a *models.Alert, channels []string, escalated bool) {
	if m.channel == nil {
		return
	}
	msg := a.Message
	if escalated {
		msg = "[ESCALATED] " + msg
	}
	err := m.channel.Send(ctx, notify.Notification{
		TenantID:        a.TenantID,
		AlertID:         a.ID,
		AlertType:       a.AlertType,
		Priority:        a.Severity,
		Channels:        channels,
		RenderedMessage: msg,
		Escalated:       escalated,
		Timestamp:       m.clock.Now(),
	})
	if err != nil {
		log := logger.WithAlert("alerts", a.TenantID, a.ID)
		log.Warn().Err(err).Msg("notification failed")
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		m.record(metrics.SampleNotificationSent, 0, "bool")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	m.record(metrics.SampleNotificationSent, 1, "bool")
}

func (m *Manager) publish(ctx context.Context, a *models.Alert, eventType, actor, reason string) {
	if m.events == nil {
		return
	}
	err := m.events.PublishAlertEvent(ctx, models.AlertEvent{
		Type:      eventType,
		TenantID:  a.TenantID,
		AlertID:   a.ID,
		AlertType: a.AlertType,
		Status:    a.Status,
		Severity:  a.Severity,
		Actor:     actor,
		Reason:    reason,
		Timestamp: m.clock.Now(),
	})
	if err != nil {
		log := logger.WithAlert("alerts", a.TenantID, a.ID)
		log.Warn().Err(err).Str("event", eventType).Msg("failed to publish alert event")
	}
}

func (m *Manager) audit(ctx context.Context, a *models.Alert, change, actor, reason string, diff map[string]any) {
	err := m.repo.AppendAudit(ctx, models.AuditRecord{
		ID:         uuid.NewString(),
		TenantID:   a.TenantID,
		Kind:       models.AuditAlert,
		EntityID:   a.ID,
		ChangeType: change,
		ChangedBy:  actor,
		Diff:       diff,
		Reason:     reason,
		Timestamp:  m.clock.Now(),
	})
	if err != nil {
		log := logger.WithAlert("alerts", a.TenantID, a.ID)
		log.Error().Err(err).Str("change", change).Msg("failed to record alert audit")
	}
}

func (m *Manager) record(name string, value float64, unit string) {
	if m.recorder != nil {
		m.recorder.Record(name, value, unit)
	}
}
