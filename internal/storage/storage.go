// Package storage persists rules, thresholds, alerts and audit records.
//
// Two implementations share the Store contract: an in-memory store for
// tests and single-node development, and a SQL store (SQLite or Postgres)
// built on sqlx.
package storage

import (
	"context"
	"fmt"
	"time"

	"stockpulse/internal/config"
	"stockpulse/internal/models"
)

// RuleRepository persists rules keyed by (tenant, id).
type RuleRepository interface {
	ListRules(ctx context.Context) ([]models.Rule, error)
	SaveRule(ctx context.Context, rule models.Rule) error
	DeleteRule(ctx context.Context, tenantID, id string) error
}

// ThresholdRepository persists tenant overrides keyed by (tenant, alertType).
type ThresholdRepository interface {
	ListThresholds(ctx context.Context, tenantID string) ([]models.Threshold, error)
	SaveThreshold(ctx context.Context, tenantID string, t models.Threshold) error
}

// AlertRepository persists alerts. State changes are conditional updates so
// concurrent writers cannot both win.
type AlertRepository interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)

	// CountOpenAlerts counts non-archived alerts of alertType. An empty
	// tenantID counts across all tenants.
	CountOpenAlerts(ctx context.Context, tenantID, alertType string) (int, error)

	// TransitionAlert moves the alert to `to` only while its status is one
	// of from. Returns ErrStaleState when the status no longer matches.
	TransitionAlert(ctx context.Context, tenantID, id string, from []models.AlertStatus, to models.AlertStatus, reason string, at time.Time) (*models.Alert, error)

	// EscalateAlert applies only to ACTIVE alerts that were never escalated.
	// Returns ErrStaleState otherwise.
	EscalateAlert(ctx context.Context, tenantID, id string, severity models.Priority, at time.Time) (*models.Alert, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	AppendAudit(ctx context.Context, rec models.AuditRecord) error
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	RuleRepository
	ThresholdRepository
	AlertRepository
	AuditRepository

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return NewSQLStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// timestampColumn maps a target status to the column recording when it was
// entered.
func timestampColumn(to models.AlertStatus) string {
	switch to {
	case models.StatusAcknowledged:
		return "acknowledged_at"
	case models.StatusResolved:
		return "resolved_at"
	case models.StatusArchived:
		return "archived_at"
	default:
		return ""
	}
}

func containsStatus(list []models.AlertStatus, s models.AlertStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
