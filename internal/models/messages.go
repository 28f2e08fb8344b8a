package models

import "time"

// Command asks an external service to perform an operation on behalf of a
// matched rule. Delivered on the actions topic keyed by tenant.
type Command struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// AlertEvent is published on every alert lifecycle change.
type AlertEvent struct {
	Type      string      `json:"type"` // created, acknowledged, resolved, archived, escalated
	TenantID  string      `json:"tenant_id"`
	AlertID   string      `json:"alert_id"`
	AlertType string      `json:"alert_type"`
	Status    AlertStatus `json:"status"`
	Severity  Priority    `json:"severity"`
	Actor     string      `json:"actor,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
