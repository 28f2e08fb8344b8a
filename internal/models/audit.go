package models

import "time"

// AuditKind is the entity an audit record describes.
type AuditKind string

const (
	AuditRule      AuditKind = "rule"
	AuditThreshold AuditKind = "threshold"
	AuditAlert     AuditKind = "alert"
)

// Change types
const (
	ChangeCreate   = "create"
	ChangeUpdate   = "update"
	ChangeDelete   = "delete"
	ChangeEnable   = "enable"
	ChangeDisable  = "disable"
	ChangeEscalate = "escalate"
)

// AuditRecord is an append-only change entry.
type AuditRecord struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Kind       AuditKind      `json:"kind"`
	EntityID   string         `json:"entity_id"`
	ChangeType string         `json:"change_type"`
	ChangedBy  string         `json:"changed_by"`
	Diff       map[string]any `json:"diff,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AuditFilter selects audit records for one tenant.
type AuditFilter struct {
	TenantID string
	Kind     AuditKind
	EntityID string
	From     time.Time
	To       time.Time
	Limit    int
}
