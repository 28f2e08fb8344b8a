package models

import "time"

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	StatusActive       AlertStatus = "ACTIVE"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
	StatusArchived     AlertStatus = "ARCHIVED"
)

// IsValid checks if the status is known
func (s AlertStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved, StatusArchived:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s AlertStatus) IsTerminal() bool {
	return s == StatusArchived
}

// transitions lists the legal source states for each target state.
var transitions = map[AlertStatus][]AlertStatus{
	StatusAcknowledged: {StatusActive},
	StatusResolved:     {StatusActive, StatusAcknowledged},
	StatusArchived:     {StatusResolved},
}

// SourcesFor returns the states from which to is reachable.
func SourcesFor(to AlertStatus) []AlertStatus {
	return append([]AlertStatus(nil), transitions[to]...)
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to AlertStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Alert is raised by a rule match and then driven through its lifecycle.
// Alerts are never deleted, only archived.
type Alert struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AlertType       string         `json:"alert_type"`
	RuleID          string         `json:"rule_id,omitempty"`
	EventType       string         `json:"event_type,omitempty"`
	Severity        Priority       `json:"severity"`
	Status          AlertStatus    `json:"status"`
	Message         string         `json:"message"`
	Reason          string         `json:"reason,omitempty"`
	EscalationCount int            `json:"escalation_count"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
}

// AlertFilter selects alerts. An empty TenantID matches every tenant and is
// only used internally (timer restoration).
type AlertFilter struct {
	TenantID  string
	Statuses  []AlertStatus
	AlertType string
	From      time.Time
	To        time.Time
	Limit     int
}

// OpenStatuses are the non-terminal states.
var OpenStatuses = []AlertStatus{StatusActive, StatusAcknowledged, StatusResolved}
