package models

import (
	"strings"
	"time"
)

// Priority ranks thresholds and doubles as alert severity. Order matters:
// escalation moves an alert one step towards CRITICAL.
type Priority string

const (
	PriorityOpportunity Priority = "OPPORTUNITY"
	PriorityInfo        Priority = "INFO"
	PriorityWarning     Priority = "WARNING"
	PriorityCritical    Priority = "CRITICAL"
)

var priorityOrder = []Priority{PriorityOpportunity, PriorityInfo, PriorityWarning, PriorityCritical}

// IsValid checks if the priority is known
func (p Priority) IsValid() bool {
	return p.rank() >= 0
}

func (p Priority) rank() int {
	for i, q := range priorityOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Next returns the next higher priority and false when p is already the top.
func (p Priority) Next() (Priority, bool) {
	r := p.rank()
	if r < 0 || r == len(priorityOrder)-1 {
		return p, false
	}
	return priorityOrder[r+1], true
}

// ParsePriority normalises case and surrounding space.
func ParsePriority(s string) Priority {
	return Priority(strings.ToUpper(strings.TrimSpace(s)))
}

// DefaultEscalationDelay is used when a threshold auto-escalates without an
// explicit delay.
func (p Priority) DefaultEscalationDelay() time.Duration {
	switch p {
	case PriorityCritical:
		return 15 * time.Minute
	case PriorityWarning:
		return 60 * time.Minute
	case PriorityInfo:
		return 240 * time.Minute
	default:
		return 1440 * time.Minute
	}
}

// DefaultChannels returns the notification channels for a priority.
func (p Priority) DefaultChannels() []string {
	switch p {
	case PriorityCritical:
		return []string{"email", "sms", "push", "dashboard"}
	case PriorityWarning:
		return []string{"email", "push", "dashboard"}
	default:
		return []string{"dashboard"}
	}
}

// ThresholdSource tells where an effective threshold came from.
type ThresholdSource string

const (
	SourceSystem ThresholdSource = "system"
	SourceCustom ThresholdSource = "custom"
)

// Threshold configures an alert type.
type Threshold struct {
	AlertType              string          `json:"alert_type" yaml:"alert_type"`
	Value                  float64         `json:"value" yaml:"value"`
	Unit                   string          `json:"unit" yaml:"unit"`
	Priority               Priority        `json:"priority" yaml:"priority"`
	AutoEscalate           bool            `json:"auto_escalate" yaml:"auto_escalate"`
	EscalationDelayMinutes *int            `json:"escalation_delay_minutes,omitempty" yaml:"escalation_delay_minutes,omitempty"`
	Channels               []string        `json:"channels,omitempty" yaml:"channels,omitempty"`
	Description            string          `json:"description,omitempty" yaml:"description,omitempty"`
	Source                 ThresholdSource `json:"source" yaml:"-"`
	UpdatedAt              time.Time       `json:"updated_at,omitempty" yaml:"-"`
}

// EscalationDelay is the configured delay, falling back to the priority
// default when unset. An explicit zero escalates on the next scheduler pass.
func (t Threshold) EscalationDelay() time.Duration {
	if t.EscalationDelayMinutes != nil {
		return time.Duration(*t.EscalationDelayMinutes) * time.Minute
	}
	return t.Priority.DefaultEscalationDelay()
}

// DelayMinutes returns a pointer for Threshold.EscalationDelayMinutes.
func DelayMinutes(n int) *int { return &n }

// NotificationChannels returns the configured channels or the priority
// defaults.
func (t Threshold) NotificationChannels() []string {
	if len(t.Channels) > 0 {
		return append([]string(nil), t.Channels...)
	}
	return t.Priority.DefaultChannels()
}

// EffectiveThreshold is a threshold after merging tenant overrides onto the
// system table.
type EffectiveThreshold struct {
	Threshold
	SystemDefault *Threshold `json:"system_default,omitempty"`
}
