package models

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTenant owns the tenant-agnostic default rule set.
const DefaultTenant = "_default"

// CheckTenant rejects a missing tenant and the reserved default tenant as
// the tenant of a request or event.
func CheckTenant(tenantID string) error {
	switch tenantID {
	case "":
		return ErrMissingTenant
	case DefaultTenant:
		return fmt.Errorf("%w: tenant %q is reserved", ErrMissingTenant, tenantID)
	}
	return nil
}

// Operator names a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
)

// LogicalJoin combines the conditions of a group.
type LogicalJoin string

const (
	JoinAnd LogicalJoin = "AND"
	JoinOr  LogicalJoin = "OR"
)

// Condition tests a single payload field.
type Condition struct {
	// Dot path into the event payload, e.g. order.total_amount
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`

	// Join with siblings inside an additional condition group
	LogicalJoin LogicalJoin `json:"logical_join,omitempty" yaml:"logical_join,omitempty"`

	// When set, Value is replaced by the tenant's effective threshold
	// value for this alert type before evaluation.
	Threshold string `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// ConditionGroup is a nested block of conditions combined by Operator.
type ConditionGroup struct {
	Operator   LogicalJoin `json:"operator" yaml:"operator"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Join returns the effective operator of the group. A group without an
// explicit operator takes the join of its first condition, then AND.
func (g ConditionGroup) Join() LogicalJoin {
	op := LogicalJoin(strings.ToUpper(string(g.Operator)))
	if op == JoinAnd || op == JoinOr {
		return op
	}
	if len(g.Conditions) > 0 {
		if j := LogicalJoin(strings.ToUpper(string(g.Conditions[0].LogicalJoin))); j == JoinOr {
			return JoinOr
		}
	}
	return JoinAnd
}

// Action is one step executed when a rule matches.
type Action struct {
	Type       string         `json:"type" yaml:"type"`
	Handler    string         `json:"handler" yaml:"handler"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Rule is an event-condition-action definition.
type Rule struct {
	ID                   string           `json:"id" yaml:"id"`
	TenantID             string           `json:"tenant_id" yaml:"tenant_id"`
	EventType            string           `json:"event_type" yaml:"event_type"`
	Name                 string           `json:"name" yaml:"name"`
	Description          string           `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions           []Condition      `json:"conditions" yaml:"conditions"`
	AdditionalConditions []ConditionGroup `json:"additional_conditions,omitempty" yaml:"additional_conditions,omitempty"`
	Actions              []Action         `json:"actions" yaml:"actions"`
	Enabled              bool             `json:"enabled" yaml:"enabled"`

	// Alert raised on match; empty for rules that only run actions
	AlertType string `json:"alert_type,omitempty" yaml:"alert_type,omitempty"`
	// text/template rendered against the event for the alert message
	AlertMessage string `json:"alert_message,omitempty" yaml:"alert_message,omitempty"`

	Version   int       `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// IsDefault reports whether the rule belongs to the tenant-agnostic set.
func (r *Rule) IsDefault() bool {
	return r.TenantID == DefaultTenant
}

// Validate checks the rule shape. Unknown operators and action types are
// accepted here; they fail closed at evaluation and dispatch time.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRule, ErrMissingTenant)
	}
	if strings.TrimSpace(r.EventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: condition %d has no field", ErrInvalidRule, i)
		}
	}
	for i, a := range r.Actions {
		if strings.TrimSpace(a.Type) == "" {
			return fmt.Errorf("%w: action %d has no type", ErrInvalidRule, i)
		}
	}
	return nil
}

// Clone returns a deep copy so snapshots never share mutable slices.
func (r Rule) Clone() Rule {
	out := r
	out.Conditions = append([]Condition(nil), r.Conditions...)
	if r.AdditionalConditions != nil {
		out.AdditionalConditions = make([]ConditionGroup, len(r.AdditionalConditions))
		for i, g := range r.AdditionalConditions {
			out.AdditionalConditions[i] = ConditionGroup{
				Operator:   g.Operator,
				Conditions: append([]Condition(nil), g.Conditions...),
			}
		}
	}
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		out.Actions[i] = Action{Type: a.Type, Handler: a.Handler, Parameters: cloneMap(a.Parameters)}
	}
	return out
}

// RulePatch is a partial update; nil fields are left untouched. The id is
// never patchable.
type RulePatch struct {
	EventType            *string           `json:"event_type,omitempty"`
	Name                 *string           `json:"name,omitempty"`
	Description          *string           `json:"description,omitempty"`
	Conditions           *[]Condition      `json:"conditions,omitempty"`
	AdditionalConditions *[]ConditionGroup `json:"additional_conditions,omitempty"`
	Actions              *[]Action         `json:"actions,omitempty"`
	Enabled              *bool             `json:"enabled,omitempty"`
	AlertType            *string           `json:"alert_type,omitempty"`
	AlertMessage         *string           `json:"alert_message,omitempty"`
}

// Apply returns a copy of r with the patch applied.
func (p RulePatch) Apply(r Rule) Rule {
	out := r.Clone()
	if p.EventType != nil {
		out.EventType = *p.EventType
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Conditions != nil {
		out.Conditions = append([]Condition(nil), (*p.Conditions)...)
	}
	if p.AdditionalConditions != nil {
		out.AdditionalConditions = append([]ConditionGroup(nil), (*p.AdditionalConditions)...)
	}
	if p.Actions != nil {
		out.Actions = append([]Action(nil), (*p.Actions)...)
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.AlertType != nil {
		out.AlertType = *p.AlertType
	}
	if p.AlertMessage != nil {
		out.AlertMessage = *p.AlertMessage
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
