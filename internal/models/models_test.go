package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stockpulse/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.AlertStatus
		want     bool
	}{
		{models.StatusActive, models.StatusAcknowledged, true},
		{models.StatusActive, models.StatusResolved, true},
		{models.StatusAcknowledged, models.StatusResolved, true},
		{models.StatusResolved, models.StatusArchived, true},
		{models.StatusActive, models.StatusArchived, false},
		{models.StatusResolved, models.StatusAcknowledged, false},
		{models.StatusArchived, models.StatusAcknowledged, false},
		{models.StatusArchived, models.StatusResolved, false},
		{models.StatusAcknowledged, models.StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, models.CanTransition(tt.from, tt.to))
		})
	}
}

func TestPriorityNext(t *testing.T) {
	next, ok := models.PriorityWarning.Next()
	assert.True(t, ok)
	assert.Equal(t, models.PriorityCritical, next)

	next, ok = models.PriorityCritical.Next()
	assert.False(t, ok)
	assert.Equal(t, models.PriorityCritical, next)

	_, ok = models.Priority("URGENT").Next()
	assert.False(t, ok)
}

func TestThresholdEscalationDelay(t *testing.T) {
	tests := []struct {
		priority models.Priority
		want     time.Duration
	}{
		{models.PriorityCritical, 15 * time.Minute},
		{models.PriorityWarning, 60 * time.Minute},
		{models.PriorityInfo, 240 * time.Minute},
		{models.PriorityOpportunity, 1440 * time.Minute},
	}
	for _, tt := range tests {
		th := models.Threshold{Priority: tt.priority, AutoEscalate: true}
		assert.Equal(t, tt.want, th.EscalationDelay(), tt.priority)
	}

	explicit := models.Threshold{Priority: models.PriorityCritical, EscalationDelayMinutes: models.DelayMinutes(5)}
	assert.Equal(t, 5*time.Minute, explicit.EscalationDelay())

	immediate := models.Threshold{Priority: models.PriorityInfo, EscalationDelayMinutes: models.DelayMinutes(0)}
	assert.Equal(t, time.Duration(0), immediate.EscalationDelay(), "explicit zero is kept")
}

func TestRulePatchApply(t *testing.T) {
	rule := models.Rule{
		ID:        "r1",
		TenantID:  "t1",
		EventType: "sale_completed",
		Name:      "sales",
		Enabled:   true,
		Actions:   []models.Action{{Type: "log", Handler: "audit"}},
	}
	name := "renamed"
	disabled := false
	out := models.RulePatch{Name: &name, Enabled: &disabled}.Apply(rule)

	assert.Equal(t, "r1", out.ID)
	assert.Equal(t, "renamed", out.Name)
	assert.False(t, out.Enabled)
	assert.Equal(t, "sales", rule.Name, "patch must not mutate the original")

	out.Actions[0].Handler = "changed"
	assert.Equal(t, "audit", rule.Actions[0].Handler, "clone must not share action slices")
}

func TestConditionGroupJoin(t *testing.T) {
	assert.Equal(t, models.JoinOr, models.ConditionGroup{Operator: "or"}.Join())
	assert.Equal(t, models.JoinAnd, models.ConditionGroup{}.Join())
	assert.Equal(t, models.JoinOr, models.ConditionGroup{
		Conditions: []models.Condition{{Field: "a", LogicalJoin: models.JoinOr}},
	}.Join())
}
