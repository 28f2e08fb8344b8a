// Package conditions evaluates rule conditions against event payloads.
// Evaluation is pure: it never mutates the payload and never errors;
// malformed conditions and unknown operators evaluate to false.
package conditions

import (
	"fmt"
	"strconv"
	"strings"

	"stockpulse/internal/models"
)

// Evaluate AND-combines conds against payload, stopping at the first
// failing condition. An empty list is satisfied.
func Evaluate(conds []models.Condition, payload map[string]any) bool {
	_, ok := firstFailure(conds, payload)
	return ok
}

// EvaluateGroups is the second level: every group must hold, and each group
// combines its own conditions by its declared operator. Empty groups are
// skipped.
func EvaluateGroups(groups []models.ConditionGroup, payload map[string]any) bool {
	_, ok := firstFailingGroup(groups, payload)
	return ok
}

// EvaluateRule runs the top-level conditions and then the additional groups.
// When the rule does not match, reason names the first failing part.
func EvaluateRule(rule *models.Rule, payload map[string]any) (bool, string) {
	if i, ok := firstFailure(rule.Conditions, payload); !ok {
		return false, fmt.Sprintf("condition %d not met: %s", i, describe(rule.Conditions[i]))
	}
	if i, ok := firstFailingGroup(rule.AdditionalConditions, payload); !ok {
		return false, fmt.Sprintf("condition group %d (%s) not met", i, rule.AdditionalConditions[i].Join())
	}
	return true, ""
}

// Check evaluates a single condition.
func Check(c models.Condition, payload map[string]any) bool {
	if strings.TrimSpace(c.Field) == "" {
		return false
	}
	fn, ok := Lookup(c.Operator)
	if !ok {
		return false
	}
	field, present := Resolve(payload, c.Field)
	return fn(field, present, c.Value)
}

func firstFailure(conds []models.Condition, payload map[string]any) (int, bool) {
	for i, c := range conds {
		if !Check(c, payload) {
			return i, false
		}
	}
	return -1, true
}

func firstFailingGroup(groups []models.ConditionGroup, payload map[string]any) (int, bool) {
	for i, g := range groups {
		if len(g.Conditions) == 0 {
			continue
		}
		if !evaluateGroup(g, payload) {
			return i, false
		}
	}
	return -1, true
}

func evaluateGroup(g models.ConditionGroup, payload map[string]any) bool {
	if g.Join() == models.JoinOr {
		for _, c := range g.Conditions {
			if Check(c, payload) {
				return true
			}
		}
		return false
	}
	return Evaluate(g.Conditions, payload)
}

// Resolve walks a dot path through nested maps and slices. A missing key
// at any depth resolves to (nil, false).
func Resolve(payload map[string]any, path string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")

	var current any = payload
	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func describe(c models.Condition) string {
	if c.Operator == models.OpExists {
		return fmt.Sprintf("%s exists", c.Field)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}
