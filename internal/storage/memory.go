package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stockpulse/internal/models"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[string]models.Rule
	thresholds map[string]map[string]models.Threshold
	alerts     map[string]*models.Alert
	audit      []models.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[string]models.Rule),
		thresholds: make(map[string]map[string]models.Threshold),
		alerts:     make(map[string]*models.Alert),
	}
}

func ruleKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

func (m *MemoryStore) ListRules(ctx context.Context) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveRule(ctx context.Context, rule models.Rule) error {
	m.mu.Lock()
	m.rules[ruleKey(rule.TenantID, rule.ID)] = rule.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ruleKey(tenantID, id)
	if _, ok := m.rules[key]; !ok {
		return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	delete(m.rules, key)
	return nil
}

func (m *MemoryStore) ListThresholds(ctx context.Context, tenantID string) ([]models.Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := m.thresholds[tenantID]
	out := make([]models.Threshold, 0, len(byType))
	for _, t := range byType {
		t.Channels = append([]string(nil), t.Channels...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AlertType < out[j].AlertType })
	return out, nil
}

func (m *MemoryStore) SaveThreshold(ctx context.Context, tenantID string, t models.Threshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType, ok := m.thresholds[tenantID]
	if !ok {
		byType = make(map[string]models.Threshold)
		m.thresholds[tenantID] = byType
	}
	t.Channels = append([]string(nil), t.Channels...)
	byType[t.AlertType] = t
	return nil
}

func (m *MemoryStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %s already exists", alert.ID)
	}
	m.alerts[alert.ID] = copyAlert(alert)
	return nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok || a.TenantID != tenantID {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	return copyAlert(a), nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if matchAlert(a, filter) {
			out = append(out, *copyAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountOpenAlerts(ctx context.Context, tenantID, alertType string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.alerts {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if a.AlertType == alertType && containsStatus(models.OpenStatuses, a.Status) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) TransitionAlert(ctx context.Context, tenantID, id string, from []models.AlertStatus, to models.AlertStatus, reason string, at time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.TenantID != tenantID {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if !containsStatus(from, a.Status) {
		return nil, fmt.Errorf("alert %s is %s: %w", id, a.Status, models.ErrStaleState)
	}

	next := copyAlert(a)
	next.Status = to
	next.UpdatedAt = at
	if reason != "" {
		next.Reason = reason
	}
	ts := at
	switch to {
	case models.StatusAcknowledged:
		next.AcknowledgedAt = &ts
	case models.StatusResolved:
		next.ResolvedAt = &ts
	case models.StatusArchived:
		next.ArchivedAt = &ts
	}
	m.alerts[id] = next
	return copyAlert(next), nil
}

func (m *MemoryStore) EscalateAlert(ctx context.Context, tenantID, id string, severity models.Priority, at time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.TenantID != tenantID {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if a.Status != models.StatusActive || a.LastEscalatedAt != nil {
		return nil, fmt.Errorf("alert %s not escalatable: %w", id, models.ErrStaleState)
	}

	next := copyAlert(a)
	ts := at
	next.Severity = severity
	next.EscalationCount++
	next.LastEscalatedAt = &ts
	next.UpdatedAt = at
	m.alerts[id] = next
	return copyAlert(next), nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	rec.Diff = cloneAny(rec.Diff)
	m.audit = append(m.audit, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AuditRecord, 0)
	for _, rec := range m.audit {
		if !matchAudit(rec, filter) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func matchAlert(a *models.Alert, f models.AlertFilter) bool {
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
		return false
	}
	if f.AlertType != "" && a.AlertType != f.AlertType {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func matchAudit(rec models.AuditRecord, f models.AuditFilter) bool {
	if f.TenantID != "" && rec.TenantID != f.TenantID {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.EntityID != "" && rec.EntityID != f.EntityID {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}

func copyAlert(a *models.Alert) *models.Alert {
	out := *a
	out.Metadata = cloneAny(a.Metadata)
	return &out
}

func cloneAny(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
