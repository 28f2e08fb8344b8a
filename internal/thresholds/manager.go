// Package thresholds merges the system threshold table with tenant
// overrides.
package thresholds

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"stockpulse/internal/clock"
	"stockpulse/internal/lockmap"
	"stockpulse/internal/logger"
	"stockpulse/internal/models"
	"stockpulse/internal/storage"
)

// Repository is the persistence the manager needs.
type Repository interface {
	storage.ThresholdRepository
	storage.AuditRepository
}

// ItemError explains why one batch entry was rejected.
type ItemError struct {
	Index  int              `json:"index"`
	Item   models.Threshold `json:"item"`
	Reason string           `json:"reason"`
}

// BatchResult reports each entry of a batch update independently.
type BatchResult struct {
	Updated []models.Threshold `json:"updated"`
	Errors  []ItemError        `json:"errors"`
}

// overrides maps tenant -> alertType -> custom threshold. Published
// copy-on-write.
type overrides map[string]map[string]models.Threshold

// Manager answers effective-threshold reads without locking.
type Manager struct {
	repo   Repository
	clock  clock.Clock
	locks  *lockmap.Map
	system map[string]models.Threshold
	order  []string

	cache  atomic.Pointer[overrides]
	swapMu sync.Mutex
}

// NewManager builds a manager over the given system table.
func NewManager(repo Repository, system []models.Threshold, c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real()
	}
	m := &Manager{
		repo:   repo,
		clock:  c,
		locks:  lockmap.New(),
		system: make(map[string]models.Threshold, len(system)),
	}
	for _, t := range system {
		t.Source = models.SourceSystem
		m.system[t.AlertType] = t
		m.order = append(m.order, t.AlertType)
	}
	empty := overrides{}
	m.cache.Store(&empty)
	return m
}

// KnownTypes lists the alert types of the system table.
func (m *Manager) KnownTypes() []string {
	return append([]string(nil), m.order...)
}

// GetEffective returns exactly one threshold per alert type for the tenant.
func (m *Manager) GetEffective(ctx context.Context, tenantID string) ([]models.EffectiveThreshold, error) {
	custom, err := m.tenantOverrides(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]models.EffectiveThreshold, 0, len(m.order))
	for _, alertType := range m.order {
		out = append(out, m.merge(alertType, custom))
	}
	return out, nil
}

// Effective returns the tenant's threshold for one alert type.
func (m *Manager) Effective(ctx context.Context, tenantID, alertType string) (models.EffectiveThreshold, error) {
	if _, ok := m.system[alertType]; !ok {
		return models.EffectiveThreshold{}, fmt.Errorf("alert type %s: %w", alertType, models.ErrNotFound)
	}
	custom, err := m.tenantOverrides(ctx, tenantID)
	if err != nil {
		return models.EffectiveThreshold{}, err
	}
	return m.merge(alertType, custom), nil
}

// merge replaces the system entry wholesale when the tenant has a custom one.
func (m *Manager) merge(alertType string, custom map[string]models.Threshold) models.EffectiveThreshold {
	sys := m.system[alertType]
	sys.Channels = append([]string(nil), sys.Channels...)

	c, ok := custom[alertType]
	if !ok {
		return models.EffectiveThreshold{Threshold: sys}
	}
	c.Source = models.SourceCustom
	c.Channels = append([]string(nil), c.Channels...)
	return models.EffectiveThreshold{Threshold: c, SystemDefault: &sys}
}

// UpsertBatch validates and stores each item on its own. Rejected items are
// reported in the result; an infrastructure failure stops the batch and is
// returned with whatever was stored before it.
func (m *Manager) UpsertBatch(ctx context.Context, tenantID string, items []models.Threshold, changedBy string) (BatchResult, error) {
	log := logger.WithTenant("thresholds", tenantID)
	res := BatchResult{Updated: []models.Threshold{}, Errors: []ItemError{}}

	if strings.TrimSpace(tenantID) == "" {
		return res, models.ErrMissingTenant
	}
	// the tenant's overrides must be cached before the first publish
	if _, err := m.tenantOverrides(ctx, tenantID); err != nil {
		return res, err
	}

	for i, item := range items {
		item.Priority = models.ParsePriority(string(item.Priority))
		if err := m.validate(item); err != nil {
			res.Errors = append(res.Errors, ItemError{Index: i, Item: item, Reason: err.Error()})
			continue
		}

		saved, err := m.save(ctx, tenantID, item, changedBy)
		if err != nil {
			log.Error().Err(err).Str("alert_type", item.AlertType).Msg("threshold batch aborted")
			return res, err
		}
		res.Updated = append(res.Updated, saved)
	}

	log.Info().
		Int("updated", len(res.Updated)).
		Int("rejected", len(res.Errors)).
		Str("changed_by", changedBy).
		Msg("threshold batch applied")
	return res, nil
}

// Changes returns the threshold audit history.
func (m *Manager) Changes(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	filter.Kind = models.AuditThreshold
	return m.repo.ListAudit(ctx, filter)
}

func (m *Manager) validate(t models.Threshold) error {
	if _, ok := m.system[t.AlertType]; !ok {
		return fmt.Errorf("%w: unknown alert type %q", models.ErrInvalidThreshold, t.AlertType)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %q", models.ErrInvalidThreshold, t.Priority)
	}
	if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
		return fmt.Errorf("%w: value must be a finite number", models.ErrInvalidThreshold)
	}
	if t.EscalationDelayMinutes != nil && *t.EscalationDelayMinutes < 0 {
		return fmt.Errorf("%w: escalation delay cannot be negative", models.ErrInvalidThreshold)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, tenantID string, t models.Threshold, changedBy string) (models.Threshold, error) {
	unlock := m.locks.Lock(lockmap.Key(tenantID, t.AlertType))
	defer unlock()

	before := m.merge(t.AlertType, (*m.cache.Load())[tenantID])

	t.Source = models.SourceCustom
	t.UpdatedAt = m.clock.Now()
	t.Channels = append([]string(nil), t.Channels...)
	if err := m.repo.SaveThreshold(ctx, tenantID, t); err != nil {
		return models.Threshold{}, fmt.Errorf("save threshold %s: %w", t.AlertType, err)
	}
	m.publish(tenantID, t)

	rec := models.AuditRecord{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Kind:       models.AuditThreshold,
		EntityID:   t.AlertType,
		ChangeType: models.ChangeUpdate,
		ChangedBy:  changedBy,
		Diff:       map[string]any{"before": before.Threshold, "after": t},
		Timestamp:  t.UpdatedAt,
	}
	if err := m.repo.AppendAudit(ctx, rec); err != nil {
		log := logger.WithTenant("thresholds", tenantID)
		log.Error().Err(err).Str("alert_type", t.AlertType).Msg("failed to record threshold audit")
	}
	return t, nil
}

// tenantOverrides returns the cached overrides, loading them on first use.
func (m *Manager) tenantOverrides(ctx context.Context, tenantID string) (map[string]models.Threshold, error) {
	if custom, ok := (*m.cache.Load())[tenantID]; ok {
		return custom, nil
	}

	list, err := m.repo.ListThresholds(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds for %s: %w", tenantID, err)
	}

	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	cur := *m.cache.Load()
	if custom, ok := cur[tenantID]; ok {
		return custom, nil
	}
	custom := make(map[string]models.Threshold, len(list))
	for _, t := range list {
		custom[t.AlertType] = t
	}
	next := make(overrides, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[tenantID] = custom
	m.cache.Store(&next)
	return custom, nil
}

func (m *Manager) publish(tenantID string, t models.Threshold) {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	cur := *m.cache.Load()
	next := make(overrides, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	custom := make(map[string]models.Threshold, len(cur[tenantID])+1)
	for k, v := range cur[tenantID] {
		custom[k] = v
	}
	custom[t.AlertType] = t
	next[tenantID] = custom
	m.cache.Store(&next)
}
