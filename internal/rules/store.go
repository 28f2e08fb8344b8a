// Package rules keeps the rule set and answers which rules apply to an
// incoming event.
package rules

import (
	"context"
	"fmt"
	"sort"
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

// Repository is the persistence the rule store needs.
type Repository interface {
	storage.RuleRepository
	storage.AuditRepository
	CountOpenAlerts(ctx context.Context, tenantID, alertType string) (int, error)
}

// snapshot is immutable once published.
type snapshot struct {
	byKey map[string]models.Rule
	// eventType -> tenant -> rules ordered by creation
	byType map[string]map[string][]models.Rule
}

func key(tenantID, id string) string {
	return lockmap.Key(tenantID, id)
}

func buildSnapshot(rules []models.Rule) *snapshot {
	s := &snapshot{
		byKey:  make(map[string]models.Rule, len(rules)),
		byType: make(map[string]map[string][]models.Rule),
	}
	for _, r := range rules {
		s.byKey[key(r.TenantID, r.ID)] = r
		tenants, ok := s.byType[r.EventType]
		if !ok {
			tenants = make(map[string][]models.Rule)
			s.byType[r.EventType] = tenants
		}
		tenants[r.TenantID] = append(tenants[r.TenantID], r)
	}
	for _, tenants := range s.byType {
		for _, list := range tenants {
			sort.SliceStable(list, func(i, j int) bool {
				if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
					return list[i].CreatedAt.Before(list[j].CreatedAt)
				}
				return list[i].ID < list[j].ID
			})
		}
	}
	return s
}

func (s *snapshot) all() []models.Rule {
	out := make([]models.Rule, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, r)
	}
	return out
}

// Store serves rule lookups from an atomically swapped snapshot. Writes go
// to the repository first and are serialized per (tenant, rule id).
type Store struct {
	repo  Repository
	clock clock.Clock
	locks *lockmap.Map

	snap   atomic.Pointer[snapshot]
	swapMu sync.Mutex

	// nil accepts any alert type
	alertTypes map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithAlertTypes limits alert_type and threshold references of written rules
// to the given alert types.
func WithAlertTypes(types []string) Option {
	return func(s *Store) {
		s.alertTypes = make(map[string]bool, len(types))
		for _, t := range types {
			s.alertTypes[t] = true
		}
	}
}

// New loads every persisted rule into the first snapshot.
func New(ctx context.Context, repo Repository, c clock.Clock, opts ...Option) (*Store, error) {
	if c == nil {
		c = clock.Real()
	}
	s := &Store{repo: repo, clock: c, locks: lockmap.New()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the snapshot with the repository contents.
func (s *Store) Reload(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	s.swapMu.Lock()
	s.snap.Store(buildSnapshot(rules))
	s.swapMu.Unlock()
	return nil
}

// SeedDefaults persists every default rule that is not stored yet. Existing
// default rules are left alone so operator edits survive restarts.
func (s *Store) SeedDefaults(ctx context.Context, defaults []models.Rule) (int, error) {
	log := logger.WithComponent("rules")
	seeded := 0
	for _, r := range defaults {
		r.TenantID = models.DefaultTenant
		if _, ok := s.snap.Load().byKey[key(r.TenantID, r.ID)]; ok {
			continue
		}
		if _, err := s.Upsert(ctx, r, "system"); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", r.ID, err)
		}
		seeded++
	}
	log.Info().Int("seeded", seeded).Int("defaults", len(defaults)).Msg("default rules ready")
	return seeded, nil
}

// Candidates returns the enabled rules of the tenant for eventType, or the
// enabled default rule when the tenant has none.
func (s *Store) Candidates(ctx context.Context, eventType, tenantID string) []models.Rule {
	tenants := s.snap.Load().byType[normalizeType(eventType)]
	if tenants == nil {
		return nil
	}

	var out []models.Rule
	if tenantID != models.DefaultTenant {
		for _, r := range tenants[tenantID] {
			if r.Enabled {
				out = append(out, r.Clone())
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, r := range tenants[models.DefaultTenant] {
		if r.Enabled {
			return []models.Rule{r.Clone()}
		}
	}
	return nil
}

// Match returns the first candidate rule, or nil when none applies.
func (s *Store) Match(ctx context.Context, eventType, tenantID string) (*models.Rule, error) {
	cands := s.Candidates(ctx, eventType, tenantID)
	if len(cands) == 0 {
		return nil, nil
	}
	return &cands[0], nil
}

// Get returns one rule by tenant and id.
func (s *Store) Get(ctx context.Context, tenantID, id string) (models.Rule, error) {
	r, ok := s.snap.Load().byKey[key(tenantID, id)]
	if !ok {
		return models.Rule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

// List returns the tenant's rules, optionally limited to one event type.
func (s *Store) List(ctx context.Context, tenantID, eventType string) []models.Rule {
	eventType = normalizeType(eventType)

	var out []models.Rule
	for _, r := range s.snap.Load().all() {
		if r.TenantID != tenantID {
			continue
		}
		if eventType != "" && r.EventType != eventType {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upsert creates a rule or replaces an existing one, bumping its version.
func (s *Store) Upsert(ctx context.Context, rule models.Rule, changedBy string) (models.Rule, error) {
	rule = rule.Clone()
	rule.TenantID = strings.TrimSpace(rule.TenantID)
	rule.EventType = normalizeType(rule.EventType)
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return models.Rule{}, err
	}
	if err := s.checkAlertTypes(rule); err != nil {
		return models.Rule{}, err
	}

	unlock := s.locks.Lock(key(rule.TenantID, rule.ID))
	defer unlock()

	prev, exists := s.snap.Load().byKey[key(rule.TenantID, rule.ID)]
	if rule.IsDefault() {
		if err := s.checkDefaultUnique(rule); err != nil {
			return models.Rule{}, err
		}
	}

	now := s.clock.Now()
	rule.UpdatedAt = now
	change := models.ChangeCreate
	diff := map[string]any{}
	if exists {
		rule.CreatedAt = prev.CreatedAt
		rule.Version = prev.Version + 1
		change = models.ChangeUpdate
		diff["before"] = prev
	} else {
		rule.CreatedAt = now
		rule.Version = 1
	}
	diff["after"] = rule

	if err := s.write(ctx, rule, change, changedBy, diff); err != nil {
		return models.Rule{}, err
	}
	return rule.Clone(), nil
}

// Patch applies a partial update to an existing rule.
func (s *Store) Patch(ctx context.Context, tenantID, id string, patch models.RulePatch, changedBy string) (models.Rule, error) {
	return s.modify(ctx, tenantID, id, changedBy, models.ChangeUpdate, func(r models.Rule) (models.Rule, error) {
		next := patch.Apply(r)
		next.EventType = normalizeType(next.EventType)
		if err := next.Validate(); err != nil {
			return models.Rule{}, err
		}
		if err := s.checkAlertTypes(next); err != nil {
			return models.Rule{}, err
		}
		if next.IsDefault() && next.EventType != r.EventType {
			if err := s.checkDefaultUnique(next); err != nil {
				return models.Rule{}, err
			}
		}
		return next, nil
	})
}

// SetEnabled toggles a rule. Disabled rules never match.
func (s *Store) SetEnabled(ctx context.Context, tenantID, id string, enabled bool, changedBy string) (models.Rule, error) {
	change := models.ChangeDisable
	if enabled {
		change = models.ChangeEnable
	}
	return s.modify(ctx, tenantID, id, changedBy, change, func(r models.Rule) (models.Rule, error) {
		r.Enabled = enabled
		return r, nil
	})
}

// Delete removes a rule. A rule that raises alerts cannot be removed while
// alerts of its type are still open.
func (s *Store) Delete(ctx context.Context, tenantID, id, changedBy string) error {
	unlock := s.locks.Lock(key(tenantID, id))
	defer unlock()

	prev, ok := s.snap.Load().byKey[key(tenantID, id)]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}

	if prev.AlertType != "" {
		scope := tenantID
		if prev.IsDefault() {
			scope = ""
		}
		n, err := s.repo.CountOpenAlerts(ctx, scope, prev.AlertType)
		if err != nil {
			return fmt.Errorf("check open alerts: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("rule %s has %d open %s alerts: %w", id, n, prev.AlertType, models.ErrRuleInUse)
		}
	}

	if err := s.repo.DeleteRule(ctx, tenantID, id); err != nil {
		return err
	}
	s.publish(func(rules map[string]models.Rule) { delete(rules, key(tenantID, id)) })

	s.audit(ctx, prev, models.ChangeDelete, changedBy, map[string]any{"before": prev})
	log := logger.WithTenant("rules", tenantID)
	log.Info().
		Str("rule_id", id).
		Str("changed_by", changedBy).
		Msg("rule deleted")
	return nil
}

// Changes returns the rule audit history.
func (s *Store) Changes(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	filter.Kind = models.AuditRule
	return s.repo.ListAudit(ctx, filter)
}

func (s *Store) modify(ctx context.Context, tenantID, id, changedBy, change string, fn func(models.Rule) (models.Rule, error)) (models.Rule, error) {
	unlock := s.locks.Lock(key(tenantID, id))
	defer unlock()

	prev, ok := s.snap.Load().byKey[key(tenantID, id)]
	if !ok {
		return models.Rule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}

	next, err := fn(prev.Clone())
	if err != nil {
		return models.Rule{}, err
	}
	next.ID = prev.ID
	next.TenantID = prev.TenantID
	next.CreatedAt = prev.CreatedAt
	next.Version = prev.Version + 1
	next.UpdatedAt = s.clock.Now()

	if err := s.write(ctx, next, change, changedBy, map[string]any{"before": prev, "after": next}); err != nil {
		return models.Rule{}, err
	}
	return next.Clone(), nil
}

// write persists the rule, publishes a new snapshot and records the audit
// entry. Callers hold the rule's key lock.
func (s *Store) write(ctx context.Context, rule models.Rule, change, changedBy string, diff map[string]any) error {
	if err := s.repo.SaveRule(ctx, rule); err != nil {
		return err
	}
	stored := rule.Clone()
	s.publish(func(rules map[string]models.Rule) { rules[key(stored.TenantID, stored.ID)] = stored })

	s.audit(ctx, rule, change, changedBy, diff)
	log := logger.WithTenant("rules", rule.TenantID)
	log.Info().
		Str("rule_id", rule.ID).
		Str("event_type", rule.EventType).
		Str("change", change).
		Int("version", rule.Version).
		Bool("enabled", rule.Enabled).
		Msg("rule saved")
	return nil
}

// publish copies the current snapshot, applies fn and swaps it in.
func (s *Store) publish(fn func(map[string]models.Rule)) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	cur := s.snap.Load()
	rules := make(map[string]models.Rule, len(cur.byKey)+1)
	for k, r := range cur.byKey {
		rules[k] = r
	}
	fn(rules)

	list := make([]models.Rule, 0, len(rules))
	for _, r := range rules {
		list = append(list, r)
	}
	s.snap.Store(buildSnapshot(list))
}

func (s *Store) checkDefaultUnique(rule models.Rule) error {
	for _, r := range s.snap.Load().byType[rule.EventType][models.DefaultTenant] {
		if r.ID != rule.ID {
			return fmt.Errorf("%w: default rule %s already covers %s", models.ErrInvalidRule, r.ID, rule.EventType)
		}
	}
	return nil
}

// audit failures are logged but never undo a persisted change.
func (s *Store) audit(ctx context.Context, r models.Rule, change, changedBy string, diff map[string]any) {
	rec := models.AuditRecord{
		ID:         uuid.NewString(),
		TenantID:   r.TenantID,
		Kind:       models.AuditRule,
		EntityID:   r.ID,
		ChangeType: change,
		ChangedBy:  changedBy,
		Diff:       diff,
		Timestamp:  s.clock.Now(),
	}
	if err := s.repo.AppendAudit(ctx, rec); err != nil {
		log := logger.WithComponent("rules")
		log.Error().
			Err(err).
			Str("rule_id", r.ID).
			Str("change", change).
			Msg("failed to record rule audit")
	}
}

// checkAlertTypes rejects references to alert types without a threshold
// entry; such a rule could never raise its alert or bind its conditions.
func (s *Store) checkAlertTypes(r models.Rule) error {
	if s.alertTypes == nil {
		return nil
	}
	if r.AlertType != "" && !s.alertTypes[r.AlertType] {
		return fmt.Errorf("%w: unknown alert type %q", models.ErrInvalidRule, r.AlertType)
	}
	check := func(conds []models.Condition) error {
		for _, c := range conds {
			if c.Threshold != "" && !s.alertTypes[c.Threshold] {
				return fmt.Errorf("%w: condition on %s references unknown threshold %q", models.ErrInvalidRule, c.Field, c.Threshold)
			}
		}
		return nil
	}
	if err := check(r.Conditions); err != nil {
		return err
	}
	for _, g := range r.AdditionalConditions {
		if err := check(g.Conditions); err != nil {
			return err
		}
	}
	return nil
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
