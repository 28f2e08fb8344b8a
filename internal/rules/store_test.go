package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/clock"
	"stockpulse/internal/models"
	"stockpulse/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore, *clock.Fake) {
	t.Helper()
	repo := storage.NewMemoryStore()
	c := clock.NewFake(time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC))
	s, err := New(context.Background(), repo, c)
	require.NoError(t, err)

	defaults, err := Defaults()
	require.NoError(t, err)
	_, err = s.SeedDefaults(context.Background(), defaults)
	require.NoError(t, err)
	return s, repo, c
}

func customSaleRule(id string) models.Rule {
	return models.Rule{
		ID:        id,
		TenantID:  "acme",
		EventType: "sale_completed",
		Name:      "vip sale " + id,
		Conditions: []models.Condition{
			{Field: "total_amount", Operator: models.OpGreaterThan, Value: 1000},
		},
		Actions: []models.Action{{Type: "log", Handler: "vip"}},
		Enabled: true,
	}
}

func TestDefaultsParse(t *testing.T) {
	defaults, err := Defaults()
	require.NoError(t, err)

	types := map[string]bool{}
	for _, r := range defaults {
		assert.Equal(t, models.DefaultTenant, r.TenantID)
		types[r.EventType] = true
	}
	for _, et := range []string{"sale_completed", "return_processed", "inventory_adjusted",
		"low_stock_detected", "margin_anomaly", "inventory_anomaly"} {
		assert.True(t, types[et], et)
	}
}

func TestMatchFallsBackToDefault(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.Match(ctx, "SALE_COMPLETED", "acme")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "default-sale-completed", r.ID)
	require.Len(t, r.Actions, 3)
	assert.Equal(t, "decreaseStock", r.Actions[0].Handler)

	none, err := s.Match(ctx, "unknown_event", "acme")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCustomRulesShadowDefault(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, customSaleRule("a"), "ops")
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = s.Upsert(ctx, customSaleRule("b"), "ops")
	require.NoError(t, err)

	cands := s.Candidates(ctx, "sale_completed", "acme")
	require.Len(t, cands, 2)
	assert.Equal(t, "a", cands[0].ID)
	assert.Equal(t, "b", cands[1].ID)

	// another tenant still sees the default
	other := s.Candidates(ctx, "sale_completed", "globex")
	require.Len(t, other, 1)
	assert.Equal(t, "default-sale-completed", other[0].ID)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, customSaleRule("a"), "ops")
	require.NoError(t, err)
	_, err = s.SetEnabled(ctx, "acme", "a", false, "ops")
	require.NoError(t, err)

	for _, r := range s.Candidates(ctx, "sale_completed", "acme") {
		assert.NotEqual(t, "a", r.ID)
	}

	_, err = s.SetEnabled(ctx, models.DefaultTenant, "default-sale-completed", false, "ops")
	require.NoError(t, err)

	r, err := s.Match(ctx, "sale_completed", "acme")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestUpsertVersionsAndAudits(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()

	created, err := s.Upsert(ctx, customSaleRule("a"), "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	c.Advance(time.Minute)
	name := "renamed"
	patched, err := s.Patch(ctx, "acme", "a", models.RulePatch{Name: &name}, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, patched.Version)
	assert.Equal(t, "renamed", patched.Name)
	assert.True(t, patched.CreatedAt.Equal(created.CreatedAt))
	assert.True(t, patched.UpdatedAt.After(created.UpdatedAt))

	changes, err := s.Changes(ctx, models.AuditFilter{TenantID: "acme", EntityID: "a"})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.ChangeCreate, changes[0].ChangeType)
	assert.Equal(t, models.ChangeUpdate, changes[1].ChangeType)
	before, ok := changes[1].Diff["before"].(models.Rule)
	require.True(t, ok)
	assert.Equal(t, 1, before.Version)
	assert.Equal(t, "vip sale a", before.Name)
}

func TestUpsertValidates(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	bad := customSaleRule("x")
	bad.Name = ""
	_, err := s.Upsert(ctx, bad, "ops")
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	dup := customSaleRule("second-default")
	dup.TenantID = models.DefaultTenant
	_, err = s.Upsert(ctx, dup, "ops")
	assert.ErrorIs(t, err, models.ErrInvalidRule, "one default rule per event type")

	_, err = s.Patch(ctx, "acme", "missing", models.RulePatch{}, "ops")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpsertRejectsUnknownAlertTypes(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, storage.NewMemoryStore(), nil,
		WithAlertTypes([]string{"low_stock", "sales_opportunity"}))
	require.NoError(t, err)

	defaults, err := Defaults()
	require.NoError(t, err)
	_, err = s.SeedDefaults(ctx, defaults)
	require.Error(t, err, "defaults reference types outside the restricted set")

	rule := customSaleRule("big-sale")
	rule.AlertType = "big_sale"
	_, err = s.Upsert(ctx, rule, "ops")
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	rule.AlertType = ""
	rule.Conditions = append(rule.Conditions, models.Condition{
		Field: "discount", Operator: models.OpEquals, Threshold: "no_such_type",
	})
	_, err = s.Upsert(ctx, rule, "ops")
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	rule.Conditions = rule.Conditions[:1]
	rule.AlertType = "sales_opportunity"
	_, err = s.Upsert(ctx, rule, "ops")
	require.NoError(t, err)

	unknown := "big_sale"
	_, err = s.Patch(ctx, "acme", "big-sale", models.RulePatch{AlertType: &unknown}, "ops")
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	got, err := s.Get(ctx, "acme", "big-sale")
	require.NoError(t, err)
	assert.Equal(t, "sales_opportunity", got.AlertType)
}

func TestDeleteBlockedByOpenAlerts(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	rule := customSaleRule("a")
	rule.AlertType = "sales_opportunity"
	_, err := s.Upsert(ctx, rule, "ops")
	require.NoError(t, err)

	require.NoError(t, repo.CreateAlert(ctx, &models.Alert{
		ID: "al-1", TenantID: "acme", AlertType: "sales_opportunity",
		Status: models.StatusActive, Severity: models.PriorityOpportunity,
	}))

	err = s.Delete(ctx, "acme", "a", "ops")
	assert.ErrorIs(t, err, models.ErrRuleInUse)

	_, err = repo.TransitionAlert(ctx, "acme", "al-1", models.SourcesFor(models.StatusResolved), models.StatusResolved, "", time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(ctx, "acme", "a", "ops"), models.ErrRuleInUse, "resolved alerts still reference the rule")

	_, err = repo.TransitionAlert(ctx, "acme", "al-1", models.SourcesFor(models.StatusArchived), models.StatusArchived, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "acme", "a", "ops"))

	_, err = s.Get(ctx, "acme", "a")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReloadReadsPersistedRules(t *testing.T) {
	s, repo, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, customSaleRule("a"), "ops")
	require.NoError(t, err)

	fresh, err := New(ctx, repo, nil)
	require.NoError(t, err)
	got, err := fresh.Get(ctx, "acme", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r := customSaleRule(string(rune('a' + i)))
			_, err := s.Upsert(ctx, r, "ops")
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, err := s.Match(ctx, "sale_completed", "acme")
				assert.NoError(t, err)
				assert.NotNil(t, r)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.List(ctx, "acme", "sale_completed"), 8)
}
