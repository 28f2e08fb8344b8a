package thresholds

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/clock"
	"stockpulse/internal/models"
	"stockpulse/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	system, err := SystemTable()
	require.NoError(t, err)
	repo := storage.NewMemoryStore()
	c := clock.NewFake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	return NewManager(repo, system, c), repo
}

func TestSystemTable(t *testing.T) {
	system, err := SystemTable()
	require.NoError(t, err)

	byType := map[string]models.Threshold{}
	for _, th := range system {
		assert.Equal(t, models.SourceSystem, th.Source)
		byType[th.AlertType] = th
	}
	require.Contains(t, byType, "out_of_stock")
	assert.Equal(t, models.PriorityCritical, byType["out_of_stock"].Priority)
	assert.Equal(t, 15*time.Minute, byType["out_of_stock"].EscalationDelay())
	assert.Equal(t, 120*time.Minute, byType["inventory_discrepancy"].EscalationDelay())
	assert.Equal(t, []string{"email", "push", "dashboard"}, byType["low_stock"].NotificationChannels())
}

func TestMergePrecedence(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.UpsertBatch(ctx, "acme", []models.Threshold{{
		AlertType: "low_stock",
		Value:     25,
		Unit:      "units",
		Priority:  "critical",
	}}, "ops")
	require.NoError(t, err)
	require.Len(t, res.Updated, 1)

	eff, err := m.GetEffective(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, eff, len(m.KnownTypes()))

	count := 0
	for _, e := range eff {
		if e.AlertType != "low_stock" {
			assert.Equal(t, models.SourceSystem, e.Source)
			assert.Nil(t, e.SystemDefault)
			continue
		}
		count++
		assert.Equal(t, models.SourceCustom, e.Source)
		assert.Equal(t, 25.0, e.Value)
		assert.Equal(t, models.PriorityCritical, e.Priority)
		// wholesale replacement: auto_escalate is not inherited from the system entry
		assert.False(t, e.AutoEscalate)
		require.NotNil(t, e.SystemDefault)
		assert.Equal(t, 10.0, e.SystemDefault.Value)
		assert.Equal(t, models.SourceSystem, e.SystemDefault.Source)
	}
	assert.Equal(t, 1, count, "exactly one effective entry per alert type")

	other, err := m.Effective(ctx, "globex", "low_stock")
	require.NoError(t, err)
	assert.Equal(t, models.SourceSystem, other.Source)
}

func TestBatchPartialSuccess(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	res, err := m.UpsertBatch(ctx, "acme", []models.Threshold{
		{AlertType: "low_stock", Value: 5, Priority: models.PriorityWarning},
		{AlertType: "low_margin", Value: 12, Priority: "SEVERE"},
		{AlertType: "overstock", Value: 150, Priority: models.PriorityInfo},
	}, "ops")
	require.NoError(t, err)
	assert.Len(t, res.Updated, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Contains(t, res.Errors[0].Reason, "priority")

	lowStock, err := m.Effective(ctx, "acme", "low_stock")
	require.NoError(t, err)
	assert.Equal(t, 5.0, lowStock.Value)
	overstock, err := m.Effective(ctx, "acme", "overstock")
	require.NoError(t, err)
	assert.Equal(t, 150.0, overstock.Value)
	lowMargin, err := m.Effective(ctx, "acme", "low_margin")
	require.NoError(t, err)
	assert.Equal(t, models.SourceSystem, lowMargin.Source)

	changes, err := m.Changes(ctx, models.AuditFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, changes, 2, "one audit record per accepted item")

	// a fresh manager sees the persisted overrides
	system, _ := SystemTable()
	fresh := NewManager(repo, system, nil)
	again, err := fresh.Effective(ctx, "acme", "overstock")
	require.NoError(t, err)
	assert.Equal(t, models.SourceCustom, again.Source)
}

func TestBatchValidation(t *testing.T) {
	m, _ := newTestManager(t)

	res, err := m.UpsertBatch(context.Background(), "acme", []models.Threshold{
		{AlertType: "no_such_type", Value: 1, Priority: models.PriorityInfo},
		{AlertType: "low_stock", Value: math.NaN(), Priority: models.PriorityInfo},
		{AlertType: "low_stock", Value: 1, Priority: models.PriorityInfo, EscalationDelayMinutes: models.DelayMinutes(-5)},
	}, "ops")
	require.NoError(t, err)
	assert.Empty(t, res.Updated)
	require.Len(t, res.Errors, 3)
	for i, e := range res.Errors {
		assert.Equal(t, i, e.Index)
	}

	_, err = m.UpsertBatch(context.Background(), "", nil, "ops")
	assert.ErrorIs(t, err, models.ErrMissingTenant)
}

func TestEffectiveUnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Effective(context.Background(), "acme", "bogus")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
