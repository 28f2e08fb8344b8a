package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/actions"
	"stockpulse/internal/alerts"
	"stockpulse/internal/clock"
	"stockpulse/internal/engine"
	"stockpulse/internal/escalation"
	"stockpulse/internal/metrics"
	"stockpulse/internal/middleware"
	"stockpulse/internal/models"
	"stockpulse/internal/notify"
	"stockpulse/internal/rules"
	"stockpulse/internal/storage"
	"stockpulse/internal/thresholds"
	"stockpulse/internal/worker"
)

// fakeQueue is a bounded Submitter.
type fakeQueue struct {
	mu    sync.Mutex
	limit int
	got   []*models.Envelope
}

func (q *fakeQueue) TrySubmit(env *models.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.got) >= q.limit {
		return worker.ErrQueueFull
	}
	q.got = append(q.got, env)
	return nil
}

type testServer struct {
	handler http.Handler
	queue   *fakeQueue
	alerts  *alerts.Manager
	rules   *rules.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryStore()
	clk := clock.NewFake(time.Now().Add(-time.Hour))

	system, err := thresholds.SystemTable()
	require.NoError(t, err)
	th := thresholds.NewManager(repo, system, clk)

	rs, err := rules.New(ctx, repo, clk, rules.WithAlertTypes(th.KnownTypes()))
	require.NoError(t, err)
	defaults, err := rules.Defaults()
	require.NoError(t, err)
	_, err = rs.SeedDefaults(ctx, defaults)
	require.NoError(t, err)

	agg := metrics.NewAggregator(clk, time.Hour, metrics.HealthThresholds{MinDeliveryRate: 0.9, MaxEscalationRate: 0.5})
	am := alerts.NewManager(alerts.Config{
		Repo:       repo,
		Thresholds: th,
		Channel:    notify.LogChannel{},
		Timers:     escalation.NewScheduler(clk, time.Minute),
		Recorder:   agg,
		Clock:      clk,
	})
	d := actions.NewDispatcher()
	actions.RegisterBuiltins(d, actions.LogPublisher{}, notify.LogChannel{})

	eng := engine.New(engine.Config{
		Rules:      rs,
		Thresholds: th,
		Dispatcher: d,
		Alerts:     am,
		Recorder:   agg,
		Clock:      clk,
	})

	ts := &testServer{queue: &fakeQueue{limit: 3}, alerts: am, rules: rs}
	ts.handler = NewRouter(Deps{
		Rules:      rs,
		Thresholds: th,
		Alerts:     am,
		Evaluator:  eng,
		Queue:      ts.queue,
		Health:     agg,
		Store:      repo,
		Stats:      func() any { return map[string]any{"summary": agg.Summary(time.Hour)} },
		NodeID:     "test-node",
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(middleware.HeaderTenantID, tenant)
	}
	req.Header.Set(HeaderActor, "ops@test")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestIngestSingleEvent(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/events", "", `{
		"id": "evt-1",
		"type": " Sale_Completed ",
		"tenant_id": "tenant-1",
		"timestamp": "2024-01-15T10:30:00Z",
		"data": {"total_amount": 10, "status": "completed"}
	}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[IngestResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Accepted)

	require.Len(t, ts.queue.got, 1)
	env := ts.queue.got[0]
	assert.Equal(t, "sale_completed", env.Event.Type)
	assert.Equal(t, "http", env.Source)
	assert.Equal(t, "test-node", env.IngestNode)
}

func TestIngestBatchUsesTenantHeader(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/events", "tenant-h", `{"events": [
		{"id": "a", "type": "sale_completed", "data": {}},
		{"id": "b", "type": "sale_completed", "tenant_id": "tenant-x", "data": {}}
	]}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, ts.queue.got, 2)
	assert.Equal(t, "tenant-h", ts.queue.got[0].Event.TenantID)
	assert.Equal(t, "tenant-x", ts.queue.got[1].Event.TenantID)
	assert.Equal(t, 1, ts.queue.got[1].BatchIndex)
}

func TestIngestValidationAndBackpressure(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/events", "", `[
		{"id": "ok-1", "type": "sale_completed", "tenant_id": "t", "data": {}},
		{"id": "no-tenant", "type": "sale_completed", "data": {}},
		{"id": "bad-ts", "type": "sale_completed", "tenant_id": "t", "timestamp": "later"},
		{"id": "ok-2", "type": "sale_completed", "tenant_id": "t"},
		{"id": "ok-3", "type": "sale_completed", "tenant_id": "t"},
		{"id": "overflow", "type": "sale_completed", "tenant_id": "t"}
	]`)
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decode[IngestResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, 3, resp.Accepted)
	assert.Equal(t, 3, resp.Rejected)
	require.Len(t, resp.Errors, 3)
	assert.Equal(t, 1, resp.Errors[0].Index)
	assert.Equal(t, models.ErrMissingTenant.Error(), resp.Errors[0].Error)
	assert.Equal(t, 2, resp.Errors[1].Index)
	assert.Equal(t, 5, resp.Errors[2].Index)
}

func TestIngestRejectsGarbage(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/events", "", `{"hello": "world"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/events", "", `[{"type": "sale_completed", "data": {}}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "all rejected")
}

func TestEvaluateSaleCompleted(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/events/evaluate", "tenant-1", `{
		"type": "sale_completed",
		"data": {"total_amount": 99.5, "status": "completed"}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[engine.Result](t, w)
	assert.Equal(t, engine.OutcomeMatched, res.Outcome)
	assert.Equal(t, "tenant-1", res.TenantID)
	assert.Equal(t, 3, res.ActionsExecuted)

	w = ts.do(t, http.MethodPost, "/v1/events/evaluate", "", `{"type": "sale_completed", "data": {}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, engine.OutcomeRejected, decode[engine.Result](t, w).Outcome)
}

func TestRulesCRUD(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/rules", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "tenant header is required")

	w = ts.do(t, http.MethodPost, "/v1/rules", "tenant-1", `{
		"id": "vip-sale",
		"event_type": "sale_completed",
		"name": "VIP sale",
		"enabled": true,
		"conditions": [{"field": "customer.tier", "operator": "equals", "value": "vip"}],
		"actions": [{"type": "log", "handler": "vip"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Rule](t, w)
	assert.Equal(t, "tenant-1", created.TenantID)
	assert.Equal(t, 1, created.Version)

	w = ts.do(t, http.MethodPost, "/v1/rules", "tenant-1", `{"id": "vip-sale", "event_type": "x", "name": "dup"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/rules", "tenant-1", `{"event_type": "sale_completed"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPatch, "/v1/rules/vip-sale", "tenant-1", `{"name": "VIP sale v2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[models.Rule](t, w).Version)

	w = ts.do(t, http.MethodPost, "/v1/rules/vip-sale/disable", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.Rule](t, w).Enabled)

	w = ts.do(t, http.MethodGet, "/v1/rules?event_type=sale_completed", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Rules []models.Rule `json:"rules"`
	}](t, w)
	require.Len(t, list.Rules, 1)

	w = ts.do(t, http.MethodGet, "/v1/rules/changes", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	changes := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 3, changes.Count)

	w = ts.do(t, http.MethodDelete, "/v1/rules/vip-sale", "tenant-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/rules/vip-sale", "tenant-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/rules/changes?from=yesterday", "tenant-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReservedTenantRejected(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/rules", models.DefaultTenant, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPatch, "/v1/rules/default-sale-completed", models.DefaultTenant, `{"enabled": false}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/v1/thresholds", models.DefaultTenant, `[{"alert_type": "low_stock", "value": 1, "priority": "INFO"}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the default rule is untouched
	rule, err := ts.rules.Get(context.Background(), models.DefaultTenant, "default-sale-completed")
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
}

func TestRuleUnknownAlertTypeRejected(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/rules", "tenant-1", `{
		"id": "big-sale",
		"event_type": "sale_completed",
		"name": "Big sale",
		"enabled": true,
		"alert_type": "big_sale",
		"conditions": [{"field": "total_amount", "operator": "greater_than", "value": 500}],
		"actions": [{"type": "log", "handler": "big_sale"}]
	}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestThresholdBatch(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/v1/thresholds", "tenant-1", `[
		{"alert_type": "low_stock", "value": 25, "unit": "units", "priority": "critical", "auto_escalate": true},
		{"alert_type": "low_margin", "value": 10, "unit": "percent", "priority": "WARNING"},
		{"alert_type": "no_such_type", "value": 1, "priority": "INFO"}
	]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[thresholds.BatchResult](t, w)
	assert.Len(t, res.Updated, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Index)

	w = ts.do(t, http.MethodGet, "/v1/thresholds", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	eff := decode[struct {
		Thresholds []models.EffectiveThreshold `json:"thresholds"`
	}](t, w)
	found := false
	for _, e := range eff.Thresholds {
		if e.AlertType == "low_stock" {
			found = true
			assert.Equal(t, 25.0, e.Value)
			assert.Equal(t, models.SourceCustom, e.Source)
			require.NotNil(t, e.SystemDefault)
			assert.Equal(t, 10.0, e.SystemDefault.Value)
		}
	}
	assert.True(t, found)

	w = ts.do(t, http.MethodPut, "/v1/thresholds", "tenant-1", `{"thresholds": [{"alert_type": "bogus", "priority": "INFO"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/thresholds/changes", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)
}

func TestAlertLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/events/evaluate", "tenant-1", `{
		"type": "low_stock_detected",
		"data": {"product_name": "Oat milk", "current_stock": 2}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[engine.Result](t, w)
	require.Len(t, res.Matches, 1)
	id := res.Matches[0].AlertID
	require.NotEmpty(t, id)

	w = ts.do(t, http.MethodGet, "/v1/alerts?status=active", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)

	w = ts.do(t, http.MethodGet, "/v1/alerts/"+id, "tenant-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "alerts are tenant scoped")

	w = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/archive", "tenant-1", `{"reason": "too early"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/acknowledge", "tenant-1", `{"reason": "on it"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusAcknowledged, decode[models.Alert](t, w).Status)

	// an open low_stock alert keeps the default rule in place
	err := ts.rules.Delete(context.Background(), models.DefaultTenant, "default-low-stock", "ops")
	assert.ErrorIs(t, err, models.ErrRuleInUse)

	w = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/resolve", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/v1/alerts/"+id+"/archive", "tenant-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusArchived, decode[models.Alert](t, w).Status)

	w = ts.do(t, http.MethodGet, "/v1/alerts?status=bogus", "tenant-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, "ok", health["store"])

	w = ts.do(t, http.MethodGet, "/stats", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "summary")

	w = ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stockpulse_")
}
