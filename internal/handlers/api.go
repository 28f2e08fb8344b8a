package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockpulse/internal/alerts"
	"stockpulse/internal/engine"
	"stockpulse/internal/logger"
	"stockpulse/internal/metrics"
	"stockpulse/internal/middleware"
	"stockpulse/internal/models"
	"stockpulse/internal/thresholds"
)

// HeaderActor names the caller recorded in audit entries.
const HeaderActor = "X-User-ID"

// RuleService manages tenant rules.
type RuleService interface {
	List(ctx context.Context, tenantID, eventType string) []models.Rule
	Get(ctx context.Context, tenantID, id string) (models.Rule, error)
	Upsert(ctx context.Context, rule models.Rule, changedBy string) (models.Rule, error)
	Patch(ctx context.Context, tenantID, id string, patch models.RulePatch, changedBy string) (models.Rule, error)
	SetEnabled(ctx context.Context, tenantID, id string, enabled bool, changedBy string) (models.Rule, error)
	Delete(ctx context.Context, tenantID, id, changedBy string) error
	Changes(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
}

// ThresholdService manages tenant threshold overrides.
type ThresholdService interface {
	GetEffective(ctx context.Context, tenantID string) ([]models.EffectiveThreshold, error)
	UpsertBatch(ctx context.Context, tenantID string, items []models.Threshold, changedBy string) (thresholds.BatchResult, error)
	Changes(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error)
}

// AlertService reads alerts and drives their lifecycle.
type AlertService interface {
	Get(ctx context.Context, tenantID, id string) (*models.Alert, error)
	List(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
	Acknowledge(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error)
	Resolve(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error)
	Archive(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error)
}

// Evaluator processes one event synchronously.
type Evaluator interface {
	Process(ctx context.Context, event *models.Event) (*engine.Result, error)
}

// HealthReporter reports the engine health derived from recent metrics.
type HealthReporter interface {
	HealthStatus() metrics.Health
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the HTTP API.
type Deps struct {
	Rules      RuleService
	Thresholds ThresholdService
	Alerts     AlertService
	Evaluator  Evaluator
	Queue      Submitter
	Health     HealthReporter
	Store      Pinger
	// Stats returns the /stats document
	Stats       func() any
	NodeID      string
	MaxBodySize int64
}

// NewRouter builds the chi router for the public and admin API.
func NewRouter(d Deps) http.Handler {
	if d.MaxBodySize <= 0 {
		d.MaxBodySize = 10 * 1024 * 1024
	}
	h := &api{Deps: d}
	ingest := NewIngestHandler(IngestConfig{Queue: d.Queue, NodeID: d.NodeID, MaxBodySize: d.MaxBodySize})

	r := chi.NewRouter()
	r.Use(middleware.Recovery, middleware.Logging, middleware.Tenant)

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/events", ingest)
		r.Post("/events/evaluate", h.evaluate)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.listRules)
			r.Post("/", h.createRule)
			r.Get("/changes", h.ruleChanges)
			r.Get("/{id}", h.getRule)
			r.Put("/{id}", h.replaceRule)
			r.Patch("/{id}", h.patchRule)
			r.Delete("/{id}", h.deleteRule)
			r.Post("/{id}/enable", h.enableRule(true))
			r.Post("/{id}/disable", h.enableRule(false))
		})

		r.Route("/thresholds", func(r chi.Router) {
			r.Get("/", h.getThresholds)
			r.Put("/", h.putThresholds)
			r.Get("/changes", h.thresholdChanges)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.listAlerts)
			r.Get("/{id}", h.getAlert)
			r.Post("/{id}/acknowledge", h.transition(h.Alerts.Acknowledge))
			r.Post("/{id}/resolve", h.transition(h.Alerts.Resolve))
			r.Post("/{id}/archive", h.transition(h.Alerts.Archive))
		})
	})

	return r
}

type api struct {
	Deps
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK

	if a.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Store.Ping(ctx); err != nil {
			body["store"] = err.Error()
			body["status"] = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			body["store"] = "ok"
		}
	}
	if a.Health != nil {
		h := a.Health.HealthStatus()
		body["engine"] = h
		if !h.Healthy && status == http.StatusOK {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, status, body)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	if a.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, a.Stats())
}

// evaluate runs one event through the engine and returns the result.
func (a *api) evaluate(w http.ResponseWriter, r *http.Request) {
	var in models.EventInput
	if err := decodeJSON(w, r, a.MaxBodySize, &in); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.TenantID == "" {
		in.TenantID = middleware.TenantID(r.Context())
	}
	event, err := in.ToEvent()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := a.Evaluator.Process(r.Context(), event)
	if err != nil {
		log := logger.WithRequestID(middleware.RequestID(r.Context()))
		log.Error().Err(err).Str("event_type", event.Type).Msg("evaluate failed")
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == engine.OutcomeRejected {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (a *api) transition(fn func(ctx context.Context, tenantID, id, reason, actor string) (*models.Alert, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, a.MaxBodySize, &body); err != nil {
				writeErrorMsg(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		alert, err := fn(r.Context(), tenant, chi.URLParam(r, "id"), body.Reason, actor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}

func (a *api) getAlert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	alert, err := a.Alerts.Get(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *api) listAlerts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := models.AlertFilter{TenantID: tenant, AlertType: q.Get("type")}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s == "" {
			continue
		}
		st := models.AlertStatus(s)
		if !st.IsValid() {
			writeErrorMsg(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	var err error
	if filter.From, filter.To, filter.Limit, err = rangeParams(r); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := a.Alerts.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

// auditFilter builds a tenant audit filter from from/to/limit query params.
func auditFilter(w http.ResponseWriter, r *http.Request) (models.AuditFilter, bool) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return models.AuditFilter{}, false
	}
	from, to, limit, err := rangeParams(r)
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return models.AuditFilter{}, false
	}
	return models.AuditFilter{
		TenantID: tenant,
		EntityID: r.URL.Query().Get("entity_id"),
		From:     from,
		To:       to,
		Limit:    limit,
	}, true
}

func rangeParams(r *http.Request) (from, to time.Time, limit int, err error) {
	q := r.URL.Query()
	if from, err = models.ParseTimestamp(q.Get("from")); err != nil {
		return from, to, 0, fmt.Errorf("from: %w", err)
	}
	if to, err = models.ParseTimestamp(q.Get("to")); err != nil {
		return from, to, 0, fmt.Errorf("to: %w", err)
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return from, to, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return from, to, limit, nil
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := middleware.TenantID(r.Context())
	if err := models.CheckTenant(tenant); err != nil {
		writeError(w, err)
		return "", false
	}
	return tenant, true
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(HeaderActor)); a != "" {
		return a
	}
	return "api"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrMissingTenant),
		errors.Is(err, models.ErrInvalidTimestamp),
		errors.Is(err, models.ErrEmptyEventType):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrRuleInUse),
		errors.Is(err, models.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRule),
		errors.Is(err, models.ErrInvalidThreshold):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeErrorMsg(w, status, msg)
}

// writeErrorMsg writes an error response
func writeErrorMsg(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ AlertService = (*alerts.Manager)(nil)
