package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"stockpulse/internal/models"
)

func (a *api) listRules(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	list := a.Rules.List(r.Context(), tenant, r.URL.Query().Get("event_type"))
	if list == nil {
		list = []models.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

func (a *api) getRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	rule, err := a.Rules.Get(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// createRule stores a new rule for the caller's tenant. An existing id is
// rejected; use PUT to replace.
func (a *api) createRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var rule models.Rule
	if err := decodeJSON(w, r, a.MaxBodySize, &rule); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	if rule.ID != "" {
		if _, err := a.Rules.Get(r.Context(), tenant, rule.ID); err == nil {
			writeErrorMsg(w, http.StatusConflict, "rule "+rule.ID+" already exists")
			return
		}
	}
	rule.TenantID = tenant

	saved, err := a.Rules.Upsert(r.Context(), rule, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (a *api) replaceRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var rule models.Rule
	if err := decodeJSON(w, r, a.MaxBodySize, &rule); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.TenantID = tenant
	rule.ID = chi.URLParam(r, "id")

	saved, err := a.Rules.Upsert(r.Context(), rule, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *api) patchRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var patch models.RulePatch
	if err := decodeJSON(w, r, a.MaxBodySize, &patch); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := a.Rules.Patch(r.Context(), tenant, chi.URLParam(r, "id"), patch, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *api) deleteRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if err := a.Rules.Delete(r.Context(), tenant, chi.URLParam(r, "id"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) enableRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		saved, err := a.Rules.SetEnabled(r.Context(), tenant, chi.URLParam(r, "id"), enabled, actor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

func (a *api) ruleChanges(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	records, err := a.Rules.Changes(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": nonNil(records), "count": len(records)})
}

func nonNil(records []models.AuditRecord) []models.AuditRecord {
	if records == nil {
		return []models.AuditRecord{}
	}
	return records
}
