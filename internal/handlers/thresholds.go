package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"stockpulse/internal/models"
)

func (a *api) getThresholds(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	list, err := a.Thresholds.GetEffective(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": list})
}

// putThresholds applies a batch of overrides. The body is either an array
// or {"thresholds": [...]}. Invalid items are reported per index and never
// block the valid ones.
func (a *api) putThresholds(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorMsg(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var items []models.Threshold
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Thresholds []models.Threshold `json:"thresholds"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "invalid JSON format: expected threshold array")
			return
		}
		items = wrapped.Thresholds
	}
	if len(items) == 0 {
		writeErrorMsg(w, http.StatusBadRequest, "no thresholds provided")
		return
	}

	res, err := a.Thresholds.UpsertBatch(r.Context(), tenant, items, actor(r))
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"success": false,
			"error":   err.Error(),
			"result":  res,
		})
		return
	}

	status := http.StatusOK
	if len(res.Updated) == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (a *api) thresholdChanges(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	records, err := a.Thresholds.Changes(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": nonNil(records), "count": len(records)})
}
