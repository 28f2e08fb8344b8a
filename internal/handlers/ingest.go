package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"stockpulse/internal/metrics"
	"stockpulse/internal/middleware"
	"stockpulse/internal/models"
)

// Submitter queues envelopes for asynchronous processing.
type Submitter interface {
	TrySubmit(env *models.Envelope) error
}

// IngestHandler accepts events over HTTP and queues them for the workers.
type IngestHandler struct {
	queue Submitter

	// Node identifier for tracking
	nodeID string

	// Batch counter for generating batch IDs
	batchCounter uint64

	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Queue       Submitter
	NodeID      string
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		queue:       cfg.Queue,
		nodeID:      nodeID,
		maxBodySize: maxBodySize,
	}
}

// IngestRequest is the batch form of the payload.
type IngestRequest struct {
	Events []models.EventInput `json:"events"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	BatchID  string        `json:"batch_id"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation error for a specific event
type IngestError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMsg(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeErrorMsg(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorMsg(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := parseBody(body)
	if err != nil {
		metrics.IngestValidationErrors.WithLabelValues("malformed").Inc()
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(inputs) == 0 {
		writeErrorMsg(w, http.StatusBadRequest, "no events provided")
		return
	}

	response := h.processEvents(inputs, middleware.TenantID(r.Context()), h.generateBatchID())

	status := http.StatusAccepted
	if response.Rejected > 0 && response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// parseBody accepts {"events":[...]}, an array of events or one event.
func parseBody(body []byte) ([]models.EventInput, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil && len(req.Events) > 0 {
		return req.Events, nil
	}

	var events []models.EventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	var single models.EventInput
	if err := json.Unmarshal(body, &single); err == nil && (single.Type != "" || single.EventType != "") {
		return []models.EventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

// processEvents validates, normalizes, and queues events
func (h *IngestHandler) processEvents(inputs []models.EventInput, headerTenant, batchID string) IngestResponse {
	response := IngestResponse{
		BatchID: batchID,
		Errors:  make([]IngestError, 0),
	}

	reject := func(i int, id string, err error, kind string) {
		response.Errors = append(response.Errors, IngestError{Index: i, EventID: id, Error: err.Error()})
		response.Rejected++
		metrics.IngestValidationErrors.WithLabelValues(kind).Inc()
		metrics.IngestEventsTotal.WithLabelValues("http", "rejected").Inc()
	}

	for i, input := range inputs {
		if input.TenantID == "" {
			input.TenantID = headerTenant
		}
		event, err := input.ToEvent()
		if err != nil {
			reject(i, input.ID, err, "timestamp")
			continue
		}

		event.Normalize()
		if err := event.Validate(); err != nil {
			reject(i, event.ID, err, validationKind(err))
			continue
		}

		envelope := models.NewEnvelope(event, "http", h.nodeID).WithBatch(batchID, i)
		if err := h.queue.TrySubmit(envelope); err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:   i,
				EventID: event.ID,
				Error:   "internal queue full, try again later",
			})
			response.Rejected++
			metrics.IngestEventsTotal.WithLabelValues("http", "dropped").Inc()
			continue
		}
		response.Accepted++
		metrics.IngestEventsTotal.WithLabelValues("http", "accepted").Inc()
	}

	response.Success = response.Rejected == 0
	return response
}

func validationKind(err error) string {
	switch {
	case errors.Is(err, models.ErrMissingTenant):
		return "missing_tenant"
	case errors.Is(err, models.ErrEmptyEventType):
		return "empty_type"
	case errors.Is(err, models.ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, models.ErrTooManyFields):
		return "too_many_fields"
	default:
		return "other"
	}
}

// generateBatchID generates a unique batch ID
func (h *IngestHandler) generateBatchID() string {
	counter := atomic.AddUint64(&h.batchCounter, 1)
	return fmt.Sprintf("%s-%d-%d", h.nodeID, time.Now().UnixNano(), counter)
}
