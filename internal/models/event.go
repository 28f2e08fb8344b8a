package models

import (
	"time"
)

// Event is a tenant-scoped business event delivered by an event source
// (HTTP ingest or the Kafka events topic).
type Event struct {
	// Optional producer-assigned identifier, used for de-duplication
	ID string `json:"id,omitempty"`

	// Event type, e.g. sale_completed or low_stock_detected
	Type string `json:"type"`

	// Tenant the event belongs to
	TenantID string `json:"tenant_id"`

	// Business payload the rule conditions are evaluated against
	Data map[string]any `json:"data"`

	// When the event happened; defaults to receipt time
	Timestamp time.Time `json:"timestamp"`
}

const (
	MaxPayloadFields = 256
)

// Validate checks the event contract. The tenant is checked first so that
// a tenantless event is rejected before anything else is inspected.
func (e *Event) Validate() error {
	if err := CheckTenant(e.TenantID); err != nil {
		return err
	}

	if e.Type == "" {
		return ErrEmptyEventType
	}

	if e.Timestamp.After(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	if len(e.Data) > MaxPayloadFields {
		return ErrTooManyFields
	}

	return nil
}

// EventInput is the wire form of an Event. The timestamp stays a string so
// every format in SupportedTimestampFormats is accepted; "event_type" is
// accepted as an alias of "type".
type EventInput struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	EventType string         `json:"event_type,omitempty"`
	TenantID  string         `json:"tenant_id"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// ToEvent converts the input, failing only on an unparseable timestamp.
func (in EventInput) ToEvent() (*Event, error) {
	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return nil, err
	}
	typ := in.Type
	if typ == "" {
		typ = in.EventType
	}
	return &Event{
		ID:        in.ID,
		Type:      typ,
		TenantID:  in.TenantID,
		Data:      in.Data,
		Timestamp: ts,
	}, nil
}
