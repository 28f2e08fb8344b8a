package models

import (
	"time"
)

// Envelope wraps an Event with internal metadata for processing
type Envelope struct {
	// Original event
	Event *Event `json:"event"`

	// Internal processing metadata
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"` // http or kafka
	IngestNode string    `json:"ingest_node"`
	BatchID    string    `json:"batch_id,omitempty"`
	BatchIndex int       `json:"batch_index,omitempty"`

	// Called once processing finished; commits the source offset for
	// Kafka-delivered events. Nil for HTTP.
	Ack func() `json:"-"`
}

// NewEnvelope creates a new envelope wrapping an event
func NewEnvelope(event *Event, source, ingestNode string) *Envelope {
	return &Envelope{
		Event:      event,
		ReceivedAt: time.Now().UTC(),
		Source:     source,
		IngestNode: ingestNode,
	}
}

// WithBatch sets batch metadata on the envelope
func (e *Envelope) WithBatch(batchID string, index int) *Envelope {
	e.BatchID = batchID
	e.BatchIndex = index
	return e
}
