package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize applies field normalization to an Event
// - lower-cases the event type
// - trims identifiers
// - fills a missing timestamp with the receipt time
func (e *Event) Normalize() {
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.TenantID = strings.TrimSpace(e.TenantID)
	e.ID = strings.TrimSpace(e.ID)

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}

	if e.Data == nil {
		e.Data = map[string]any{}
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time.
// An empty string yields the zero time and no error.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, nil
	}

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
