// Package notify delivers alert notifications to external channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"stockpulse/internal/models"
)

// Notification is the outbound message for one alert.
type Notification struct {
	TenantID        string          `json:"tenant_id"`
	AlertID         string          `json:"alert_id"`
	AlertType       string          `json:"alert_type"`
	Priority        models.Priority `json:"priority"`
	Channels        []string        `json:"channels"`
	RenderedMessage string          `json:"rendered_message"`
	Escalated       bool            `json:"escalated,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Channel sends notifications. Send must not block on end delivery.
type Channel interface {
	Send(ctx context.Context, n Notification) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, n Notification) error

func (f ChannelFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

var templates sync.Map // text -> *template.Template

// Render executes a text/template message against the event payload.
// Missing keys render as empty values.
func Render(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	var tmpl *template.Template
	if cached, ok := templates.Load(text); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("message").Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", fmt.Errorf("parse message template: %w", err)
		}
		templates.Store(text, parsed)
		tmpl = parsed
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return strings.ReplaceAll(sb.String(), "<no value>", ""), nil
}
