package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"stockpulse/internal/logger"
	"stockpulse/internal/models"
	"stockpulse/internal/notify"
)

// CommandPublisher delivers service commands to the owning service.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd models.Command) error
}

// ServiceHandler delegates action.Handler (e.g. decreaseStock) to an
// external service as a command message.
func ServiceHandler(pub CommandPublisher) Handler {
	return func(ctx context.Context, action models.Action, event *models.Event) error {
		if action.Handler == "" {
			return errors.New("service action needs a handler name")
		}
		cmd := models.Command{
			ID:         uuid.NewString(),
			TenantID:   event.TenantID,
			Operation:  action.Handler,
			Parameters: action.Parameters,
			EventID:    event.ID,
			EventType:  event.Type,
			Payload:    event.Data,
			IssuedAt:   event.Timestamp,
		}
		if err := pub.PublishCommand(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", action.Handler, err)
		}
		return nil
	}
}

// NotifyHandler sends a notification described by the action parameters:
// message (template), priority and channels.
func NotifyHandler(ch notify.Channel) Handler {
	return func(ctx context.Context, action models.Action, event *models.Event) error {
		text, _ := action.Parameters["message"].(string)
		if text == "" {
			text = fmt.Sprintf("%s event for %s", event.Type, event.TenantID)
		}
		msg, err := notify.Render(text, event.Data)
		if err != nil {
			return err
		}

		priority := models.PriorityInfo
		if p, ok := action.Parameters["priority"].(string); ok && models.ParsePriority(p).IsValid() {
			priority = models.ParsePriority(p)
		}

		return ch.Send(ctx, notify.Notification{
			TenantID:        event.TenantID,
			AlertType:       action.Handler,
			Priority:        priority,
			Channels:        stringList(action.Parameters["channels"], priority.DefaultChannels()),
			RenderedMessage: msg,
			Timestamp:       event.Timestamp,
		})
	}
}

// LogHandler writes the matched event to the structured log.
func LogHandler() Handler {
	return func(ctx context.Context, action models.Action, event *models.Event) error {
		log := logger.WithTenant("actions", event.TenantID)
		log.Info().
			Str("handler", action.Handler).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Interface("parameters", action.Parameters).
			Msg("rule action")
		return nil
	}
}

// LogPublisher logs commands instead of sending them. Used when Kafka is
// disabled.
type LogPublisher struct{}

func (LogPublisher) PublishCommand(ctx context.Context, cmd models.Command) error {
	log := logger.WithTenant("actions", cmd.TenantID)
	log.Info().
		Str("command_id", cmd.ID).
		Str("operation", cmd.Operation).
		Str("event_type", cmd.EventType).
		Msg("service command")
	return nil
}

// RegisterBuiltins registers the service, notify and log handlers.
func RegisterBuiltins(d *Dispatcher, pub CommandPublisher, ch notify.Channel) {
	d.Register("service", ServiceHandler(pub))
	d.Register("notify", NotifyHandler(ch))
	d.Register("log", LogHandler())
}

func stringList(v any, fallback []string) []string {
	switch list := v.(type) {
	case []string:
		if len(list) > 0 {
			return append([]string(nil), list...)
		}
	case []any:
		out := make([]string, 0, len(list))
		for _, x := range list {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
