package notify

import (
	"context"

	"stockpulse/internal/logger"
)

// LogChannel writes notifications to the structured log. Used when no
// broker is configured.
type LogChannel struct{}

func (LogChannel) Send(ctx context.Context, n Notification) error {
	log := logger.WithAlert("notify", n.TenantID, n.AlertID)
	log.Info().
		Str("alert_type", n.AlertType).
		Str("priority", string(n.Priority)).
		Strs("channels", n.Channels).
		Bool("escalated", n.Escalated).
		Str("message", n.RenderedMessage).
		Msg("notification")
	return nil
}
