package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"stockpulse/internal/logger"
)

// NATSChannel publishes notifications to <prefix>.<tenant>.<priority>.
type NATSChannel struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSChannel(url, prefix string) (*NATSChannel, error) {
	log := logger.WithComponent("notify")

	conn, err := nats.Connect(url,
		nats.Name("stockpulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	log.Info().Str("url", url).Str("prefix", prefix).Msg("nats channel connected")
	return &NATSChannel{conn: conn, prefix: prefix}, nil
}

func (c *NATSChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", c.prefix, n.TenantID, n.Priority)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages before closing.
func (c *NATSChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn.Close()
	return err
}
