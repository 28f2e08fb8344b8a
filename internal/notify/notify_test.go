package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/models"
)

func TestRender(t *testing.T) {
	data := map[string]any{"product_name": "Widget", "current_stock": 3}

	msg, err := Render("{{.product_name}} is down to {{.current_stock}} units", data)
	require.NoError(t, err)
	assert.Equal(t, "Widget is down to 3 units", msg)

	msg, err = Render("{{.missing}} left", data)
	require.NoError(t, err)
	assert.Equal(t, " left", msg)

	msg, err = Render("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", msg)

	_, err = Render("{{.unclosed", data)
	assert.Error(t, err)
}

func TestChannelFunc(t *testing.T) {
	var got Notification
	ch := ChannelFunc(func(_ context.Context, n Notification) error {
		got = n
		return nil
	})
	require.NoError(t, ch.Send(context.Background(), Notification{AlertID: "a1"}))
	assert.Equal(t, "a1", got.AlertID)

	assert.NoError(t, LogChannel{}.Send(context.Background(), Notification{AlertID: "a1"}))
}

// Set NATS_TEST_URL to run against a live server.
func TestNATSChannel(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("test.notifications.acme.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	ch, err := NewNATSChannel(url, "test.notifications")
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), Notification{
		TenantID: "acme", AlertID: "a1", Priority: models.PriorityCritical,
	}))

	select {
	case m := <-msgs:
		assert.Equal(t, "test.notifications.acme.CRITICAL", m.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}
