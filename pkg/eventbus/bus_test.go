package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *Bus {
	t.Helper()

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 10,
		Persistent:          true,
	}, watermill.NewSlogLogger(slog.Default()))

	bus := NewBus(pubSub, pubSub, slog.Default())

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestDecode(t *testing.T) {
	notification, err := Decode(EventAppendedNotification,
		[]byte(`{"workflow_id":"wf-1","tenant_id":"t1","head_seq":4}`))
	require.NoError(t, err)

	appended, ok := notification.(*EventAppended)
	require.True(t, ok)
	assert.Equal(t, "wf-1", appended.WorkflowID)
	assert.Equal(t, int64(4), appended.HeadSeq)

	_, err = Decode(NotificationType("something.else"), []byte(`{}`))
	assert.Error(t, err)
}

func TestBus_DeliversToAllHandlers(t *testing.T) {
	bus := testBus(t)

	first := make(chan Notification, 1)
	second := make(chan Notification, 1)

	bus.Handle(EventAppendedNotification, func(_ context.Context, n Notification) error {
		first <- n

		return nil
	})
	bus.Handle(EventAppendedNotification, func(_ context.Context, n Notification) error {
		second <- n

		return nil
	})

	require.NoError(t, bus.Subscribe(t.Context()))

	notification := EventAppended{
		BaseNotification: NewBaseNotification(EventAppendedNotification),
		WorkflowID:       "wf-1",
		TenantID:         "t1",
		HeadSeq:          7,
	}
	require.NoError(t, bus.Publish(t.Context(), "wf-1", notification))

	for _, ch := range []chan Notification{first, second} {
		select {
		case received := <-ch:
			appended, ok := received.(*EventAppended)
			require.True(t, ok)
			assert.Equal(t, int64(7), appended.HeadSeq)
		case <-time.After(2 * time.Second):
			t.Fatal("notification was not delivered")
		}
	}
}

func TestBus_HandlerErrorDoesNotBlockLaterMessages(t *testing.T) {
	bus := testBus(t)

	delivered := make(chan string, 2)

	bus.Handle(TemplatePublishedNotification, func(_ context.Context, n Notification) error {
		published := n.(*TemplatePublished)
		delivered <- published.TemplateID

		if published.TemplateID == "tpl-1" {
			return errors.New("cache refresh failed")
		}

		return nil
	})

	require.NoError(t, bus.Subscribe(t.Context()))

	// Notifications with different keys carry no delivery order, so each one
	// is awaited before the next is published. The failed first delivery is
	// acknowledged, not redelivered, so the second message still arrives.
	received := make([]string, 0, 2)

	for _, id := range []string{"tpl-1", "tpl-2"} {
		notification := TemplatePublished{
			BaseNotification: NewBaseNotification(TemplatePublishedNotification),
			TemplateID:       id,
		}
		require.NoError(t, bus.Publish(t.Context(), id, notification))

		select {
		case got := <-delivered:
			received = append(received, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected delivery of %s, got %v", id, received)
		}
	}

	assert.Equal(t, []string{"tpl-1", "tpl-2"}, received)
}
