package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Handler reacts to one decoded notification.
type Handler func(ctx context.Context, notification Notification) error

type Publisher interface {
	Publish(ctx context.Context, key string, notification Notification) error
}

type Subscriber interface {
	Handle(notificationType NotificationType, handler Handler)
	Subscribe(ctx context.Context) error
}

type EventBus interface {
	Publisher
	Subscriber
	Close() error
}

// Bus carries engine notifications over a watermill publisher/subscriber
// pair. A notification is a prompt, not a unit of work: everything it
// triggers (projection catch-up, cache refresh) is also performed by the
// periodic sweeps, so a failing handler is logged and the message
// acknowledged rather than redelivered. Only an undecodable message is
// nacked.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[NotificationType][]Handler
}

// NewBus wraps a watermill publisher/subscriber pair.
func NewBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "eventbus"),
		handlers:   make(map[NotificationType][]Handler),
	}
}

// Publish sends a notification with its key (the workflow id for
// per-workflow notifications) recorded in the message metadata. The key does
// not select a partition; delivery order across notifications is not
// guaranteed.
func (b *Bus) Publish(ctx context.Context, key string, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", notification.GetType(), err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate message ID: %w", err)
	}

	msg := message.NewMessage(id.String(), payload)
	msg.Metadata.Set(NotificationMetadataKey, key)
	msg.Metadata.Set(NotificationTypeMetadataKey, string(notification.GetType()))

	return b.publisher.Publish(Topic, msg)
}

// Handle registers a handler for a notification type. A type may have
// several handlers; all run for each message.
func (b *Bus) Handle(notificationType NotificationType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[notificationType] = append(b.handlers[notificationType], handler)
}

// Subscribe starts consuming the notification topic.
func (b *Bus) Subscribe(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}

	go b.consume(ctx, messages)

	return nil
}

func (b *Bus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		notificationType := NotificationType(msg.Metadata.Get(NotificationTypeMetadataKey))

		notification, err := Decode(notificationType, msg.Payload)
		if err != nil {
			b.logger.WarnContext(ctx, "dropping undecodable notification",
				"notification_type", string(notificationType), "error", err)
			msg.Nack()

			continue
		}

		for _, handler := range b.handlersFor(notificationType) {
			err := handler(ctx, notification)
			if err != nil {
				// The sweeps redo this work; do not redeliver.
				b.logger.WarnContext(ctx, "notification handler failed",
					"notification_type", string(notificationType), "error", err)
			}
		}

		msg.Ack()
	}
}

func (b *Bus) handlersFor(notificationType NotificationType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.handlers[notificationType]
}

// Close shuts down both sides of the channel.
func (b *Bus) Close() error {
	err := b.publisher.Close()
	if err != nil {
		return err
	}

	return b.subscriber.Close()
}
