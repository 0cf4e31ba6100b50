// Package eventbus provides event-driven notifications around the workflow
// engine: post-commit append notifications for projection catch-up and
// template publication notifications for registry cache refresh.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridbee/marketflow/pkg/models"
)

type NotificationType string

// Notification is implemented by every concrete notification type below.
type Notification interface {
	GetType() NotificationType
}

// Kafka topic for engine notifications.
const Topic = "marketflow.notifications"

const NotificationMetadataKey = "key"
const NotificationTypeMetadataKey = "notification_type"

const (
	// EventAppendedNotification signals that events were committed to a
	// workflow's log; projections and auditors catch up from it.
	EventAppendedNotification NotificationType = "workflow.event.appended"

	// TemplatePublishedNotification signals a new template version; registry
	// caches refresh on it.
	TemplatePublishedNotification NotificationType = "template.published"

	// ProjectionLagNotification is the operator alert for projections
	// trailing the log beyond the configured threshold.
	ProjectionLagNotification NotificationType = "projection.lag"

	// IntegrityAlertNotification is the operator alert for invariant
	// violations such as a non-dense sequence.
	IntegrityAlertNotification NotificationType = "integrity.alert"
)

type BaseNotification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventAppended carries the head of the committed batch.
type EventAppended struct {
	BaseNotification

	WorkflowID string             `json:"workflow_id"`
	TenantID   string             `json:"tenant_id"`
	HeadSeq    int64              `json:"head_seq"`
	EventTypes []models.EventType `json:"event_types"`
}

func (e EventAppended) GetType() NotificationType {
	return EventAppendedNotification
}

type TemplatePublished struct {
	BaseNotification

	TemplateID string            `json:"template_id"`
	MarketRole models.MarketRole `json:"market_role"`
	Version    int               `json:"version"`
}

func (e TemplatePublished) GetType() NotificationType {
	return TemplatePublishedNotification
}

type ProjectionLag struct {
	BaseNotification

	WorkflowID   string `json:"workflow_id"`
	HeadSeq      int64  `json:"head_seq"`
	ProjectedSeq int64  `json:"projected_seq"`
}

func (e ProjectionLag) GetType() NotificationType {
	return ProjectionLagNotification
}

type IntegrityAlert struct {
	BaseNotification

	WorkflowID string `json:"workflow_id"`
	Detail     string `json:"detail"`
}

func (e IntegrityAlert) GetType() NotificationType {
	return IntegrityAlertNotification
}

func NewBaseNotification(notificationType NotificationType) BaseNotification {
	return BaseNotification{
		ID:        uuid.New().String(),
		Type:      notificationType,
		Timestamp: time.Now().UTC(),
	}
}

// decoders maps each notification type to a constructor for its concrete
// type. Kept next to the type definitions so adding a notification cannot
// miss its decoder.
var decoders = map[NotificationType]func() Notification{
	EventAppendedNotification:     func() Notification { return &EventAppended{} },
	TemplatePublishedNotification: func() Notification { return &TemplatePublished{} },
	ProjectionLagNotification:     func() Notification { return &ProjectionLag{} },
	IntegrityAlertNotification:    func() Notification { return &IntegrityAlert{} },
}

// Decode turns a raw payload back into its concrete notification.
func Decode(notificationType NotificationType, payload []byte) (Notification, error) {
	factory, ok := decoders[notificationType]
	if !ok {
		return nil, fmt.Errorf("unknown notification type: %s", notificationType)
	}

	notification := factory()

	err := json.Unmarshal(payload, notification)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s notification: %w", notificationType, err)
	}

	return notification, nil
}
