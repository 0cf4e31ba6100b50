// Package notifier defines the notification transport contract the engine
// calls out to. The transport itself is an external collaborator.
package notifier

import "context"

// Delivery is the transport's answer for one send.
type Delivery struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"message_id,omitempty"`
}

// Transport sends a templated notification to recipients.
type Transport interface {
	Send(ctx context.Context, templateID string, recipients []string, variables map[string]any) (Delivery, error)
}

// Noop is a transport that records nothing and always reports delivery. Used
// when no transport is configured.
type Noop struct{}

func (Noop) Send(_ context.Context, _ string, _ []string, _ map[string]any) (Delivery, error) {
	return Delivery{Delivered: true}, nil
}
