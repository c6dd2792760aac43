package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// NotificationPublisher publishes workflow events to NATS JetStream for
// consumption by the notifications service.
//
// Subject convention: notifications.mr.<event_type>
// Event types: request_submitted, approval_required, request_approved,
//              request_rejected, request_dead_end, item_status_changed
//
// Publishing is fire-and-forget: it runs on its own goroutine after the
// workflow transaction has committed, retries a bounded number of times, and
// never propagates errors to the caller. A notification failure must not
// disturb an already-committed transition.
type NotificationPublisher struct {
	js  nats.JetStreamContext
	log zerolog.Logger

	maxRetries   uint64
	retryBackoff time.Duration
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	TenantID     string                 `json:"tenant_id"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given JetStream
// context. A nil context disables publishing (used in tests and when NATS_URL
// is unset).
func NewNotificationPublisher(js nats.JetStreamContext, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{
		js:           js,
		log:          log,
		maxRetries:   3,
		retryBackoff: 500 * time.Millisecond,
	}
}

// Notify publishes a workflow event asynchronously. Safe to call with the
// per-request lock released; returns immediately.
func (p *NotificationPublisher) Notify(eventType, tenantID, requestID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.js == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		TenantID:     tenantID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "material_request",
		ResourceID:   requestID,
		Severity:     "info",
		Category:     "mr_approval",
		Payload:      payload,
	}

	go p.publish(eventType, requestID, event)
}

func (p *NotificationPublisher) publish(eventType, requestID string, event *NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subject := fmt.Sprintf("notifications.mr.%s", eventType)
	backoff := retry.WithMaxRetries(p.maxRetries, retry.NewExponential(p.retryBackoff))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish NATS event (dropped)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}
