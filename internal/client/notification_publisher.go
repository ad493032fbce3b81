package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/atlasops/be-pm-approvals/internal/platform/natsclient"
	"github.com/atlasops/be-pm-approvals/internal/repository"
)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service. It implements
// service.Notifier.
//
// Subject convention: notifications.pm.<event_type>
// Event types: approval_requested, request_approved, request_rejected,
//              request_cancelled
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt the state machine.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType   string         `json:"event_type"`
	RequestID   string         `json:"request_id"`
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name,omitempty"`
	ChangeKind  string         `json:"change_kind"`
	Status      string         `json:"status"`
	ActorID     string         `json:"actor_id"`
	Recipients  []string       `json:"recipients"`
	Urgency     string         `json:"urgency,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishRequestEvent publishes an approval event to NATS.
// Subject: notifications.pm.<eventType>
func (p *NotificationPublisher) PublishRequestEvent(
	ctx context.Context,
	eventType string,
	req *repository.ApprovalRequest,
	actorID string,
	recipients []string,
) {
	if p.nats == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:   eventType,
		RequestID:   req.ID,
		ProjectID:   req.ProjectID,
		ProjectName: req.ProjectName,
		ChangeKind:  string(req.ChangeKind),
		Status:      string(req.Status),
		ActorID:     actorID,
		Recipients:  recipients,
		Urgency:     string(req.Urgency),
		Payload: map[string]any{
			"title": req.Title,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.pm.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
