// Package events defines the domain event envelope consumed by the
// dispatcher and the in-process bus that carries follow-up events emitted by
// workflow actions.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Meta carries engine bookkeeping alongside an event.
type Meta struct {
	WorkflowDepth int `json:"workflow_depth"`
}

// Envelope is a structured domain event.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at"`
	ActorUserID   string         `json:"actor_user_id,omitempty"`
	LegalEntityID string         `json:"legal_entity_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Version       int64          `json:"version"`
	Payload       map[string]any `json:"payload"`
	Meta          Meta           `json:"meta"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// EntityRef identifies one business entity.
type EntityRef struct {
	Type string `json:"type" mapstructure:"type"`
	ID   string `json:"id" mapstructure:"id"`
}

// EntityUpdated builds the follow-up event emitted after a workflow writes a
// flat field. Depth is the token of the run that made the change.
func EntityUpdated(ctx context.Context, ref EntityRef, legalEntityID string, version int64, changed []string) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     ref.Type + ".updated",
		OccurredAt:    time.Now().UTC(),
		ActorUserID:   ActorFrom(ctx),
		LegalEntityID: legalEntityID,
		CorrelationID: CorrelationIDFrom(ctx),
		Version:       version,
		Payload: map[string]any{
			"entity_type":    ref.Type,
			"entity_id":      ref.ID,
			"changed_fields": changed,
			"source":         "workflow",
		},
		Meta: Meta{WorkflowDepth: DepthFrom(ctx)},
	}
}
