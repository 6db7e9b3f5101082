// Package bus carries domain events between the ingestion core and its
// workers. Two backends: an in-process ordered bus for tests and the
// all-in-one binary, and Redis Streams with consumer groups for deployments.
// Delivery is at-least-once on both; handlers must be idempotent.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/store"
)

// Domain event types.
const (
	EventVersionCreated      = "REGISTRY.VERSION_CREATED"
	EventDerivationRequested = "LLM.DERIVATION_REQUESTED"
	EventDerivationCompleted = "LLM.DERIVATION_COMPLETED"
	EventIngestionCompleted  = "INGESTION.COMPLETED"
	EventIngestionFailed     = "INGESTION.FAILED"
)

// DomainEvent is the envelope published on the events topic.
type DomainEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	At            string         `json:"at"`
	CorrelationID string         `json:"correlation_id"`
	Actor         string         `json:"actor"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent fills the envelope fields around a payload.
func NewEvent(eventType, entityType, entityID, actor, correlationID string, payload map[string]any) DomainEvent {
	return DomainEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		At:            store.FormatTime(time.Now()),
		CorrelationID: correlationID,
		Actor:         actor,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       payload,
	}
}

// Encode serializes an event canonically for the wire.
func Encode(ev DomainEvent) ([]byte, error) {
	return canonicaljson.Marshal(ev)
}

// Handler processes one event. A non-nil error leaves the event unacked so
// the backend redelivers it.
type Handler func(ctx context.Context, ev DomainEvent) error

// Bus publishes domain events and fans them out to subscriber groups. Each
// group sees every event; within a group an event is handled once.
type Bus interface {
	Publish(ctx context.Context, ev DomainEvent) error
	// Subscribe consumes events for group until ctx is canceled.
	Subscribe(ctx context.Context, group string, h Handler) error
	Close() error
}
