// Package audit is the append-only, hash-chained event log.
//
// Chains are per (entity_type, entity_id): each event's hash covers its
// payload plus the previous event's hash for the same entity. There is no
// global chain. VerifyChain recomputes a chain from the stored rows and
// reports the first broken link.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/store"
)

// Audit actions recorded by the core.
const (
	ActionRequestReceived      = "REQUEST.RECEIVED"
	ActionFingerprintComputed  = "FINGERPRINT.COMPUTED"
	ActionDedupChecked         = "DEDUP.CHECKED"
	ActionDedupShortcircuit    = "DEDUP.SHORTCIRCUIT_RETURNED"
	ActionParentSuperseded     = "PARENT_VERSION_SUPERSEDED"
	ActionVersionCreated       = "REGISTRY.VERSION_CREATED"
	ActionPrimaryAxisSuggested = "LLM.PRIMARY_AXIS_SUGGESTED"
	ActionDerivationCompleted  = "LLM.DERIVATION_COMPLETED"
	ActionIngestionFailed      = "INGESTION.FAILED"
	ActionIngestionCompleted   = "INGESTION.COMPLETED"
	ActionCharMapGenerated     = "CANONICALIZE.CHAR_MAP_GENERATED"
	ActionCharBoxesGenerated   = "CANONICALIZE.CHAR_BOXES_GENERATED"
)

// Entity types appearing in the log.
const (
	EntityDocument = "document"
	EntityVersion  = "version"
	EntityFile     = "file"
	EntityArtifact = "artifact"
	EntitySystem   = "system"
)

// Event is one audit row.
type Event struct {
	EventID       string  `db:"event_id" json:"event_id"`
	At            string  `db:"at" json:"at"`
	EntityType    string  `db:"entity_type" json:"entity_type"`
	EntityID      string  `db:"entity_id" json:"entity_id"`
	Action        string  `db:"action" json:"action"`
	Actor         string  `db:"actor" json:"actor"`
	CorrelationID string  `db:"correlation_id" json:"correlation_id"`
	DetailsJSON   *string `db:"details_json" json:"details_json,omitempty"`
	PrevEventHash *string `db:"prev_event_hash" json:"prev_event_hash,omitempty"`
	EventHash     *string `db:"event_hash" json:"event_hash,omitempty"`
}

// hashPayload is the exact structure hashed for each event. Field order is
// irrelevant; canonical JSON sorts keys.
type hashPayload struct {
	EventID       string          `json:"event_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlation_id"`
	Details       json.RawMessage `json:"details"`
	PrevEventHash *string         `json:"prev_event_hash"`
}

// Service appends to and verifies the audit log.
type Service struct {
	db *sqlx.DB
	// Serializes the read-head-then-append step so concurrent writers in one
	// process cannot fork a chain.
	mu sync.Mutex
}

func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// LastHashForEntity returns the chain head for an entity: the event_hash of
// its most recent row with a non-null hash. Nil for an empty chain. A read
// failure must surface as an error: treating it as an empty chain would let
// Write append prev_event_hash=NULL onto a non-empty chain and fork it.
func (s *Service) LastHashForEntity(ctx context.Context, entityType, entityID string) (*string, error) {
	var hash string
	q := s.db.Rebind(`SELECT event_hash FROM audit_log
		WHERE entity_type=? AND entity_id=? AND event_hash IS NOT NULL
		ORDER BY at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &hash, q, entityType, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit chain head: %w", err)
	}
	return &hash, nil
}

// Write appends one event, linking it to the entity's chain head.
func (s *Service) Write(ctx context.Context, entityType, entityID, action, actor, correlationID string, details map[string]any) (string, error) {
	detailsJSON, err := canonicaljson.Marshal(details)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.LastHashForEntity(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}

	eventID := uuid.New().String()
	payload := hashPayload{
		EventID:       eventID,
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        action,
		Actor:         actor,
		CorrelationID: correlationID,
		Details:       detailsJSON,
		PrevEventHash: prev,
	}
	eventHash, err := canonicaljson.Hash(payload)
	if err != nil {
		return "", err
	}

	detailsText := string(detailsJSON)
	q := s.db.Rebind(`INSERT INTO audit_log (
		event_id, at, entity_type, entity_id, action, actor, correlation_id,
		details_json, prev_event_hash, event_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?)`)
	_, err = s.db.ExecContext(ctx, q,
		eventID, store.FormatTime(time.Now()), entityType, entityID, action, actor,
		correlationID, detailsText, prev, eventHash)
	if err != nil {
		return "", fmt.Errorf("insert audit row: %w", err)
	}
	return eventID, nil
}

// ListForEntity returns an entity's events, oldest first.
func (s *Service) ListForEntity(ctx context.Context, entityType, entityID string) ([]Event, error) {
	var out []Event
	q := s.db.Rebind(`SELECT * FROM audit_log
		WHERE entity_type=? AND entity_id=? ORDER BY at ASC, event_id ASC`)
	if err := s.db.SelectContext(ctx, &out, q, entityType, entityID); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}

// VerifyChain recomputes an entity's chain and reports the first event whose
// stored hash or linkage does not match.
func (s *Service) VerifyChain(ctx context.Context, entityType, entityID string) error {
	events, err := s.ListForEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	var prev *string
	for _, ev := range events {
		if ev.EventHash == nil {
			continue
		}
		if !equalPtr(ev.PrevEventHash, prev) {
			return fmt.Errorf("audit chain broken at %s: prev hash mismatch", ev.EventID)
		}
		var details json.RawMessage = []byte("null")
		if ev.DetailsJSON != nil {
			details = json.RawMessage(*ev.DetailsJSON)
		}
		want, err := canonicaljson.Hash(hashPayload{
			EventID:       ev.EventID,
			EntityType:    ev.EntityType,
			EntityID:      ev.EntityID,
			Action:        ev.Action,
			Actor:         ev.Actor,
			CorrelationID: ev.CorrelationID,
			Details:       details,
			PrevEventHash: ev.PrevEventHash,
		})
		if err != nil {
			return err
		}
		if want != *ev.EventHash {
			return fmt.Errorf("audit chain broken at %s: hash mismatch", ev.EventID)
		}
		prev = ev.EventHash
	}
	return nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
