// Package pipeline is the canonicalize worker: it turns committed evidence
// into the canonical text artifacts, the deterministic chunk set and the
// retrieval manifest, then activates the version. Everything here is
// idempotent; replaying an event recomputes byte-identical artifacts and the
// conditional status transition absorbs double delivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/trace"

	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/audit"
	"github.com/doctruth/regcore/pkg/bus"
	"github.com/doctruth/regcore/pkg/chunker"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/extract"
	"github.com/doctruth/regcore/pkg/registry"
)

// Group is the worker's consumer group on the events topic.
const Group = "canonicalize"

const extractAttempts = 3

// Versions pins the generator identities recorded on artifacts.
type Versions struct {
	Extractor   string
	Layout      string
	Chunker     string
	ChunkSchema string
}

// Worker canonicalizes newly created versions.
type Worker struct {
	db        *sqlx.DB
	registry  *registry.Store
	evidence  *evidence.Store
	artifacts *artifact.Service
	audit     *audit.Service
	bus       bus.Bus
	extractor extract.Extractor
	policy    chunker.Policy
	vers      Versions
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewWorker(db *sqlx.DB, reg *registry.Store, ev *evidence.Store, art *artifact.Service, aud *audit.Service, b bus.Bus, ex extract.Extractor, policy chunker.Policy, vers Versions, logger *slog.Logger, tracer trace.Tracer) *Worker {
	return &Worker{
		db:        db,
		registry:  reg,
		evidence:  ev,
		artifacts: art,
		audit:     aud,
		bus:       b,
		extractor: ex,
		policy:    policy,
		vers:      vers,
		logger:    logger,
		tracer:    tracer,
	}
}

// Run consumes VERSION_CREATED events until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Subscribe(ctx, Group, w.Handle)
}

// Handle processes one event. Failures transition the version to FAILED and
// are reported via audit + INGESTION.FAILED; the returned error is nil so the
// bus does not redeliver an event whose version already left PENDING.
func (w *Worker) Handle(ctx context.Context, ev bus.DomainEvent) error {
	if ev.EventType != bus.EventVersionCreated {
		return nil
	}
	ctx, span := w.tracer.Start(ctx, "pipeline.canonicalize")
	defer span.End()

	versionID := ev.EntityID
	v, err := w.registry.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	// Redelivery of an event whose version already left PENDING is a no-op.
	if v.Status != registry.StatusPending {
		w.logger.Debug("skipping non-pending version", "version_id", versionID, "status", v.Status)
		return nil
	}

	fileID, _ := ev.Payload["file_id"].(string)
	if fileID == "" && v.FileID != nil {
		fileID = *v.FileID
	}

	f, err := w.evidence.Get(ctx, fileID)
	if err != nil {
		return w.fail(ctx, ev, "evidence file not found", err)
	}
	raw, err := w.evidence.ReadBytes(ctx, f)
	if err != nil {
		return w.fail(ctx, ev, "evidence read failed", err)
	}

	res, err := w.extractWithRetry(ctx, raw)
	if err != nil {
		return w.fail(ctx, ev, "canonicalization failed", err)
	}

	canonicalIDs, err := w.artifacts.StoreCanonical(ctx, versionID,
		res.StableText, res.PageMap, res.Layout, w.vers.Extractor, w.vers.Layout)
	if err != nil {
		return w.fail(ctx, ev, "canonical artifact write failed", err)
	}

	chunks, manifest := chunker.Split(res.StableText, res.PageMap, w.policy)
	chunkSetObj := map[string]any{
		"version_id":           versionID,
		"chunk_schema_version": w.vers.ChunkSchema,
		"chunker_version":      w.vers.Chunker,
		"manifest":             manifest,
		"chunks":               chunks,
	}
	chunkSetID, err := w.artifacts.StoreChunkSet(ctx, versionID, chunkSetObj,
		fmt.Sprintf("%s|%s", w.vers.Chunker, w.vers.ChunkSchema))
	if err != nil {
		return w.fail(ctx, ev, "chunk set write failed", err)
	}

	retrievalManifest := map[string]any{
		"version_id": versionID,
		"raw_sha256": f.SHA256,
		"canonical_artifacts": map[string]any{
			"stable_text_id": canonicalIDs.StableTextID,
			"page_map_id":    canonicalIDs.PageMapID,
			"layout_map_id":  canonicalIDs.LayoutMapID,
		},
		"chunk_sets": []map[string]any{{
			"chunk_set_id":         chunkSetID,
			"chunker_version":      w.vers.Chunker,
			"chunk_schema_version": w.vers.ChunkSchema,
		}},
		"embedding_sets": []any{},
		"policies":       map[string]any{"citation_required": true, "max_context_tokens": 8192},
		"provenance": map[string]any{
			"extractor_version": w.vers.Extractor,
			"layout_version":    w.vers.Layout,
			"chunker_version":   w.vers.Chunker,
		},
	}
	manifestID, err := w.artifacts.RegisterJSON(ctx, versionID, artifact.KindRetrievalManifest,
		retrievalManifest, fmt.Sprintf("indexes/%s/retrieval_manifest.json", versionID),
		"manifest", "retrieval_manifest@1.0.0")
	if err != nil {
		return w.fail(ctx, ev, "retrieval manifest write failed", err)
	}

	if err := w.insertChunks(ctx, versionID, chunkSetID, chunks); err != nil {
		return w.fail(ctx, ev, "chunk rows write failed", err)
	}

	if err := w.registry.SetStatusPendingToActive(ctx, versionID); err != nil {
		return err
	}
	if err := w.registry.SetArtifactsJSON(ctx, versionID, map[string]string{
		"stable_text_id":        canonicalIDs.StableTextID,
		"page_map_id":           canonicalIDs.PageMapID,
		"layout_map_id":         canonicalIDs.LayoutMapID,
		"chunk_set_id":          chunkSetID,
		"retrieval_manifest_id": manifestID,
	}); err != nil {
		return err
	}

	derivation := bus.NewEvent(bus.EventDerivationRequested, audit.EntityVersion, versionID, ev.Actor, ev.CorrelationID,
		map[string]any{"version_id": versionID, "stable_text_artifact_id": canonicalIDs.StableTextID})
	if err := w.bus.Publish(ctx, derivation); err != nil {
		return err
	}
	if _, err := w.audit.Write(ctx, audit.EntityVersion, versionID, audit.ActionIngestionCompleted, ev.Actor, ev.CorrelationID,
		map[string]any{"chunk_count": len(chunks)}); err != nil {
		return err
	}
	done := bus.NewEvent(bus.EventIngestionCompleted, audit.EntityVersion, versionID, ev.Actor, ev.CorrelationID,
		map[string]any{"version_id": versionID})
	if err := w.bus.Publish(ctx, done); err != nil {
		return err
	}

	w.logger.Info("version canonicalized",
		"version_id", versionID, "chunk_count", len(chunks), "correlation_id", ev.CorrelationID)
	return nil
}

// extractWithRetry bounds extraction retries before the version fails for
// good; further replays of the event see non-PENDING status and no-op.
func (w *Worker) extractWithRetry(ctx context.Context, raw []byte) (*extract.Result, error) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= extractAttempts; attempt++ {
		res, err := w.extractor.Extract(ctx, raw)
		if err == nil {
			return res, nil
		}
		lastErr = err
		w.logger.Warn("extraction attempt failed", "attempt", attempt, "error", err)
		if attempt < extractAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (w *Worker) insertChunks(ctx context.Context, versionID, chunkSetID string, chunks []chunker.Chunk) error {
	q := w.db.Rebind(`INSERT INTO chunks (
		chunk_id, version_id, chunk_set_artifact_id, chunk_schema_version,
		start_char, end_char, page_start, page_end, text_sha256)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	for _, c := range chunks {
		_, err := w.db.ExecContext(ctx, q,
			uuid.New().String(), versionID, chunkSetID, w.vers.ChunkSchema,
			c.StartChar, c.EndChar, c.PageStart, c.PageEnd, c.TextSHA256)
		if err != nil {
			return fmt.Errorf("insert chunk row: %w", err)
		}
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, ev bus.DomainEvent, reason string, cause error) error {
	versionID := ev.EntityID
	w.logger.Error("canonicalization failed",
		"version_id", versionID, "reason", reason, "correlation_id", ev.CorrelationID, "error", cause)

	if err := w.registry.SetStatusPendingToFailed(ctx, versionID); err != nil {
		return err
	}
	details := map[string]any{"reason": reason}
	if cause != nil {
		details["error"] = cause.Error()
	}
	if _, err := w.audit.Write(ctx, audit.EntityVersion, versionID, audit.ActionIngestionFailed, ev.Actor, ev.CorrelationID, details); err != nil {
		return err
	}
	failed := bus.NewEvent(bus.EventIngestionFailed, audit.EntityVersion, versionID, ev.Actor, ev.CorrelationID, details)
	return w.bus.Publish(ctx, failed)
}
