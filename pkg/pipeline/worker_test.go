package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/audit"
	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/bus"
	"github.com/doctruth/regcore/pkg/chunker"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/extract"
	"github.com/doctruth/regcore/pkg/fingerprint"
	"github.com/doctruth/regcore/pkg/registry"
	"github.com/doctruth/regcore/pkg/store"
)

type failingExtractor struct{}

func (failingExtractor) Extract(ctx context.Context, raw []byte) (*extract.Result, error) {
	return nil, errors.New("corrupt input")
}

type workerEnv struct {
	db        *sqlx.DB
	worker    *Worker
	registry  *registry.Store
	evidence  *evidence.Store
	artifacts *artifact.Service
	audit     *audit.Service
	bus       *bus.MemoryBus
}

func newWorkerEnv(t *testing.T, ex extract.Extractor) *workerEnv {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	reg := registry.NewStore(db)
	ev := evidence.NewStore(db, blobs)
	art := artifact.NewService(db, blobs)
	aud := audit.NewService(db)
	b := bus.NewMemoryBus(slog.Default())
	t.Cleanup(func() { _ = b.Close() })
	b.Register("observer")

	vers := Versions{
		Extractor:   "plaintext@1.0.0",
		Layout:      "plaintext-layout@1.0.0",
		Chunker:     "simple@1.0.0",
		ChunkSchema: "chunk@1.0.0",
	}
	w := NewWorker(db, reg, ev, art, aud, b, ex, chunker.Policy{MaxChars: 40}, vers,
		slog.Default(), noop.NewTracerProvider().Tracer("test"))
	return &workerEnv{db: db, worker: w, registry: reg, evidence: ev, artifacts: art, audit: aud, bus: b}
}

// seedVersion creates the rows the orchestrator would have committed before
// publishing VERSION_CREATED.
func (e *workerEnv) seedVersion(t *testing.T, raw []byte) (versionID string, ev bus.DomainEvent) {
	t.Helper()
	ctx := context.Background()

	docID, err := e.registry.CreateDocument(ctx, "EU CBAM", "EU", "carbon", "regulation",
		fingerprint.AxisJurisdiction, fingerprint.SourceDeterministicRule)
	require.NoError(t, err)
	versionID, err = e.registry.CreateVersion(ctx, registry.NewVersionParams{
		DocumentID:    docID,
		TenantID:      "t1",
		EffectiveYear: 2026,
		UploadedBy:    "operator",
		RawSHA256:     fingerprint.SHA256Hex(raw),
	})
	require.NoError(t, err)

	f, err := e.evidence.Create(ctx, fingerprint.SHA256Hex(raw), raw, docID, versionID)
	require.NoError(t, err)
	require.NoError(t, e.registry.SetVersionFileID(ctx, versionID, f.FileID))

	ev = bus.NewEvent(bus.EventVersionCreated, audit.EntityVersion, versionID, "operator", "corr-1",
		map[string]any{"document_id": docID, "file_id": f.FileID, "raw_sha256": fingerprint.SHA256Hex(raw)})
	return versionID, ev
}

func (e *workerEnv) chunkCount(t *testing.T, versionID string) int {
	t.Helper()
	var n int
	q := e.db.Rebind(`SELECT COUNT(*) FROM chunks WHERE version_id=?`)
	require.NoError(t, e.db.Get(&n, q, versionID))
	return n
}

func (e *workerEnv) drainObserver(t *testing.T) []bus.DomainEvent {
	t.Helper()
	var out []bus.DomainEvent
	require.NoError(t, e.bus.Drain(context.Background(), "observer", func(ctx context.Context, ev bus.DomainEvent) error {
		out = append(out, ev)
		return nil
	}))
	return out
}

func TestHandle_HappyPath(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t, extract.NewPlainTextExtractor())
	versionID, ev := env.seedVersion(t, []byte("first paragraph\n\nsecond paragraph\fsecond page"))

	require.NoError(t, env.worker.Handle(ctx, ev))

	v, err := env.registry.GetVersion(ctx, versionID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusActive, v.Status)
	require.NotNil(t, v.ArtifactsJSON)

	var ids map[string]string
	require.NoError(t, json.Unmarshal([]byte(*v.ArtifactsJSON), &ids))
	for _, key := range []string{"stable_text_id", "page_map_id", "layout_map_id", "chunk_set_id", "retrieval_manifest_id"} {
		require.NotEmpty(t, ids[key], key)
	}

	require.GreaterOrEqual(t, env.chunkCount(t, versionID), 1)

	// Stable text artifact round-trips.
	st, err := env.artifacts.Get(ctx, ids["stable_text_id"])
	require.NoError(t, err)
	b, err := env.artifacts.ReadBytes(ctx, st)
	require.NoError(t, err)
	require.Equal(t, "first paragraph\n\nsecond paragraphsecond page", string(b))

	// Retrieval manifest points at the chunk set.
	rm, err := env.artifacts.Get(ctx, ids["retrieval_manifest_id"])
	require.NoError(t, err)
	rmBytes, err := env.artifacts.ReadBytes(ctx, rm)
	require.NoError(t, err)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(rmBytes, &manifest))
	require.Equal(t, versionID, manifest["version_id"])
	chunkSets := manifest["chunk_sets"].([]any)
	require.Len(t, chunkSets, 1)
	require.Equal(t, ids["chunk_set_id"], chunkSets[0].(map[string]any)["chunk_set_id"])

	events := env.drainObserver(t)
	require.Len(t, events, 2)
	require.Equal(t, bus.EventDerivationRequested, events[0].EventType)
	require.Equal(t, ids["stable_text_id"], events[0].Payload["stable_text_artifact_id"])
	require.Equal(t, bus.EventIngestionCompleted, events[1].EventType)
}

func TestHandle_FailurePath(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t, failingExtractor{})
	versionID, ev := env.seedVersion(t, []byte("whatever"))

	require.NoError(t, env.worker.Handle(ctx, ev))

	v, err := env.registry.GetVersion(ctx, versionID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusFailed, v.Status)
	require.Nil(t, v.ArtifactsJSON)
	require.Zero(t, env.chunkCount(t, versionID))

	trail, err := env.audit.ListForEntity(ctx, audit.EntityVersion, versionID)
	require.NoError(t, err)
	require.Equal(t, audit.ActionIngestionFailed, trail[len(trail)-1].Action)

	events := env.drainObserver(t)
	require.Len(t, events, 1)
	require.Equal(t, bus.EventIngestionFailed, events[0].EventType)
	require.Equal(t, "canonicalization failed", events[0].Payload["reason"])

	// Redelivery is a no-op: FAILED is terminal.
	require.NoError(t, env.worker.Handle(ctx, ev))
	require.Empty(t, env.drainObserver(t))
}

func TestHandle_ReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t, extract.NewPlainTextExtractor())
	versionID, ev := env.seedVersion(t, []byte("some body of text"))

	require.NoError(t, env.worker.Handle(ctx, ev))
	first, err := env.registry.GetVersion(ctx, versionID)
	require.NoError(t, err)
	chunksBefore := env.chunkCount(t, versionID)
	env.drainObserver(t)

	require.NoError(t, env.worker.Handle(ctx, ev))
	second, err := env.registry.GetVersion(ctx, versionID)
	require.NoError(t, err)
	require.Equal(t, *first.ArtifactsJSON, *second.ArtifactsJSON)
	require.Equal(t, chunksBefore, env.chunkCount(t, versionID))
	require.Empty(t, env.drainObserver(t))
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	env := newWorkerEnv(t, extract.NewPlainTextExtractor())
	ev := bus.NewEvent(bus.EventIngestionCompleted, audit.EntityVersion, "v1", "w", "c", nil)
	require.NoError(t, env.worker.Handle(context.Background(), ev))
	require.Empty(t, env.drainObserver(t))
}
