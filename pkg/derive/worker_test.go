package derive

import (
	"context"
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
	"github.com/doctruth/regcore/pkg/fingerprint"
	"github.com/doctruth/regcore/pkg/store"
)

type failingClient struct{}

func (failingClient) Run(ctx context.Context, purpose, inputText string) (string, error) {
	return "", errors.New("engine unavailable")
}

type deriveEnv struct {
	db        *sqlx.DB
	worker    *Worker
	artifacts *artifact.Service
	audit     *audit.Service
	bus       *bus.MemoryBus
}

func newDeriveEnv(t *testing.T, client Client) *deriveEnv {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	art := artifact.NewService(db, blobs)
	aud := audit.NewService(db)
	b := bus.NewMemoryBus(slog.Default())
	t.Cleanup(func() { _ = b.Close() })
	b.Register("observer")

	w := NewWorker(db, art, aud, b, client, "stub-llm", "0",
		slog.Default(), noop.NewTracerProvider().Tracer("test"))
	return &deriveEnv{db: db, worker: w, artifacts: art, audit: aud, bus: b}
}

func (e *deriveEnv) seedStableText(t *testing.T, versionID, text string) bus.DomainEvent {
	t.Helper()
	id, err := e.artifacts.Register(context.Background(), versionID, artifact.KindStableText,
		[]byte(text), "canonical/"+versionID+"/stable_text.txt", "canonical_text_pipeline", "plaintext@1")
	require.NoError(t, err)
	return bus.NewEvent(bus.EventDerivationRequested, audit.EntityVersion, versionID, "worker", "corr-1",
		map[string]any{"version_id": versionID, "stable_text_artifact_id": id})
}

func TestHandle_RecordsRunAndOutput(t *testing.T) {
	ctx := context.Background()
	env := newDeriveEnv(t, StubClient{})
	ev := env.seedStableText(t, "v1", "regulation body text")

	require.NoError(t, env.worker.Handle(ctx, ev))

	runs, err := env.worker.RunsForVersion(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, "summarize_for_indexing", run.Purpose)
	require.NotNil(t, run.OutputArtifactID)

	promptHash := fingerprint.SHA256HexString(promptTemplate)
	require.Equal(t, promptHash, run.PromptHash)
	wantFP := fingerprint.SHA256HexString(
		"v1:" + promptHash + ":" + fingerprint.SHA256HexString("regulation body text"))
	require.Equal(t, wantFP, run.InputFingerprint)

	out, err := env.artifacts.Get(ctx, *run.OutputArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.KindLLMOutput, out.Kind)
	b, err := env.artifacts.ReadBytes(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "[LLM:summarize_for_indexing] regulation body text", string(b))

	trail, err := env.audit.ListForEntity(ctx, audit.EntityVersion, "v1")
	require.NoError(t, err)
	require.Equal(t, audit.ActionDerivationCompleted, trail[len(trail)-1].Action)

	var events []bus.DomainEvent
	require.NoError(t, env.bus.Drain(ctx, "observer", func(ctx context.Context, e bus.DomainEvent) error {
		events = append(events, e)
		return nil
	}))
	require.Len(t, events, 1)
	require.Equal(t, bus.EventDerivationCompleted, events[0].EventType)
	require.Equal(t, *run.OutputArtifactID, events[0].Payload["output_artifact_id"])
}

func TestHandle_EngineFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	env := newDeriveEnv(t, failingClient{})
	ev := env.seedStableText(t, "v1", "text")

	require.NoError(t, env.worker.Handle(ctx, ev))

	runs, err := env.worker.RunsForVersion(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, RunStatusFailed, runs[0].Status)
	require.Nil(t, runs[0].OutputArtifactID)

	// No derivation event on failure.
	n := 0
	require.NoError(t, env.bus.Drain(ctx, "observer", func(ctx context.Context, e bus.DomainEvent) error {
		n++
		return nil
	}))
	require.Zero(t, n)
}

func TestHandle_PromptRowIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newDeriveEnv(t, StubClient{})

	require.NoError(t, env.worker.Handle(ctx, env.seedStableText(t, "v1", "a")))
	require.NoError(t, env.worker.Handle(ctx, env.seedStableText(t, "v2", "b")))

	var n int
	require.NoError(t, env.db.Get(&n, `SELECT COUNT(*) FROM prompts`))
	require.Equal(t, 1, n)
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	env := newDeriveEnv(t, StubClient{})
	ev := bus.NewEvent(bus.EventIngestionCompleted, audit.EntityVersion, "v1", "w", "c", nil)
	require.NoError(t, env.worker.Handle(context.Background(), ev))
	runs, err := env.worker.RunsForVersion(context.Background(), "v1")
	require.NoError(t, err)
	require.Empty(t, runs)
}
