package derive

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
	"github.com/doctruth/regcore/pkg/fingerprint"
	"github.com/doctruth/regcore/pkg/store"
)

// Group is the worker's consumer group on the events topic.
const Group = "llm"

// Run states.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

const (
	purposeSummarize = "summarize_for_indexing"
	promptTemplate   = "Summarize regulation for indexing; do not invent facts."
	promptVersion    = "v1"
	runAttempts      = 3
)

// Run is one llm_runs row.
type Run struct {
	RunID            string  `db:"run_id" json:"run_id"`
	VersionID        string  `db:"version_id" json:"version_id"`
	Purpose          string  `db:"purpose" json:"purpose"`
	ModelName        string  `db:"model_name" json:"model_name"`
	ModelVersion     string  `db:"model_version" json:"model_version"`
	PromptHash       string  `db:"prompt_hash" json:"prompt_hash"`
	InputFingerprint string  `db:"input_fingerprint" json:"input_fingerprint"`
	OutputArtifactID *string `db:"output_artifact_id" json:"output_artifact_id,omitempty"`
	Status           string  `db:"status" json:"status"`
	CreatedAt        string  `db:"created_at" json:"created_at"`
}

// Worker consumes DERIVATION_REQUESTED events and records each run with a
// reproducible input fingerprint.
type Worker struct {
	db           *sqlx.DB
	artifacts    *artifact.Service
	audit        *audit.Service
	bus          bus.Bus
	client       Client
	modelName    string
	modelVersion string
	logger       *slog.Logger
	tracer       trace.Tracer
}

func NewWorker(db *sqlx.DB, art *artifact.Service, aud *audit.Service, b bus.Bus, client Client, modelName, modelVersion string, logger *slog.Logger, tracer trace.Tracer) *Worker {
	return &Worker{
		db:           db,
		artifacts:    art,
		audit:        aud,
		bus:          b,
		client:       client,
		modelName:    modelName,
		modelVersion: modelVersion,
		logger:       logger,
		tracer:       tracer,
	}
}

// Run consumes derivation requests until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Subscribe(ctx, Group, w.Handle)
}

// Handle summarizes one version's stable text. An engine failure marks the
// run FAILED and is not redelivered; the version stays ACTIVE because
// derivation is observational.
func (w *Worker) Handle(ctx context.Context, ev bus.DomainEvent) error {
	if ev.EventType != bus.EventDerivationRequested {
		return nil
	}
	ctx, span := w.tracer.Start(ctx, "derive.summarize")
	defer span.End()

	versionID := ev.EntityID
	artifactID, _ := ev.Payload["stable_text_artifact_id"].(string)
	a, err := w.artifacts.Get(ctx, artifactID)
	if err != nil {
		return fmt.Errorf("load stable text artifact %s: %w", artifactID, err)
	}
	stableBytes, err := w.artifacts.ReadBytes(ctx, a)
	if err != nil {
		return err
	}
	stableText := string(stableBytes)

	promptHash := fingerprint.SHA256HexString(promptTemplate)
	if err := w.ensurePrompt(ctx, promptHash); err != nil {
		return err
	}

	// The fingerprint makes the run reproducible: two runs over the same
	// version, prompt and text carry the same input identity.
	runID := uuid.New().String()
	inputFingerprint := fingerprint.SHA256HexString(
		fmt.Sprintf("%s:%s:%s", versionID, promptHash, fingerprint.SHA256HexString(stableText)))
	if err := w.insertRun(ctx, runID, versionID, promptHash, inputFingerprint); err != nil {
		return err
	}

	output, err := w.runWithRetry(ctx, stableText)
	if err != nil {
		w.logger.Error("llm run failed", "run_id", runID, "version_id", versionID, "error", err)
		return w.setRunStatus(ctx, runID, nil, RunStatusFailed)
	}

	outputID, err := w.artifacts.Register(ctx, versionID, artifact.KindLLMOutput,
		[]byte(output), fmt.Sprintf("llm_outputs/%s/%s.txt", versionID, runID),
		"llm_orchestrator", fmt.Sprintf("%s-%s", w.modelName, w.modelVersion))
	if err != nil {
		return err
	}
	if err := w.setRunStatus(ctx, runID, &outputID, RunStatusCompleted); err != nil {
		return err
	}

	if _, err := w.audit.Write(ctx, audit.EntityVersion, versionID, audit.ActionDerivationCompleted, ev.Actor, ev.CorrelationID,
		map[string]any{"run_id": runID, "output_artifact_id": outputID}); err != nil {
		return err
	}
	done := bus.NewEvent(bus.EventDerivationCompleted, audit.EntityVersion, versionID, ev.Actor, ev.CorrelationID,
		map[string]any{"run_id": runID, "output_artifact_id": outputID})
	if err := w.bus.Publish(ctx, done); err != nil {
		return err
	}

	w.logger.Info("derivation completed",
		"version_id", versionID, "run_id", runID, "correlation_id", ev.CorrelationID)
	return nil
}

func (w *Worker) ensurePrompt(ctx context.Context, promptHash string) error {
	q := w.db.Rebind(`INSERT INTO prompts (prompt_hash, prompt_template, prompt_version)
		VALUES (?,?,?) ON CONFLICT (prompt_hash) DO NOTHING`)
	if _, err := w.db.ExecContext(ctx, q, promptHash, promptTemplate, promptVersion); err != nil {
		return fmt.Errorf("ensure prompt: %w", err)
	}
	return nil
}

func (w *Worker) insertRun(ctx context.Context, runID, versionID, promptHash, inputFingerprint string) error {
	q := w.db.Rebind(`INSERT INTO llm_runs (
		run_id, version_id, purpose, model_name, model_version,
		prompt_hash, input_fingerprint, status, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	_, err := w.db.ExecContext(ctx, q,
		runID, versionID, purposeSummarize, w.modelName, w.modelVersion,
		promptHash, inputFingerprint, RunStatusRunning, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert llm run: %w", err)
	}
	return nil
}

func (w *Worker) setRunStatus(ctx context.Context, runID string, outputArtifactID *string, status string) error {
	q := w.db.Rebind(`UPDATE llm_runs SET output_artifact_id=?, status=? WHERE run_id=?`)
	if _, err := w.db.ExecContext(ctx, q, outputArtifactID, status, runID); err != nil {
		return fmt.Errorf("update llm run: %w", err)
	}
	return nil
}

func (w *Worker) runWithRetry(ctx context.Context, stableText string) (string, error) {
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= runAttempts; attempt++ {
		out, err := w.client.Run(ctx, purposeSummarize, stableText)
		if err == nil {
			return out, nil
		}
		lastErr = err
		w.logger.Warn("llm attempt failed", "attempt", attempt, "error", err)
		if attempt < runAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
	}
	return "", lastErr
}

// GetRun fetches one run row, mostly for tests and ops queries.
func (w *Worker) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	q := w.db.Rebind(`SELECT * FROM llm_runs WHERE run_id=?`)
	if err := w.db.GetContext(ctx, &r, q, runID); err != nil {
		return nil, fmt.Errorf("get llm run: %w", err)
	}
	return &r, nil
}

// RunsForVersion lists a version's runs, newest first.
func (w *Worker) RunsForVersion(ctx context.Context, versionID string) ([]Run, error) {
	var out []Run
	q := w.db.Rebind(`SELECT * FROM llm_runs WHERE version_id=? ORDER BY created_at DESC`)
	if err := w.db.SelectContext(ctx, &out, q, versionID); err != nil {
		return nil, fmt.Errorf("list llm runs: %w", err)
	}
	return out, nil
}
