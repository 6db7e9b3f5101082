// Package ingest is the upload orchestrator. It validates a request against
// the active rules, fingerprints the payload, applies the dedupe policy,
// creates registry rows, writes evidence immutably and emits the
// VERSION_CREATED event that drives the downstream workers. It is the only
// writer of primary-axis truth.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/doctruth/regcore/pkg/audit"
	"github.com/doctruth/regcore/pkg/bus"
	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/faults"
	"github.com/doctruth/regcore/pkg/fingerprint"
	"github.com/doctruth/regcore/pkg/registry"
	"github.com/doctruth/regcore/pkg/rules"
)

// Ingestion outcomes.
const (
	StatusDedupReturnExisting     = "DEDUP_RETURN_EXISTING"
	StatusCreatedNewDocAndVersion = "CREATED_NEW_DOCUMENT_AND_VERSION"
	StatusCreatedNewVersion       = "CREATED_NEW_VERSION"
	StatusCreatedNewVersionReused = "CREATED_NEW_VERSION_REUSED_FILE"
)

// Metadata is the upload request's descriptive fields.
type Metadata struct {
	Title            string  `json:"title"`
	Jurisdiction     string  `json:"jurisdiction"`
	RegulationFamily string  `json:"regulation_family"`
	InstrumentType   string  `json:"instrument_type"`
	PrimaryAxis      string  `json:"primary_axis,omitempty"`
	TenantID         string  `json:"tenant_id"`
	EffectiveYear    int     `json:"effective_year"`
	EffectiveDate    *string `json:"effective_date,omitempty"`
	VersionLabel     *string `json:"version_label,omitempty"`
	ParentVersionID  *string `json:"parent_version_id,omitempty"`
}

func (m Metadata) fields() map[string]string {
	year := ""
	if m.EffectiveYear != 0 {
		year = strconv.Itoa(m.EffectiveYear)
	}
	return map[string]string{
		"title":             m.Title,
		"jurisdiction":      m.Jurisdiction,
		"regulation_family": m.RegulationFamily,
		"instrument_type":   m.InstrumentType,
		"primary_axis":      m.PrimaryAxis,
		"tenant_id":         m.TenantID,
		"effective_year":    year,
	}
}

// SuggestionOut is the suggestion block echoed in the upload response.
type SuggestionOut struct {
	Value        string  `json:"value"`
	ModelName    string  `json:"model_name"`
	ModelVersion string  `json:"model_version"`
	Confidence   float64 `json:"confidence"`
}

// Result is the orchestrator's outcome for one upload.
type Result struct {
	HTTPStatus            int            `json:"http_status"`
	IngestionStatus       string         `json:"ingestion_status"`
	CorrelationID         string         `json:"correlation_id"`
	DocumentID            string         `json:"document_id"`
	VersionID             string         `json:"version_id"`
	FileID                string         `json:"file_id"`
	SHA256                string         `json:"sha256"`
	PrimaryAxisSource     string         `json:"primary_axis_source"`
	PrimaryAxisSuggestion *SuggestionOut `json:"primary_axis_suggestion,omitempty"`
}

// Suggester produces a derived-only primary-axis proposal.
type Suggester interface {
	Suggest(ctx context.Context, m Metadata) (axis string, confidence float64, details map[string]any, err error)
}

// Options carries the orchestrator's frozen settings.
type Options struct {
	DefaultRules     rules.Rules
	SuggestEnabled   bool
	SuggestModelName string
	SuggestModelVer  string
}

// Orchestrator runs the ingestion algorithm. Safe for concurrent use.
type Orchestrator struct {
	registry  *registry.Store
	evidence  *evidence.Store
	audit     *audit.Service
	rules     *rules.Store
	bus       bus.Bus
	suggester Suggester
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewOrchestrator(reg *registry.Store, ev *evidence.Store, aud *audit.Service, rl *rules.Store, b bus.Bus, sg Suggester, opts Options, logger *slog.Logger, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		registry:  reg,
		evidence:  ev,
		audit:     aud,
		rules:     rl,
		bus:       b,
		suggester: sg,
		opts:      opts,
		logger:    logger,
		tracer:    tracer,
	}
}

// Ingest runs one upload end to end. Synchronous failures return a
// faults.Error carrying the correlation id; nothing written before the
// failure is rolled back (replays are safe, evidence is content-addressed).
func (o *Orchestrator) Ingest(ctx context.Context, pdf []byte, meta Metadata, actor string, forceNewVersion bool) (*Result, error) {
	correlationID := uuid.New().String()
	ctx, span := o.tracer.Start(ctx, "ingest.upload")
	defer span.End()

	res, err := o.ingest(ctx, pdf, meta, actor, forceNewVersion, correlationID)
	if err != nil {
		var fe *faults.Error
		if errors.As(err, &fe) {
			fe.CorrelationID = correlationID
		}
		o.logger.Warn("ingestion rejected",
			"correlation_id", correlationID, "error_kind", string(faults.KindOf(err)), "error", err)
		return nil, err
	}
	o.logger.Info("ingestion finished",
		"correlation_id", correlationID,
		"ingestion_status", res.IngestionStatus,
		"document_id", res.DocumentID,
		"version_id", res.VersionID)
	return res, nil
}

func (o *Orchestrator) ingest(ctx context.Context, pdf []byte, meta Metadata, actor string, forceNewVersion bool, correlationID string) (*Result, error) {
	active, err := o.rules.Active(ctx, o.opts.DefaultRules)
	if err != nil {
		return nil, err
	}
	if err := rules.Enforce(active, meta.fields()); err != nil {
		return nil, err
	}
	if err := rules.CheckSize(active, len(pdf)); err != nil {
		return nil, err
	}

	if _, err := o.audit.Write(ctx, audit.EntitySystem, "ingestion", audit.ActionRequestReceived, actor, correlationID,
		map[string]any{"meta": meta, "force_new_version": forceNewVersion}); err != nil {
		return nil, err
	}

	sha := fingerprint.SHA256Hex(pdf)
	if _, err := o.audit.Write(ctx, audit.EntitySystem, "ingestion", audit.ActionFingerprintComputed, actor, correlationID,
		map[string]any{"raw_sha256": sha}); err != nil {
		return nil, err
	}
	if _, err := o.audit.Write(ctx, audit.EntitySystem, "ingestion", audit.ActionDedupChecked, actor, correlationID,
		map[string]any{"raw_sha256": sha}); err != nil {
		return nil, err
	}

	existing, err := o.dedupeMatch(ctx, sha, meta)
	if err != nil {
		return nil, err
	}
	if existing != nil && !forceNewVersion {
		if _, err := o.audit.Write(ctx, audit.EntityVersion, existing.VersionID, audit.ActionDedupShortcircuit, actor, correlationID,
			map[string]any{"raw_sha256": sha}); err != nil {
			return nil, err
		}
		doc, err := o.registry.GetDocument(ctx, existing.DocumentID)
		if err != nil {
			return nil, err
		}
		existing.HTTPStatus = 200
		existing.IngestionStatus = StatusDedupReturnExisting
		existing.CorrelationID = correlationID
		existing.PrimaryAxisSource = doc.PrimaryAxisSource
		return existing, nil
	}

	// Resolve primary-axis truth: caller value wins, otherwise the
	// deterministic rule. The resolved value is written back to metadata so
	// the mismatch guard below compares like with like.
	axisValue := strings.TrimSpace(meta.PrimaryAxis)
	axisSource := fingerprint.SourceUpload
	if axisValue == "" {
		axisValue, axisSource = fingerprint.DerivePrimaryAxis(
			meta.Jurisdiction, meta.Title, meta.RegulationFamily, meta.InstrumentType)
	}
	meta.PrimaryAxis = axisValue

	documentID, createdNewDoc, axisSourceOut, err := o.findOrCreateDocument(ctx, meta, axisValue, axisSource)
	if err != nil {
		return nil, err
	}

	versionID, err := o.registry.CreateVersion(ctx, registry.NewVersionParams{
		DocumentID:      documentID,
		TenantID:        meta.TenantID,
		EffectiveYear:   meta.EffectiveYear,
		UploadedBy:      actor,
		RawSHA256:       sha,
		VersionLabel:    meta.VersionLabel,
		EffectiveDate:   meta.EffectiveDate,
		ParentVersionID: meta.ParentVersionID,
	})
	if err != nil {
		return nil, err
	}

	evidenceRow, err := o.evidence.FindBySHA(ctx, sha)
	if err != nil {
		return nil, err
	}
	reusedFile := evidenceRow != nil && forceNewVersion
	var fileID string
	if reusedFile {
		fileID = evidenceRow.FileID
	} else {
		f, err := o.evidence.Create(ctx, sha, pdf, documentID, versionID)
		if err != nil {
			return nil, err
		}
		fileID = f.FileID
	}
	if err := o.registry.SetVersionFileID(ctx, versionID, fileID); err != nil {
		return nil, err
	}

	if meta.ParentVersionID != nil && *meta.ParentVersionID != "" {
		if err := o.registry.MarkParentSuperseded(ctx, *meta.ParentVersionID); err != nil {
			return nil, err
		}
		if _, err := o.audit.Write(ctx, audit.EntityVersion, *meta.ParentVersionID, audit.ActionParentSuperseded, actor, correlationID,
			map[string]any{"child_version_id": versionID}); err != nil {
			return nil, err
		}
	}

	if _, err := o.audit.Write(ctx, audit.EntityVersion, versionID, audit.ActionVersionCreated, actor, correlationID,
		map[string]any{"document_id": documentID, "file_id": fileID, "raw_sha256": sha}); err != nil {
		return nil, err
	}

	var suggestionOut *SuggestionOut
	if o.opts.SuggestEnabled && o.suggester != nil {
		suggestionOut, err = o.recordSuggestion(ctx, versionID, meta, actor, correlationID)
		if err != nil {
			return nil, err
		}
	}

	// Published only after every row above is committed; downstream workers
	// rely on seeing a complete version.
	ev := bus.NewEvent(bus.EventVersionCreated, audit.EntityVersion, versionID, actor, correlationID,
		map[string]any{"document_id": documentID, "file_id": fileID, "raw_sha256": sha})
	if err := o.bus.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("publish version created: %w", err)
	}

	status := StatusCreatedNewVersion
	switch {
	case reusedFile:
		status = StatusCreatedNewVersionReused
	case createdNewDoc:
		status = StatusCreatedNewDocAndVersion
	}
	return &Result{
		HTTPStatus:            201,
		IngestionStatus:       status,
		CorrelationID:         correlationID,
		DocumentID:            documentID,
		VersionID:             versionID,
		FileID:                fileID,
		SHA256:                sha,
		PrimaryAxisSource:     axisSourceOut,
		PrimaryAxisSuggestion: suggestionOut,
	}, nil
}

// dedupeMatch finds a version carrying the same bytes under a document with
// identical identity metadata. Nil when the upload is not dedupe-eligible.
func (o *Orchestrator) dedupeMatch(ctx context.Context, sha string, meta Metadata) (*Result, error) {
	f, err := o.evidence.FindBySHA(ctx, sha)
	if err != nil || f == nil {
		return nil, err
	}
	versions, err := o.registry.FindVersionsBySHAAndFile(ctx, sha, f.FileID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		doc, err := o.registry.GetDocument(ctx, v.DocumentID)
		if err != nil {
			return nil, err
		}
		if doc.Title == meta.Title && doc.Jurisdiction == meta.Jurisdiction &&
			doc.RegulationFamily == meta.RegulationFamily && doc.InstrumentType == meta.InstrumentType {
			return &Result{
				DocumentID: v.DocumentID,
				VersionID:  v.VersionID,
				FileID:     f.FileID,
				SHA256:     sha,
			}, nil
		}
	}
	return nil, nil
}

// findOrCreateDocument resolves the document for the upload's identity key.
// A lost create race surfaces as DUPLICATE_KEY and is recovered by re-reading.
func (o *Orchestrator) findOrCreateDocument(ctx context.Context, meta Metadata, axisValue, axisSource string) (documentID string, created bool, axisSourceOut string, err error) {
	doc, err := o.registry.FindDocumentByMetadata(ctx, meta.Title, meta.Jurisdiction, meta.RegulationFamily, meta.InstrumentType)
	if err != nil {
		return "", false, "", err
	}
	if doc == nil {
		documentID, err = o.registry.CreateDocument(ctx,
			meta.Title, meta.Jurisdiction, meta.RegulationFamily, meta.InstrumentType,
			axisValue, axisSource)
		if err == nil {
			return documentID, true, axisSource, nil
		}
		if faults.KindOf(err) != faults.DuplicateKey {
			return "", false, "", err
		}
		doc, err = o.registry.FindDocumentByMetadata(ctx, meta.Title, meta.Jurisdiction, meta.RegulationFamily, meta.InstrumentType)
		if err != nil {
			return "", false, "", err
		}
		if doc == nil {
			return "", false, "", faults.New(faults.DuplicateKey, "document create race not recoverable")
		}
	}
	// Existing document: the resolved axis must match stored truth.
	if meta.PrimaryAxis != "" && doc.PrimaryAxis != "" && meta.PrimaryAxis != doc.PrimaryAxis {
		return "", false, "", faults.Newf(faults.PrimaryAxisMismatch,
			"stored=%s provided=%s", doc.PrimaryAxis, meta.PrimaryAxis)
	}
	return doc.DocumentID, false, doc.PrimaryAxisSource, nil
}

func (o *Orchestrator) recordSuggestion(ctx context.Context, versionID string, meta Metadata, actor, correlationID string) (*SuggestionOut, error) {
	axis, confidence, details, err := o.suggester.Suggest(ctx, meta)
	if err != nil {
		return nil, faults.Wrap(faults.LLMFailed, err, "primary axis suggestion")
	}
	detailsText, err := canonicaljson.MarshalString(details)
	if err != nil {
		return nil, err
	}
	err = o.registry.UpsertPrimaryAxisSuggestion(ctx, registry.Suggestion{
		VersionID:     versionID,
		SuggestedAxis: axis,
		ModelName:     o.opts.SuggestModelName,
		ModelVersion:  o.opts.SuggestModelVer,
		Confidence:    confidence,
		DetailsJSON:   &detailsText,
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.audit.Write(ctx, audit.EntityVersion, versionID, audit.ActionPrimaryAxisSuggested, actor, correlationID,
		map[string]any{
			"suggested_axis": axis,
			"confidence":     confidence,
			"model_name":     o.opts.SuggestModelName,
			"model_version":  o.opts.SuggestModelVer,
		}); err != nil {
		return nil, err
	}
	return &SuggestionOut{
		Value:        axis,
		ModelName:    o.opts.SuggestModelName,
		ModelVersion: o.opts.SuggestModelVer,
		Confidence:   confidence,
	}, nil
}
