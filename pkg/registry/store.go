package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/faults"
	"github.com/doctruth/regcore/pkg/store"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrFileAlreadySet   = errors.New("version file_id already assigned")
)

// Store persists documents, versions and suggestions.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// documentRow adds the stored timestamp text columns to Document.
type documentRow struct {
	Document
	CreatedAtText string `db:"created_at"`
	UpdatedAtText string `db:"updated_at"`
}

func (r documentRow) toDocument() *Document {
	d := r.Document
	d.CreatedAt = store.ParseTime(r.CreatedAtText)
	d.UpdatedAt = store.ParseTime(r.UpdatedAtText)
	return &d
}

// FindDocumentByMetadata looks a document up by its composite identity key.
// Returns nil when absent.
func (s *Store) FindDocumentByMetadata(ctx context.Context, title, jurisdiction, family, instrument string) (*Document, error) {
	var row documentRow
	q := s.db.Rebind(`SELECT * FROM documents
		WHERE title=? AND jurisdiction=? AND regulation_family=? AND instrument_type=? LIMIT 1`)
	err := s.db.GetContext(ctx, &row, q, title, jurisdiction, family, instrument)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}
	return row.toDocument(), nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	var row documentRow
	q := s.db.Rebind(`SELECT * FROM documents WHERE document_id=?`)
	err := s.db.GetContext(ctx, &row, q, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return row.toDocument(), nil
}

// CreateDocument inserts a new document with its immutable primary_axis truth.
// Races on the composite unique key surface as faults.DuplicateKey so the
// caller can re-read and continue its find-or-create path.
func (s *Store) CreateDocument(ctx context.Context, title, jurisdiction, family, instrument, primaryAxis, primaryAxisSource string) (string, error) {
	documentID := uuid.New().String()
	now := store.FormatTime(time.Now())
	q := s.db.Rebind(`INSERT INTO documents (
		document_id, title, jurisdiction, regulation_family, instrument_type,
		primary_axis, primary_axis_source, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q,
		documentID, title, jurisdiction, family, instrument, primaryAxis, primaryAxisSource, now, now)
	if err != nil {
		if isDuplicateKey(err) {
			return "", faults.Wrap(faults.DuplicateKey, err, "document already exists")
		}
		return "", fmt.Errorf("create document: %w", err)
	}
	return documentID, nil
}

// CreateVersion inserts a PENDING version. A supplied parent must exist and
// belong to the same document.
func (s *Store) CreateVersion(ctx context.Context, p NewVersionParams) (string, error) {
	if p.ParentVersionID != nil && *p.ParentVersionID != "" {
		parent, err := s.GetVersion(ctx, *p.ParentVersionID)
		if errors.Is(err, ErrVersionNotFound) {
			return "", faults.Newf(faults.ParentVersionUnknown, "parent version %s not found", *p.ParentVersionID)
		}
		if err != nil {
			return "", err
		}
		if parent.DocumentID != p.DocumentID {
			return "", faults.Newf(faults.ParentVersionWrongDocument,
				"parent version %s belongs to document %s", *p.ParentVersionID, parent.DocumentID)
		}
	}

	versionID := uuid.New().String()
	now := store.FormatTime(time.Now())
	q := s.db.Rebind(`INSERT INTO document_versions (
		version_id, document_id, version_label, effective_date, status,
		parent_version_id, tenant_id, effective_year, uploaded_by, raw_sha256,
		file_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?,?)`)
	_, err := s.db.ExecContext(ctx, q,
		versionID, p.DocumentID, p.VersionLabel, p.EffectiveDate, StatusPending,
		p.ParentVersionID, p.TenantID, p.EffectiveYear, p.UploadedBy, p.RawSHA256, now, now)
	if err != nil {
		return "", fmt.Errorf("create version: %w", err)
	}
	return versionID, nil
}

// GetVersion fetches a version by id.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	var v Version
	q := s.db.Rebind(`SELECT version_id, document_id, version_label, effective_date, status,
		parent_version_id, tenant_id, effective_year, uploaded_by, uploaded_at,
		raw_sha256, file_id, artifacts_json
		FROM document_versions WHERE version_id=?`)
	err := s.db.GetContext(ctx, &v, q, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &v, nil
}

// FindVersionsBySHAAndFile returns versions carrying the given raw sha and
// file, newest first. Used by the dedupe shortcut.
func (s *Store) FindVersionsBySHAAndFile(ctx context.Context, sha, fileID string) ([]Version, error) {
	var out []Version
	q := s.db.Rebind(`SELECT version_id, document_id, version_label, effective_date, status,
		parent_version_id, tenant_id, effective_year, uploaded_by, uploaded_at,
		raw_sha256, file_id, artifacts_json
		FROM document_versions WHERE raw_sha256=? AND file_id=?
		ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &out, q, sha, fileID); err != nil {
		return nil, fmt.Errorf("find versions by sha: %w", err)
	}
	return out, nil
}

// SetVersionFileID attaches evidence to a version exactly once; the write also
// stamps uploaded_at. A repeat with the same file id is a no-op; a different
// file id is rejected.
func (s *Store) SetVersionFileID(ctx context.Context, versionID, fileID string) error {
	now := store.FormatTime(time.Now())
	q := s.db.Rebind(`UPDATE document_versions SET file_id=?, uploaded_at=?, updated_at=?
		WHERE version_id=? AND file_id IS NULL`)
	res, err := s.db.ExecContext(ctx, q, fileID, now, now, versionID)
	if err != nil {
		return fmt.Errorf("set version file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		v, err := s.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.FileID != nil && *v.FileID == fileID {
			return nil
		}
		return ErrFileAlreadySet
	}
	return nil
}

// SetArtifactsJSON stores the compact artifact-id map on the version row.
func (s *Store) SetArtifactsJSON(ctx context.Context, versionID string, artifacts map[string]string) error {
	b, err := canonicaljson.Marshal(artifacts)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`UPDATE document_versions SET artifacts_json=?, updated_at=? WHERE version_id=?`)
	if _, err := s.db.ExecContext(ctx, q, string(b), store.FormatTime(time.Now()), versionID); err != nil {
		return fmt.Errorf("set artifacts json: %w", err)
	}
	return nil
}

// MarkParentSuperseded moves ACTIVE -> SUPERSEDED. Any other current status
// leaves the row untouched; double delivery cannot illegally transition.
func (s *Store) MarkParentSuperseded(ctx context.Context, parentVersionID string) error {
	return s.transition(ctx, parentVersionID, StatusActive, StatusSuperseded)
}

// SetStatusPendingToActive moves PENDING -> ACTIVE.
func (s *Store) SetStatusPendingToActive(ctx context.Context, versionID string) error {
	return s.transition(ctx, versionID, StatusPending, StatusActive)
}

// SetStatusPendingToFailed moves PENDING -> FAILED.
func (s *Store) SetStatusPendingToFailed(ctx context.Context, versionID string) error {
	return s.transition(ctx, versionID, StatusPending, StatusFailed)
}

func (s *Store) transition(ctx context.Context, versionID, from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s->%s", from, to)
	}
	q := s.db.Rebind(`UPDATE document_versions SET status=?, updated_at=?
		WHERE version_id=? AND status=?`)
	if _, err := s.db.ExecContext(ctx, q, to, store.FormatTime(time.Now()), versionID, from); err != nil {
		return fmt.Errorf("transition %s->%s: %w", from, to, err)
	}
	return nil
}

// UpsertPrimaryAxisSuggestion records a derived-only suggestion, idempotent on
// version_id.
func (s *Store) UpsertPrimaryAxisSuggestion(ctx context.Context, sg Suggestion) error {
	now := store.FormatTime(time.Now())
	q := s.db.Rebind(`INSERT INTO primary_axis_suggestions (
		suggestion_id, version_id, suggested_axis, model_name, model_version,
		confidence, details_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (version_id) DO UPDATE SET
			suggested_axis=excluded.suggested_axis,
			model_name=excluded.model_name,
			model_version=excluded.model_version,
			confidence=excluded.confidence,
			details_json=excluded.details_json,
			updated_at=excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, q,
		uuid.New().String(), sg.VersionID, sg.SuggestedAxis, sg.ModelName, sg.ModelVersion,
		sg.Confidence, sg.DetailsJSON, now, now)
	if err != nil {
		return fmt.Errorf("upsert suggestion: %w", err)
	}
	return nil
}

// GetPrimaryAxisSuggestion returns the suggestion for a version, nil if none.
func (s *Store) GetPrimaryAxisSuggestion(ctx context.Context, versionID string) (*Suggestion, error) {
	var sg Suggestion
	q := s.db.Rebind(`SELECT suggestion_id, version_id, suggested_axis, model_name,
		model_version, confidence, details_json
		FROM primary_axis_suggestions WHERE version_id=?`)
	err := s.db.GetContext(ctx, &sg, q, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get suggestion: %w", err)
	}
	return &sg, nil
}

func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
