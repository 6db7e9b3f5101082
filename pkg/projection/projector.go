// Package projection maintains the denormalized read model: soi_versions and
// soi_documents mirror registry state for query surfaces that must not touch
// the write-side tables. Upserts are idempotent so at-least-once delivery and
// out-of-order events are harmless.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/bus"
	"github.com/doctruth/regcore/pkg/registry"
	"github.com/doctruth/regcore/pkg/store"
)

// Group is the projector's consumer group on the events topic.
const Group = "projector"

// VersionRow is one soi_versions row.
type VersionRow struct {
	VersionID     string  `db:"version_id" json:"version_id"`
	DocumentID    string  `db:"document_id" json:"document_id"`
	Status        string  `db:"status" json:"status"`
	VersionLabel  *string `db:"version_label" json:"version_label,omitempty"`
	EffectiveDate *string `db:"effective_date" json:"effective_date,omitempty"`
	UploadedBy    string  `db:"uploaded_by" json:"uploaded_by"`
	UploadedAt    *string `db:"uploaded_at" json:"uploaded_at,omitempty"`
	RawSHA256     string  `db:"raw_sha256" json:"raw_sha256"`
	ArtifactCount int     `db:"artifact_count" json:"artifact_count"`
	UpdatedAt     string  `db:"updated_at" json:"updated_at"`
}

// DocumentRow is one soi_documents row.
type DocumentRow struct {
	DocumentID       string  `db:"document_id" json:"document_id"`
	Title            string  `db:"title" json:"title"`
	Jurisdiction     string  `db:"jurisdiction" json:"jurisdiction"`
	RegulationFamily string  `db:"regulation_family" json:"regulation_family"`
	InstrumentType   string  `db:"instrument_type" json:"instrument_type"`
	PrimaryAxis      string  `db:"primary_axis" json:"primary_axis"`
	LatestVersionID  *string `db:"latest_version_id" json:"latest_version_id,omitempty"`
	LatestStatus     *string `db:"latest_status" json:"latest_status,omitempty"`
	UpdatedAt        string  `db:"updated_at" json:"updated_at"`
}

// Projector folds domain events into the read model.
type Projector struct {
	db        *sqlx.DB
	registry  *registry.Store
	artifacts *artifact.Service
	bus       bus.Bus
	logger    *slog.Logger
}

func NewProjector(db *sqlx.DB, reg *registry.Store, art *artifact.Service, b bus.Bus, logger *slog.Logger) *Projector {
	return &Projector{db: db, registry: reg, artifacts: art, bus: b, logger: logger}
}

// Run consumes events until ctx is canceled.
func (p *Projector) Run(ctx context.Context) error {
	return p.bus.Subscribe(ctx, Group, p.Handle)
}

// Handle projects one event into the read model.
func (p *Projector) Handle(ctx context.Context, ev bus.DomainEvent) error {
	switch ev.EventType {
	case bus.EventVersionCreated, bus.EventIngestionCompleted, bus.EventIngestionFailed:
	default:
		return nil
	}

	versionID := ev.EntityID
	v, err := p.registry.GetVersion(ctx, versionID)
	if errors.Is(err, registry.ErrVersionNotFound) {
		p.logger.Warn("projection skipped unknown version", "version_id", versionID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.upsertVersion(ctx, v); err != nil {
		return err
	}

	doc, err := p.registry.GetDocument(ctx, v.DocumentID)
	if err != nil {
		return err
	}
	if err := p.upsertDocument(ctx, doc, v); err != nil {
		return err
	}

	if ev.EventType == bus.EventIngestionCompleted {
		n, err := p.artifacts.CountForVersion(ctx, versionID)
		if err != nil {
			return err
		}
		q := p.db.Rebind(`UPDATE soi_versions SET artifact_count=?, updated_at=? WHERE version_id=?`)
		if _, err := p.db.ExecContext(ctx, q, n, store.FormatTime(time.Now()), versionID); err != nil {
			return fmt.Errorf("update artifact count: %w", err)
		}
	}
	return nil
}

func (p *Projector) upsertVersion(ctx context.Context, v *registry.Version) error {
	q := p.db.Rebind(`INSERT INTO soi_versions (
		version_id, document_id, status, version_label, effective_date,
		uploaded_by, uploaded_at, raw_sha256, artifact_count, updated_at)
		VALUES (?,?,?,?,?,?,?,?,0,?)
		ON CONFLICT (version_id) DO UPDATE SET
			status=excluded.status, updated_at=excluded.updated_at`)
	_, err := p.db.ExecContext(ctx, q,
		v.VersionID, v.DocumentID, v.Status, v.VersionLabel, v.EffectiveDate,
		v.UploadedBy, v.UploadedAt, v.RawSHA256, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert soi version: %w", err)
	}
	return nil
}

func (p *Projector) upsertDocument(ctx context.Context, d *registry.Document, v *registry.Version) error {
	q := p.db.Rebind(`INSERT INTO soi_documents (
		document_id, title, jurisdiction, regulation_family, instrument_type,
		primary_axis, latest_version_id, latest_status, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (document_id) DO UPDATE SET
			latest_version_id=excluded.latest_version_id,
			latest_status=excluded.latest_status,
			updated_at=excluded.updated_at`)
	_, err := p.db.ExecContext(ctx, q,
		d.DocumentID, d.Title, d.Jurisdiction, d.RegulationFamily, d.InstrumentType,
		d.PrimaryAxis, v.VersionID, v.Status, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert soi document: %w", err)
	}
	return nil
}

// GetVersionRow reads a projected version row.
func (p *Projector) GetVersionRow(ctx context.Context, versionID string) (*VersionRow, error) {
	var r VersionRow
	q := p.db.Rebind(`SELECT * FROM soi_versions WHERE version_id=?`)
	err := p.db.GetContext(ctx, &r, q, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get soi version: %w", err)
	}
	return &r, nil
}

// GetDocumentRow reads a projected document row.
func (p *Projector) GetDocumentRow(ctx context.Context, documentID string) (*DocumentRow, error) {
	var r DocumentRow
	q := p.db.Rebind(`SELECT * FROM soi_documents WHERE document_id=?`)
	err := p.db.GetContext(ctx, &r, q, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get soi document: %w", err)
	}
	return &r, nil
}
