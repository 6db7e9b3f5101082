// Package store opens the relational store and owns its schema.
//
// Two drivers are supported: Postgres (production, lib/pq) and SQLite
// (local mode and tests, modernc.org/sqlite). Queries throughout the codebase
// are written with `?` placeholders and passed through sqlx.Rebind, so the
// same statements serve both dialects.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to the database named by url.
//
//	postgres://... / postgresql://...  -> lib/pq
//	sqlite://<path>, :memory:          -> modernc.org/sqlite
func Open(url string) (*sqlx.DB, error) {
	driver, dsn := driverFor(url)
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writes; a single connection avoids
		// table-lock errors under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func driverFor(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://")
	default:
		return "sqlite", url
	}
}

// Migrate applies the schema. Statements are idempotent (IF NOT EXISTS), so
// repeated calls are safe.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// schema uses only the type names both dialects accept. Timestamps are stored
// as RFC3339Nano UTC text; JSON columns are canonical-JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		document_id        TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		jurisdiction       TEXT NOT NULL,
		regulation_family  TEXT NOT NULL,
		instrument_type    TEXT NOT NULL,
		primary_axis       TEXT NOT NULL,
		primary_axis_source TEXT NOT NULL,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		UNIQUE (title, jurisdiction, regulation_family, instrument_type)
	)`,
	`CREATE TABLE IF NOT EXISTS document_versions (
		version_id        TEXT PRIMARY KEY,
		document_id       TEXT NOT NULL REFERENCES documents(document_id),
		version_label     TEXT,
		effective_date    TEXT,
		status            TEXT NOT NULL,
		parent_version_id TEXT REFERENCES document_versions(version_id),
		tenant_id         TEXT NOT NULL,
		effective_year    INTEGER NOT NULL,
		uploaded_by       TEXT NOT NULL,
		uploaded_at       TEXT,
		raw_sha256        TEXT NOT NULL,
		file_id           TEXT,
		artifacts_json    TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_versions_document ON document_versions(document_id)`,
	`CREATE INDEX IF NOT EXISTS idx_versions_sha ON document_versions(raw_sha256)`,
	`CREATE TABLE IF NOT EXISTS evidence_files (
		file_id     TEXT PRIMARY KEY,
		version_id  TEXT NOT NULL,
		sha256      TEXT NOT NULL,
		mime_type   TEXT NOT NULL,
		size_bytes  INTEGER NOT NULL,
		storage_uri TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_sha ON evidence_files(sha256)`,
	`CREATE TABLE IF NOT EXISTS derived_artifacts (
		artifact_id       TEXT PRIMARY KEY,
		version_id        TEXT NOT NULL,
		kind              TEXT NOT NULL,
		sha256            TEXT NOT NULL,
		storage_uri       TEXT NOT NULL,
		generator_name    TEXT NOT NULL,
		generator_version TEXT NOT NULL,
		created_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_version ON derived_artifacts(version_id)`,
	`CREATE TABLE IF NOT EXISTS primary_axis_suggestions (
		suggestion_id  TEXT PRIMARY KEY,
		version_id     TEXT NOT NULL UNIQUE,
		suggested_axis TEXT NOT NULL,
		model_name     TEXT NOT NULL,
		model_version  TEXT NOT NULL,
		confidence     REAL NOT NULL,
		details_json   TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		event_id        TEXT PRIMARY KEY,
		at              TEXT NOT NULL,
		entity_type     TEXT NOT NULL,
		entity_id       TEXT NOT NULL,
		action          TEXT NOT NULL,
		actor           TEXT NOT NULL,
		correlation_id  TEXT NOT NULL,
		details_json    TEXT,
		prev_event_hash TEXT,
		event_hash      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, at)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		chunk_id              TEXT PRIMARY KEY,
		version_id            TEXT NOT NULL,
		chunk_set_artifact_id TEXT NOT NULL,
		chunk_schema_version  TEXT NOT NULL,
		start_char            INTEGER NOT NULL,
		end_char              INTEGER NOT NULL,
		page_start            INTEGER NOT NULL,
		page_end              INTEGER NOT NULL,
		text_sha256           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_version ON chunks(version_id)`,
	`CREATE TABLE IF NOT EXISTS ref_rules (
		rule_key   TEXT PRIMARY KEY,
		rule_desc  TEXT,
		rule_json  TEXT NOT NULL,
		is_active  INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		prompt_hash     TEXT PRIMARY KEY,
		prompt_template TEXT NOT NULL,
		prompt_version  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS llm_runs (
		run_id             TEXT PRIMARY KEY,
		version_id         TEXT NOT NULL,
		purpose            TEXT NOT NULL,
		model_name         TEXT NOT NULL,
		model_version      TEXT NOT NULL,
		prompt_hash        TEXT NOT NULL,
		input_fingerprint  TEXT NOT NULL,
		output_artifact_id TEXT,
		status             TEXT NOT NULL,
		created_at         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS soi_versions (
		version_id     TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL,
		status         TEXT NOT NULL,
		version_label  TEXT,
		effective_date TEXT,
		uploaded_by    TEXT NOT NULL,
		uploaded_at    TEXT,
		raw_sha256     TEXT NOT NULL,
		artifact_count INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS soi_documents (
		document_id       TEXT PRIMARY KEY,
		title             TEXT NOT NULL,
		jurisdiction      TEXT NOT NULL,
		regulation_family TEXT NOT NULL,
		instrument_type   TEXT NOT NULL,
		primary_axis      TEXT NOT NULL,
		latest_version_id TEXT,
		latest_status     TEXT,
		updated_at        TEXT NOT NULL
	)`,
}
