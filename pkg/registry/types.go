// Package registry owns the durable identity entities: documents, their
// version chain, and derived-only primary-axis suggestions. No other
// component writes these rows.
package registry

import "time"

// Version lifecycle states.
const (
	StatusPending    = "PENDING"
	StatusActive     = "ACTIVE"
	StatusSuperseded = "SUPERSEDED"
	StatusFailed     = "FAILED"
)

// CanTransition reports whether from -> to is a legal version-state move.
// SUPERSEDED and FAILED are terminal.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusFailed
	case StatusActive:
		return to == StatusSuperseded
	default:
		return false
	}
}

// Document is the logical regulation identity. primary_axis is truth, set
// once at creation and immutable thereafter.
type Document struct {
	DocumentID        string    `db:"document_id" json:"document_id"`
	Title             string    `db:"title" json:"title"`
	Jurisdiction      string    `db:"jurisdiction" json:"jurisdiction"`
	RegulationFamily  string    `db:"regulation_family" json:"regulation_family"`
	InstrumentType    string    `db:"instrument_type" json:"instrument_type"`
	PrimaryAxis       string    `db:"primary_axis" json:"primary_axis"`
	PrimaryAxisSource string    `db:"primary_axis_source" json:"primary_axis_source"`
	CreatedAt         time.Time `db:"-" json:"created_at"`
	UpdatedAt         time.Time `db:"-" json:"updated_at"`
}

// Version is one ingestion snapshot of a document.
type Version struct {
	VersionID       string  `db:"version_id" json:"version_id"`
	DocumentID      string  `db:"document_id" json:"document_id"`
	VersionLabel    *string `db:"version_label" json:"version_label,omitempty"`
	EffectiveDate   *string `db:"effective_date" json:"effective_date,omitempty"`
	Status          string  `db:"status" json:"status"`
	ParentVersionID *string `db:"parent_version_id" json:"parent_version_id,omitempty"`
	TenantID        string  `db:"tenant_id" json:"tenant_id"`
	EffectiveYear   int     `db:"effective_year" json:"effective_year"`
	UploadedBy      string  `db:"uploaded_by" json:"uploaded_by"`
	UploadedAt      *string `db:"uploaded_at" json:"uploaded_at,omitempty"`
	RawSHA256       string  `db:"raw_sha256" json:"raw_sha256"`
	FileID          *string `db:"file_id" json:"file_id,omitempty"`
	ArtifactsJSON   *string `db:"artifacts_json" json:"artifacts_json,omitempty"`
}

// Suggestion is a derived-only primary-axis proposal, one per version.
// Never read as truth; never written into documents.primary_axis.
type Suggestion struct {
	SuggestionID  string  `db:"suggestion_id" json:"-"`
	VersionID     string  `db:"version_id" json:"version_id"`
	SuggestedAxis string  `db:"suggested_axis" json:"value"`
	ModelName     string  `db:"model_name" json:"model_name"`
	ModelVersion  string  `db:"model_version" json:"model_version"`
	Confidence    float64 `db:"confidence" json:"confidence"`
	DetailsJSON   *string `db:"details_json" json:"-"`
}

// NewVersionParams carries the inputs for CreateVersion.
type NewVersionParams struct {
	DocumentID      string
	TenantID        string
	EffectiveYear   int
	UploadedBy      string
	RawSHA256       string
	VersionLabel    *string
	EffectiveDate   *string
	ParentVersionID *string
}
