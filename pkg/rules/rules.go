// Package rules holds the configurable upload-validation rules. The active
// rule set lives in the ref_rules table so operators can tighten required
// fields without a deploy; a YAML file can override the seeded defaults.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/faults"
	"github.com/doctruth/regcore/pkg/store"
)

const uploadRuleKey = "UPLOAD_RULES"

// Rules is the upload-validation rule set.
type Rules struct {
	RequiredFields []string `json:"required_fields" yaml:"required_fields"`
	MaxPDFMB       int      `json:"max_pdf_mb" yaml:"max_pdf_mb"`
}

// Defaults returns the seeded rule set. primary_axis is deliberately not
// required; a blank value triggers deterministic derivation.
func Defaults(maxPDFMB int) Rules {
	return Rules{
		RequiredFields: []string{
			"title", "jurisdiction", "regulation_family",
			"instrument_type", "tenant_id", "effective_year",
		},
		MaxPDFMB: maxPDFMB,
	}
}

// LoadFile reads a YAML rules override.
func LoadFile(path string) (Rules, error) {
	var r Rules
	b, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return r, nil
}

// Store reads and seeds rule rows.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureDefaults seeds or refreshes the active upload rule set.
func (s *Store) EnsureDefaults(ctx context.Context, r Rules) error {
	ruleJSON, err := canonicaljson.MarshalString(r)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO ref_rules (rule_key, rule_desc, rule_json, is_active, updated_at)
		VALUES (?,?,?,1,?)
		ON CONFLICT (rule_key) DO UPDATE SET rule_json=excluded.rule_json, is_active=1, updated_at=excluded.updated_at`)
	_, err = s.db.ExecContext(ctx, q,
		uploadRuleKey, "Upload validation rules", ruleJSON, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("seed upload rules: %w", err)
	}
	return nil
}

// Active returns the active upload rule set, or fallback when none is seeded.
// Read failures surface as errors; falling back would silently ignore rules an
// operator tightened in ref_rules.
func (s *Store) Active(ctx context.Context, fallback Rules) (Rules, error) {
	var ruleJSON string
	q := s.db.Rebind(`SELECT rule_json FROM ref_rules WHERE rule_key=? AND is_active=1`)
	err := s.db.GetContext(ctx, &ruleJSON, q, uploadRuleKey)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("read active rules: %w", err)
	}
	var r Rules
	if err := json.Unmarshal([]byte(ruleJSON), &r); err != nil {
		return fallback, fmt.Errorf("parse stored rules: %w", err)
	}
	return r, nil
}

// Enforce checks the required metadata fields. Blank strings count as
// missing. The error detail names every missing field.
func Enforce(r Rules, meta map[string]string) error {
	var missing []string
	for _, f := range r.RequiredFields {
		if strings.TrimSpace(meta[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return faults.Newf(faults.ValidationMissingFields,
			"missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckSize enforces the payload ceiling.
func CheckSize(r Rules, size int) error {
	limit := r.MaxPDFMB * 1024 * 1024
	if limit > 0 && size > limit {
		return faults.Newf(faults.PayloadTooLarge, "PDF too large; max=%dMB", r.MaxPDFMB)
	}
	return nil
}
