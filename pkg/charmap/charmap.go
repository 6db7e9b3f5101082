// Package charmap generates the lazy per-character artifacts for
// highlight-level traceability. They are skipped in the upload pipeline
// because they can be large; callers request them on demand and oversized
// documents are rejected outright. Evidence is never mutated; outputs are
// immutable artifacts like everything else.
package charmap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/audit"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/extract"
	"github.com/doctruth/regcore/pkg/registry"
)

// Ensure outcomes.
const (
	StatusExists   = "EXISTS"
	StatusNotReady = "NOT_READY"
	StatusRejected = "REJECTED"
	StatusCreated  = "CREATED"
)

// Result reports one ensure call.
type Result struct {
	VersionID  string `json:"version_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// Service builds char_map and char_boxes artifacts on demand.
type Service struct {
	registry         *registry.Store
	evidence         *evidence.Store
	artifacts        *artifact.Service
	audit            *audit.Service
	chars            extract.CharExtractor
	maxPages         int
	extractorVersion string
	layoutVersion    string
	logger           *slog.Logger
}

func NewService(reg *registry.Store, ev *evidence.Store, art *artifact.Service, aud *audit.Service, chars extract.CharExtractor, maxPages int, extractorVersion, layoutVersion string, logger *slog.Logger) *Service {
	return &Service{
		registry:         reg,
		evidence:         ev,
		artifacts:        art,
		audit:            aud,
		chars:            chars,
		maxPages:         maxPages,
		extractorVersion: extractorVersion,
		layoutVersion:    layoutVersion,
		logger:           logger,
	}
}

// load returns the version, its evidence bytes and raw sha; a nil Result
// means processing may continue.
func (s *Service) load(ctx context.Context, versionID, kind string) (*registry.Version, []byte, *Result, error) {
	existing, err := s.artifacts.LatestByKind(ctx, versionID, kind)
	if err != nil {
		return nil, nil, nil, err
	}
	if existing != nil {
		return nil, nil, &Result{VersionID: versionID, ArtifactID: existing.ArtifactID, Status: StatusExists}, nil
	}

	v, err := s.registry.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if v.FileID == nil {
		return nil, nil, &Result{VersionID: versionID, Status: StatusNotReady}, nil
	}
	f, err := s.evidence.Get(ctx, *v.FileID)
	if err != nil {
		return nil, nil, nil, err
	}
	raw, err := s.evidence.ReadBytes(ctx, f)
	if err != nil {
		return nil, nil, nil, err
	}

	pages, err := s.chars.PageCount(ctx, raw)
	if err != nil {
		return nil, nil, nil, err
	}
	if s.maxPages > 0 && pages > s.maxPages {
		return nil, nil, &Result{VersionID: versionID, Status: StatusRejected, Reason: "too_many_pages"}, nil
	}
	return v, raw, nil, nil
}

// EnsureCharMap returns the existing char_map or generates it: per-page text
// in reading order keyed to the version's raw sha.
func (s *Service) EnsureCharMap(ctx context.Context, versionID, actor string) (*Result, error) {
	v, raw, early, err := s.load(ctx, versionID, artifact.KindCharMap)
	if err != nil || early != nil {
		return early, err
	}

	texts, err := s.chars.PageTexts(ctx, raw)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"version_id": versionID,
		"raw_sha256": v.RawSHA256,
		"pages":      texts,
	}
	artifactID, err := s.artifacts.RegisterJSON(ctx, versionID, artifact.KindCharMap, payload,
		fmt.Sprintf("canonical/%s/char_map.json", versionID),
		"char_pipeline", fmt.Sprintf("%s|char_map@1.0.0", s.extractorVersion))
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.Write(ctx, audit.EntityArtifact, artifactID, audit.ActionCharMapGenerated, actor, "-",
		map[string]any{"version_id": versionID, "kind": artifact.KindCharMap}); err != nil {
		return nil, err
	}
	s.logger.Info("char map generated", "version_id", versionID, "artifact_id", artifactID)
	return &Result{VersionID: versionID, ArtifactID: artifactID, Status: StatusCreated}, nil
}

// EnsureCharBoxes returns the existing char_boxes or generates them:
// per-page character bounding boxes.
func (s *Service) EnsureCharBoxes(ctx context.Context, versionID, actor string) (*Result, error) {
	v, raw, early, err := s.load(ctx, versionID, artifact.KindCharBoxes)
	if err != nil || early != nil {
		return early, err
	}

	boxes, err := s.chars.CharBoxes(ctx, raw)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"version_id": versionID,
		"raw_sha256": v.RawSHA256,
		"pages":      boxes,
	}
	artifactID, err := s.artifacts.RegisterJSON(ctx, versionID, artifact.KindCharBoxes, payload,
		fmt.Sprintf("canonical/%s/char_boxes.json", versionID),
		"char_pipeline", fmt.Sprintf("%s|char_boxes@1.0.0", s.layoutVersion))
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.Write(ctx, audit.EntityArtifact, artifactID, audit.ActionCharBoxesGenerated, actor, "-",
		map[string]any{"version_id": versionID, "kind": artifact.KindCharBoxes}); err != nil {
		return nil, err
	}
	s.logger.Info("char boxes generated", "version_id", versionID, "artifact_id", artifactID)
	return &Result{VersionID: versionID, ArtifactID: artifactID, Status: StatusCreated}, nil
}
