// Package artifact registers immutable derived artifacts. JSON artifacts are
// serialized canonically before hashing so re-derivation yields identical
// shas; blob bytes are write-once.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/canonicaljson"
	"github.com/doctruth/regcore/pkg/faults"
	"github.com/doctruth/regcore/pkg/store"
)

var ErrNotFound = errors.New("artifact not found")

// Artifact kinds.
const (
	KindStableText        = "stable_text"
	KindPageMap           = "page_map"
	KindLayoutMap         = "layout_map"
	KindChunkSet          = "chunk_set"
	KindRetrievalManifest = "retrieval_manifest"
	KindCharMap           = "char_map"
	KindCharBoxes         = "char_boxes"
	KindLLMOutput         = "llm_output"
)

// Artifact is one immutable derived-artifact row. Re-registration of the same
// (version, kind) produces a new revision row; bytes at any URI never change.
type Artifact struct {
	ArtifactID       string `db:"artifact_id" json:"artifact_id"`
	VersionID        string `db:"version_id" json:"version_id"`
	Kind             string `db:"kind" json:"kind"`
	SHA256           string `db:"sha256" json:"sha256"`
	StorageURI       string `db:"storage_uri" json:"storage_uri"`
	GeneratorName    string `db:"generator_name" json:"generator_name"`
	GeneratorVersion string `db:"generator_version" json:"generator_version"`
	CreatedAt        string `db:"created_at" json:"created_at"`
}

// CanonicalIDs holds the three canonical artifact ids for a version.
type CanonicalIDs struct {
	StableTextID string `json:"stable_text_id"`
	PageMapID    string `json:"page_map_id"`
	LayoutMapID  string `json:"layout_map_id"`
}

// Service registers and reads derived artifacts.
type Service struct {
	db    *sqlx.DB
	blobs blobstore.Store
}

func NewService(db *sqlx.DB, blobs blobstore.Store) *Service {
	return &Service{db: db, blobs: blobs}
}

// Register writes content write-once under key and inserts the artifact row.
func (s *Service) Register(ctx context.Context, versionID, kind string, content []byte, key, generatorName, generatorVersion string) (string, error) {
	contentType := "text/plain"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	}
	uri, err := s.blobs.PutWriteOnce(ctx, key, content, contentType)
	if err != nil {
		return "", faults.Wrap(faults.StorageWriteFailed, err, "write artifact blob")
	}

	artifactID := uuid.New().String()
	q := s.db.Rebind(`INSERT INTO derived_artifacts (
		artifact_id, version_id, kind, sha256, storage_uri,
		generator_name, generator_version, created_at)
		VALUES (?,?,?,?,?,?,?,?)`)
	_, err = s.db.ExecContext(ctx, q,
		artifactID, versionID, kind, canonicaljson.HashBytes(content), uri,
		generatorName, generatorVersion, store.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("insert artifact row: %w", err)
	}
	return artifactID, nil
}

// RegisterJSON canonically serializes obj and registers it.
func (s *Service) RegisterJSON(ctx context.Context, versionID, kind string, obj any, key, generatorName, generatorVersion string) (string, error) {
	b, err := canonicaljson.Marshal(obj)
	if err != nil {
		return "", err
	}
	return s.Register(ctx, versionID, kind, b, key, generatorName, generatorVersion)
}

// StoreCanonical registers the stable text, page map and layout map under
// canonical/{version}/.
func (s *Service) StoreCanonical(ctx context.Context, versionID, stableText string, pageMap, layoutMap any, extractorVersion, layoutVersion string) (CanonicalIDs, error) {
	var ids CanonicalIDs
	var err error

	ids.StableTextID, err = s.Register(ctx, versionID, KindStableText,
		[]byte(stableText),
		fmt.Sprintf("canonical/%s/stable_text.txt", versionID),
		"canonical_text_pipeline", extractorVersion)
	if err != nil {
		return ids, err
	}
	ids.PageMapID, err = s.RegisterJSON(ctx, versionID, KindPageMap, pageMap,
		fmt.Sprintf("canonical/%s/page_map.json", versionID),
		"canonical_text_pipeline", extractorVersion)
	if err != nil {
		return ids, err
	}
	ids.LayoutMapID, err = s.RegisterJSON(ctx, versionID, KindLayoutMap, layoutMap,
		fmt.Sprintf("canonical/%s/layout_map.json", versionID),
		"canonical_layout_pipeline", layoutVersion)
	return ids, err
}

// StoreChunkSet registers the chunk-set artifact under
// indexes/{version}/chunk_sets/.
func (s *Service) StoreChunkSet(ctx context.Context, versionID string, chunkSet any, generatorVersion string) (string, error) {
	return s.RegisterJSON(ctx, versionID, KindChunkSet, chunkSet,
		fmt.Sprintf("indexes/%s/chunk_sets/chunk_set.json", versionID),
		"chunker", generatorVersion)
}

// Get fetches an artifact row by id.
func (s *Service) Get(ctx context.Context, artifactID string) (*Artifact, error) {
	var a Artifact
	q := s.db.Rebind(`SELECT * FROM derived_artifacts WHERE artifact_id=?`)
	err := s.db.GetContext(ctx, &a, q, artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// LatestByKind returns the newest artifact of kind for a version, nil if none.
func (s *Service) LatestByKind(ctx context.Context, versionID, kind string) (*Artifact, error) {
	var a Artifact
	q := s.db.Rebind(`SELECT * FROM derived_artifacts
		WHERE version_id=? AND kind=? ORDER BY created_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &a, q, versionID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact by kind: %w", err)
	}
	return &a, nil
}

// CountForVersion counts derived artifacts registered for a version.
func (s *Service) CountForVersion(ctx context.Context, versionID string) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM derived_artifacts WHERE version_id=?`)
	if err := s.db.GetContext(ctx, &n, q, versionID); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// ReadBytes fetches the stored bytes for an artifact.
func (s *Service) ReadBytes(ctx context.Context, a *Artifact) ([]byte, error) {
	return blobstore.ReadURI(ctx, s.blobs, a.StorageURI)
}

// SignedURL returns a read URL for an artifact's bytes.
func (s *Service) SignedURL(ctx context.Context, a *Artifact, expires time.Duration) (string, error) {
	return blobstore.SignedURLFromURI(ctx, s.blobs, a.StorageURI, expires)
}
