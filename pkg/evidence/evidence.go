// Package evidence stores the immutable uploaded PDFs. Rows are indexed by
// content sha so later ingestions can reuse bytes; the underlying blob is
// write-once and never mutated.
package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/faults"
	"github.com/doctruth/regcore/pkg/store"
)

var ErrNotFound = errors.New("evidence file not found")

const mimePDF = "application/pdf"

// File is one immutable evidence row. version_id is the version that first
// created the file; other versions may reference the same file_id.
type File struct {
	FileID     string `db:"file_id" json:"file_id"`
	VersionID  string `db:"version_id" json:"version_id"`
	SHA256     string `db:"sha256" json:"sha256"`
	MimeType   string `db:"mime_type" json:"mime_type"`
	SizeBytes  int64  `db:"size_bytes" json:"size_bytes"`
	StorageURI string `db:"storage_uri" json:"storage_uri"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// Store persists evidence rows and their bytes.
type Store struct {
	db    *sqlx.DB
	blobs blobstore.Store
}

func NewStore(db *sqlx.DB, blobs blobstore.Store) *Store {
	return &Store{db: db, blobs: blobs}
}

// FindBySHA returns the most recent evidence row carrying sha, nil if none.
func (s *Store) FindBySHA(ctx context.Context, sha string) (*File, error) {
	var f File
	q := s.db.Rebind(`SELECT * FROM evidence_files WHERE sha256=? ORDER BY created_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &f, q, sha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find evidence by sha: %w", err)
	}
	return &f, nil
}

// Get fetches an evidence row by file id.
func (s *Store) Get(ctx context.Context, fileID string) (*File, error) {
	var f File
	q := s.db.Rebind(`SELECT * FROM evidence_files WHERE file_id=?`)
	err := s.db.GetContext(ctx, &f, q, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	return &f, nil
}

// Create writes the PDF bytes write-once under
// evidence/{document}/{version}/{file}.pdf and inserts the row.
func (s *Store) Create(ctx context.Context, sha string, pdf []byte, documentID, versionID string) (*File, error) {
	fileID := uuid.New().String()
	key := fmt.Sprintf("evidence/%s/%s/%s.pdf", documentID, versionID, fileID)

	uri, err := s.blobs.PutWriteOnce(ctx, key, pdf, mimePDF)
	if err != nil {
		return nil, faults.Wrap(faults.StorageWriteFailed, err, "write evidence blob")
	}

	f := &File{
		FileID:     fileID,
		VersionID:  versionID,
		SHA256:     sha,
		MimeType:   mimePDF,
		SizeBytes:  int64(len(pdf)),
		StorageURI: uri,
		CreatedAt:  store.FormatTime(time.Now()),
	}
	q := s.db.Rebind(`INSERT INTO evidence_files (
		file_id, version_id, sha256, mime_type, size_bytes, storage_uri, created_at)
		VALUES (?,?,?,?,?,?,?)`)
	if _, err := s.db.ExecContext(ctx, q,
		f.FileID, f.VersionID, f.SHA256, f.MimeType, f.SizeBytes, f.StorageURI, f.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert evidence row: %w", err)
	}
	return f, nil
}

// ReadBytes fetches the stored PDF for an evidence row.
func (s *Store) ReadBytes(ctx context.Context, f *File) ([]byte, error) {
	b, err := blobstore.ReadURI(ctx, s.blobs, f.StorageURI)
	if err != nil {
		return nil, faults.Wrap(faults.EvidenceReadFailed, err, "read evidence bytes")
	}
	return b, nil
}
