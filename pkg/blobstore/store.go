// Package blobstore implements write-once, content-keyed byte storage behind a
// common contract, with local-filesystem and S3 backends.
//
// The write-once guarantee is the load-bearing invariant: a put against an
// existing key never overwrites, it returns the existing URI. Retries of the
// same key are therefore safe and yield identical URIs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Store is the write-once byte store contract.
type Store interface {
	// PutWriteOnce persists data under key unless the key already exists, in
	// which case the existing bytes are left untouched. Returns the storage URI.
	PutWriteOnce(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get returns the bytes stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key holds bytes.
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a time-limited read URL for key. Local stores return
	// the file:// URI unchanged.
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// ParseURI splits a storage URI into its scheme and location.
//
//	s3://bucket/key        -> ("s3", "key")
//	file:///abs/path       -> ("file", "/abs/path")
func ParseURI(uri string) (scheme, location string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse storage uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "s3":
		return "s3", strings.TrimPrefix(u.Path, "/"), nil
	case "file":
		// netloc survives on some platforms (e.g. windows drive letters).
		return "file", u.Host + u.Path, nil
	default:
		return "", "", fmt.Errorf("unsupported storage uri scheme %q", u.Scheme)
	}
}

// ReadURI fetches the bytes a previously stored URI points at.
func ReadURI(ctx context.Context, s Store, uri string) ([]byte, error) {
	scheme, loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if scheme == "file" {
		return readLocalPath(loc)
	}
	return s.Get(ctx, loc)
}

// SignedURLFromURI produces a read URL for a stored URI: presigned for s3,
// the raw file:// URI otherwise.
func SignedURLFromURI(ctx context.Context, s Store, uri string, expires time.Duration) (string, error) {
	scheme, loc, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if scheme == "s3" {
		return s.SignedURL(ctx, loc, expires)
	}
	return uri, nil
}
