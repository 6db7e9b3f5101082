package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalStore is a filesystem-backed Store rooted at a single directory.
// Intended for local mode and tests.
type LocalStore struct {
	root string
	mu   sync.Mutex
}

// NewLocalStore creates (if needed) and opens a local store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ensure storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) uri(key string) string {
	return "file://" + filepath.ToSlash(s.path(key))
}

func (s *LocalStore) PutWriteOnce(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return s.uri(key), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure blob dir: %w", err)
	}

	// Write to temp then rename so partial writes never surface under the key.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return s.uri(key), nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	return readLocalPath(s.path(key))
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

func (s *LocalStore) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return s.uri(key), nil
}

func readLocalPath(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return b, nil
}
