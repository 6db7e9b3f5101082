package blobstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	uri1, err := s.PutWriteOnce(ctx, "evidence/d1/v1/f1.pdf", []byte("original"), "application/pdf")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri1, "file://"))

	// Second put against the same key must not overwrite.
	uri2, err := s.PutWriteOnce(ctx, "evidence/d1/v1/f1.pdf", []byte("attacker"), "application/pdf")
	require.NoError(t, err)
	require.Equal(t, uri1, uri2)

	got, err := s.Get(ctx, "evidence/d1/v1/f1.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
}

func TestLocalStore_ExistsAndMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.PutWriteOnce(ctx, "a/b", []byte("x"), "text/plain")
	require.NoError(t, err)
	ok, err = s.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalStore_ReadURIRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	uri, err := s.PutWriteOnce(ctx, "canonical/v1/stable_text.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)

	got, err := ReadURI(ctx, s, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	signed, err := SignedURLFromURI(ctx, s, uri, time.Minute)
	require.NoError(t, err)
	require.Equal(t, uri, signed)
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri      string
		scheme   string
		location string
	}{
		{"s3://bucket/evidence/d/v/f.pdf", "s3", "evidence/d/v/f.pdf"},
		{"file:///var/data/blob.bin", "file", "/var/data/blob.bin"},
	}
	for _, tt := range tests {
		scheme, loc, err := ParseURI(tt.uri)
		require.NoError(t, err)
		require.Equal(t, tt.scheme, scheme)
		require.Equal(t, tt.location, loc)
	}

	_, _, err := ParseURI("gopher://x/y")
	require.Error(t, err)
}
