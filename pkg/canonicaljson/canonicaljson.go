// Package canonicaljson provides RFC 8785 (JCS) canonical JSON serialization
// and SHA-256 hashing over the canonical form.
//
// Every hash in the system (audit chain links, derived-artifact shas, bus
// payloads) is computed over this canonical form: UTF-8, lexicographically
// sorted object keys, compact separators, non-ASCII preserved.
package canonicaljson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal serializes v to canonical JSON.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: transform failed: %w", err)
	}
	return out, nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
