// Package fingerprint computes content fingerprints and applies the
// deterministic classification rules used at ingestion time.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Axis values for a document's primary classification dimension.
const (
	AxisJurisdiction = "jurisdiction"
	AxisProductScope = "product_scope"
	AxisTheme        = "theme"
)

// Provenance of the primary_axis truth value.
const (
	SourceUpload            = "UPLOAD"
	SourceDeterministicRule = "DETERMINISTIC_RULE"
)

// SHA256Hex returns the lowercase hex SHA-256 of raw bytes. No canonicalization
// is applied; evidence is fingerprinted exactly as received.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256HexString fingerprints a UTF-8 string.
func SHA256HexString(s string) string {
	return SHA256Hex([]byte(s))
}

// Product-class and disclosure-framework signals for axis derivation. These
// are the minimal keyword sets; a controlled-vocabulary table can replace them
// without changing DerivePrimaryAxis's signature.
var (
	productKeywords = []string{
		"battery", "batteries", "aluminium", "cement clinker",
		"steel", "fertilizer", "hydrogen",
	}
	themeKeywords = []string{
		"disclosure", "reporting", "framework", "standard",
		"taxonomy", "csrd", "esrs",
	}
)

// DerivePrimaryAxis derives the default primary_axis when the operator does
// not provide one. Pure and deterministic; never consults an LLM.
//
// Rules, in order: a non-blank jurisdiction wins; otherwise product-class
// keywords in (title, family, instrument) select product_scope; otherwise
// disclosure-framework keywords select theme; theme is the fallback.
func DerivePrimaryAxis(jurisdiction, title, regulationFamily, instrumentType string) (value, source string) {
	if strings.TrimSpace(jurisdiction) != "" {
		return AxisJurisdiction, SourceDeterministicRule
	}

	hay := strings.ToLower(title + " " + regulationFamily + " " + instrumentType)

	for _, k := range productKeywords {
		if strings.Contains(hay, k) {
			return AxisProductScope, SourceDeterministicRule
		}
	}
	for _, k := range themeKeywords {
		if strings.Contains(hay, k) {
			return AxisTheme, SourceDeterministicRule
		}
	}
	return AxisTheme, SourceDeterministicRule
}
