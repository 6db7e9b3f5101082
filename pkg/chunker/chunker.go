// Package chunker splits stable text into retrieval chunks. The split is a
// pure function of (text, page map, policy): paragraphs first, then hard
// splits at the size ceiling, with an optional overlap. Chunks carry offsets
// and a text sha, never the text itself.
package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/doctruth/regcore/pkg/extract"
	"github.com/doctruth/regcore/pkg/fingerprint"
)

const DefaultMaxChars = 1500

// Policy controls chunk sizing. Zero values fall back to defaults; overlap is
// clamped below max so every step advances.
type Policy struct {
	MaxChars     int `json:"max_chars"`
	OverlapChars int `json:"overlap_chars"`
}

// Chunk references a half-open range [StartChar, EndChar) of the stable text.
type Chunk struct {
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	TextSHA256 string `json:"text_sha256"`
}

// Manifest records the effective policy a chunk set was produced under.
type Manifest struct {
	Policy ManifestPolicy `json:"policy"`
	Count  int            `json:"count"`
}

type ManifestPolicy struct {
	MaxChars     int    `json:"max_chars"`
	OverlapChars int    `json:"overlap_chars"`
	Split        string `json:"split"`
}

// runeBoundaryBefore backs pos off to the nearest rune start at or before it,
// stopping at floor.
func runeBoundaryBefore(s string, floor, pos int) int {
	for pos > floor && !utf8.RuneStart(s[pos]) {
		pos--
	}
	return pos
}

func pageForOffset(pageMap []extract.Page, pos int) int {
	for _, p := range pageMap {
		if p.StartChar <= pos && pos <= p.EndChar {
			return p.Page
		}
	}
	if len(pageMap) > 0 {
		return pageMap[len(pageMap)-1].Page
	}
	return 1
}

// Split chunks the stable text. Whitespace-only ranges are dropped.
func Split(stableText string, pageMap []extract.Page, p Policy) ([]Chunk, Manifest) {
	maxLen := p.MaxChars
	if maxLen <= 0 {
		maxLen = DefaultMaxChars
	}
	overlap := p.OverlapChars
	if overlap < 0 {
		overlap = 0
	}
	if maxLen > 1 {
		if overlap > maxLen-1 {
			overlap = maxLen - 1
		}
	} else {
		overlap = 0
	}

	chunks := []Chunk{}
	emit := func(start, end int) {
		text := stableText[start:end]
		if strings.TrimSpace(text) == "" {
			return
		}
		last := end - 1
		if last < start {
			last = start
		}
		chunks = append(chunks, Chunk{
			StartChar:  start,
			EndChar:    end,
			PageStart:  pageForOffset(pageMap, start),
			PageEnd:    pageForOffset(pageMap, last),
			TextSHA256: fingerprint.SHA256HexString(text),
		})
	}

	n := len(stableText)
	i := 0
	for i < n {
		paraEnd := n
		if j := strings.Index(stableText[i:], "\n\n"); j >= 0 {
			paraEnd = i + j
		}
		start := i
		for start < paraEnd {
			end := start + maxLen
			if end >= paraEnd {
				end = paraEnd
			} else if e := runeBoundaryBefore(stableText, start, end); e > start {
				// Hard splits land on rune boundaries so chunk shas never
				// cover partial UTF-8 sequences.
				end = e
			} else {
				// A single rune wider than the cap is emitted whole.
				_, w := utf8.DecodeRuneInString(stableText[start:])
				if end = start + w; end > paraEnd {
					end = paraEnd
				}
			}
			emit(start, end)
			if overlap == 0 {
				start = end
			} else if next := end - overlap; next > start+1 {
				start = next
			} else {
				start = start + 1
			}
			for start < n && !utf8.RuneStart(stableText[start]) {
				start++
			}
		}
		i = paraEnd + 2
	}

	return chunks, Manifest{
		Policy: ManifestPolicy{
			MaxChars:     maxLen,
			OverlapChars: overlap,
			Split:        "paragraph_then_hard",
		},
		Count: len(chunks),
	}
}
