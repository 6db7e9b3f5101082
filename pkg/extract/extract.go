// Package extract defines the pluggable text/layout extractor contract. The
// canonicalize worker consumes it; the default implementation here handles
// plain-text payloads and is what tests and local development run against. A
// real PDF engine plugs in behind the same interface.
package extract

import "context"

// PageBox is the page media box in points.
type PageBox struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   string  `json:"unit"`
}

// Page maps one page onto its character range in the stable text. Ranges are
// contiguous: page N+1 starts where page N ends.
type Page struct {
	Page      int     `json:"page"`
	StartChar int     `json:"start_char"`
	EndChar   int     `json:"end_char"`
	BBox      PageBox `json:"bbox"`
}

// Span is a run of text with its bounding box [x0,y0,x1,y1].
type Span struct {
	Text string    `json:"text"`
	BBox []float64 `json:"bbox"`
}

// Line is one layout line.
type Line struct {
	Page  int       `json:"page"`
	BBox  []float64 `json:"bbox"`
	Spans []Span    `json:"spans"`
}

// LayoutMap is the reading-order layout artifact.
type LayoutMap struct {
	Lines []Line `json:"lines"`
}

// Result is a full extraction: deterministic stable text plus the page and
// layout maps derived from the same pass.
type Result struct {
	StableText string
	PageMap    []Page
	Layout     LayoutMap
}

// Extractor turns raw evidence bytes into canonical text and maps. Extraction
// of the same bytes must yield byte-identical results.
type Extractor interface {
	Extract(ctx context.Context, raw []byte) (*Result, error)
}

// PageText is one page's text in reading order, for the char_map artifact.
type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// CharBox is one character with its bounding box.
type CharBox struct {
	C    string    `json:"c"`
	BBox []float64 `json:"bbox"`
}

// CharPage is one page's character boxes.
type CharPage struct {
	Page  int       `json:"page"`
	Chars []CharBox `json:"chars"`
}

// CharExtractor is the optional capability behind the lazy per-character
// artifacts. Implementations that cannot produce it simply do not implement
// this interface.
type CharExtractor interface {
	PageCount(ctx context.Context, raw []byte) (int, error)
	PageTexts(ctx context.Context, raw []byte) ([]PageText, error)
	CharBoxes(ctx context.Context, raw []byte) ([]CharPage, error)
}
