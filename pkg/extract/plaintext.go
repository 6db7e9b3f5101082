package extract

import (
	"context"
	"strings"
)

// Letter-size page box; plain text carries no real geometry.
var plainPageBox = PageBox{Width: 612, Height: 792, Unit: "pt"}

const plainLineHeight = 12.0

// PlainTextExtractor treats the payload as UTF-8 text. Form feeds delimit
// pages; the stable text is the page texts concatenated with the form feeds
// removed, so page ranges stay contiguous. Layout lines are synthesized with
// a fixed line height.
type PlainTextExtractor struct{}

func NewPlainTextExtractor() *PlainTextExtractor {
	return &PlainTextExtractor{}
}

func (e *PlainTextExtractor) pages(raw []byte) []string {
	return strings.Split(string(raw), "\f")
}

func (e *PlainTextExtractor) Extract(ctx context.Context, raw []byte) (*Result, error) {
	res := &Result{Layout: LayoutMap{Lines: []Line{}}}
	offset := 0
	for i, text := range e.pages(raw) {
		pageNo := i + 1
		res.StableText += text
		res.PageMap = append(res.PageMap, Page{
			Page:      pageNo,
			StartChar: offset,
			EndChar:   offset + len(text),
			BBox:      plainPageBox,
		})
		y := 0.0
		for _, lineText := range strings.Split(text, "\n") {
			if strings.TrimSpace(lineText) != "" {
				box := []float64{0, y, plainPageBox.Width, y + plainLineHeight}
				res.Layout.Lines = append(res.Layout.Lines, Line{
					Page:  pageNo,
					BBox:  box,
					Spans: []Span{{Text: lineText, BBox: box}},
				})
			}
			y += plainLineHeight
		}
		offset += len(text)
	}
	return res, nil
}

func (e *PlainTextExtractor) PageCount(ctx context.Context, raw []byte) (int, error) {
	return len(e.pages(raw)), nil
}

func (e *PlainTextExtractor) PageTexts(ctx context.Context, raw []byte) ([]PageText, error) {
	var out []PageText
	for i, text := range e.pages(raw) {
		out = append(out, PageText{Page: i + 1, Text: text})
	}
	return out, nil
}

// CharBoxes lays characters out on the synthetic grid, one cell per byte
// column. Good enough for traceability over plain text.
func (e *PlainTextExtractor) CharBoxes(ctx context.Context, raw []byte) ([]CharPage, error) {
	const cellWidth = 6.0
	var out []CharPage
	for i, text := range e.pages(raw) {
		page := CharPage{Page: i + 1, Chars: []CharBox{}}
		y := 0.0
		x := 0.0
		for _, r := range text {
			if r == '\n' {
				y += plainLineHeight
				x = 0
				continue
			}
			page.Chars = append(page.Chars, CharBox{
				C:    string(r),
				BBox: []float64{x, y, x + cellWidth, y + plainLineHeight},
			})
			x += cellWidth
		}
		out = append(out, page)
	}
	return out, nil
}

var (
	_ Extractor     = (*PlainTextExtractor)(nil)
	_ CharExtractor = (*PlainTextExtractor)(nil)
)
