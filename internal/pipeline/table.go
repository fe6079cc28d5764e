package pipeline

import (
	"context"
	"image"
	"strings"

	"github.com/pagemill/pagemill/internal/logging"
)

// SeparatorStrategy finds horizontal and vertical grid separators inside a
// table-classified region. The exact heuristic (ruling lines, whitespace
// gaps, or a hybrid) is pluggable; positions are relative to the region
// image. ok is false when the strategy found no usable separators on one of
// the axes.
type SeparatorStrategy interface {
	Name() string
	FindSeparators(region image.Image, inkThreshold uint8) (rowSeps, colSeps []int, ok bool)
}

// RulingLineStrategy detects separators as near-continuous dark lines.
type RulingLineStrategy struct {
	// FillRatio is the ink fraction a row/column needs to count as a line.
	FillRatio float64
}

// Name implements SeparatorStrategy.
func (s *RulingLineStrategy) Name() string { return "ruling-lines" }

// FindSeparators implements SeparatorStrategy.
func (s *RulingLineStrategy) FindSeparators(region image.Image, inkThreshold uint8) ([]int, []int, bool) {
	ink := newInkMap(region, inkThreshold)
	b := ink.bounds()

	rowSeps := lineCenters(b.Min.Y, b.Max.Y, func(y int) bool {
		return b.Dx() > 0 && float64(ink.rowInk(y, b.Min.X, b.Max.X))/float64(b.Dx()) >= s.FillRatio
	})
	colSeps := lineCenters(b.Min.X, b.Max.X, func(x int) bool {
		return b.Dy() > 0 && float64(ink.colInk(x, b.Min.Y, b.Max.Y))/float64(b.Dy()) >= s.FillRatio
	})

	return rowSeps, colSeps, len(rowSeps) > 0 && len(colSeps) > 0
}

// WhitespaceGapStrategy detects separators as blank gutters between content.
type WhitespaceGapStrategy struct {
	// MinGap is the minimum blank run (px) treated as a separator.
	MinGap int
}

// Name implements SeparatorStrategy.
func (s *WhitespaceGapStrategy) Name() string { return "whitespace-gaps" }

// FindSeparators implements SeparatorStrategy.
func (s *WhitespaceGapStrategy) FindSeparators(region image.Image, inkThreshold uint8) ([]int, []int, bool) {
	ink := newInkMap(region, inkThreshold)
	b := ink.bounds()

	rowSeps := gapCenters(b.Min.Y, b.Max.Y, s.MinGap, func(y int) bool {
		return ink.rowInk(y, b.Min.X, b.Max.X) == 0
	})
	colSeps := gapCenters(b.Min.X, b.Max.X, s.MinGap, func(x int) bool {
		return ink.colInk(x, b.Min.Y, b.Max.Y) == 0
	})

	return rowSeps, colSeps, len(rowSeps) > 0 && len(colSeps) > 0
}

// HybridStrategy prefers ruling lines and falls back to whitespace gaps.
type HybridStrategy struct {
	Lines *RulingLineStrategy
	Gaps  *WhitespaceGapStrategy
}

// NewHybridStrategy returns the default separator strategy.
func NewHybridStrategy() *HybridStrategy {
	return &HybridStrategy{
		Lines: &RulingLineStrategy{FillRatio: 0.80},
		Gaps:  &WhitespaceGapStrategy{MinGap: 8},
	}
}

// Name implements SeparatorStrategy.
func (s *HybridStrategy) Name() string { return "hybrid" }

// FindSeparators implements SeparatorStrategy.
func (s *HybridStrategy) FindSeparators(region image.Image, inkThreshold uint8) ([]int, []int, bool) {
	if rows, cols, ok := s.Lines.FindSeparators(region, inkThreshold); ok {
		return rows, cols, true
	}
	return s.Gaps.FindSeparators(region, inkThreshold)
}

// lineCenters returns the center of each contiguous run of line positions.
func lineCenters(lo, hi int, isLine func(int) bool) []int {
	var centers []int
	start := -1
	for pos := lo; pos <= hi; pos++ {
		line := pos < hi && isLine(pos)
		if line && start < 0 {
			start = pos
		} else if !line && start >= 0 {
			centers = append(centers, (start+pos)/2)
			start = -1
		}
	}
	return centers
}

// gapCenters returns the center of each blank run of at least minGap, edge
// runs excluded since they border content rather than separate it.
func gapCenters(lo, hi, minGap int, isBlank func(int) bool) []int {
	var centers []int
	start := -1
	for pos := lo; pos <= hi; pos++ {
		blank := pos < hi && isBlank(pos)
		if blank && start < 0 {
			start = pos
		} else if !blank && start >= 0 {
			if pos-start >= minGap && start > lo && pos < hi {
				centers = append(centers, (start+pos)/2)
			}
			start = -1
		}
	}
	return centers
}

// TableReconstructor infers a row/column grid for a table block and routes
// every cell through the same recognition and fusion path as plain text
// blocks, sharing the engine pools.
type TableReconstructor struct {
	strategy     SeparatorStrategy
	coordinator  *Coordinator
	log          *logging.Logger
	inkThreshold uint8
	minCellSize  int
}

// NewTableReconstructor wires a reconstructor to the shared coordinator.
func NewTableReconstructor(strategy SeparatorStrategy, coordinator *Coordinator, log *logging.Logger) *TableReconstructor {
	return &TableReconstructor{
		strategy:     strategy,
		coordinator:  coordinator,
		log:          log,
		inkThreshold: 160,
		minCellSize:  4,
	}
}

// Reconstruct fills the block's grid and fused fields. When no reliable
// grid can be inferred the whole block is recognized as one unstructured
// text region and the degradation is recorded, never failing the page.
func (t *TableReconstructor) Reconstruct(ctx context.Context, pageImg image.Image, block *Block) error {
	crop := cropImage(pageImg, rectOf(block.BBox))

	rowSeps, colSeps, ok := t.strategy.FindSeparators(crop, t.inkThreshold)

	var rowSpans, colSpans []run
	if ok {
		b := crop.Bounds()
		rowSpans = cellSpans(b.Min.Y, b.Max.Y, rowSeps, t.minCellSize)
		colSpans = cellSpans(b.Min.X, b.Max.X, colSeps, t.minCellSize)
		ok = len(rowSpans) >= 2 && len(colSpans) >= 2
	}

	if !ok {
		t.log.Warn("no reliable table grid inferred, degrading to unstructured text",
			"strategy", t.strategy.Name(), "bbox", block.BBox)
		res, cands, err := t.coordinator.Resolve(ctx, crop)
		if err != nil {
			return err
		}
		block.Candidates = append(block.Candidates, cands...)
		block.setFused(res)
		block.Table = &TableGrid{Degraded: true}
		return nil
	}

	cells := make([][]TableCell, len(rowSpans))
	confSum := 0.0
	var lines []string
	for ri, rs := range rowSpans {
		cells[ri] = make([]TableCell, len(colSpans))
		var fields []string
		for ci, cs := range colSpans {
			cellRect := image.Rect(cs.start, rs.start, cs.end, rs.end)
			res, _, err := t.coordinator.Resolve(ctx, cropImage(crop, cellRect))
			if err != nil {
				return err
			}
			cells[ri][ci] = TableCell{
				Text:       res.Text,
				Confidence: res.Confidence,
				Method:     res.Method,
				Region: BoundingBox{
					X:      block.BBox.X + cs.start - crop.Bounds().Min.X,
					Y:      block.BBox.Y + rs.start - crop.Bounds().Min.Y,
					Width:  cs.end - cs.start,
					Height: rs.end - rs.start,
				},
			}
			confSum += res.Confidence
			fields = append(fields, res.Text)
		}
		lines = append(lines, strings.Join(fields, "\t"))
	}

	block.Table = &TableGrid{
		Rows:  len(rowSpans),
		Cols:  len(colSpans),
		Cells: cells,
	}
	block.setFused(FusedResult{
		Text:       strings.Join(lines, "\n"),
		Confidence: confSum / float64(len(rowSpans)*len(colSpans)),
		Method:     MethodGrid,
	})
	return nil
}

// cellSpans partitions [lo, hi) at the separator positions, dropping slivers
// thinner than minCell (typically the outer border margins).
func cellSpans(lo, hi int, seps []int, minCell int) []run {
	bounds := append([]int{lo}, seps...)
	bounds = append(bounds, hi)

	var spans []run
	for i := 1; i < len(bounds); i++ {
		r := run{start: bounds[i-1], end: bounds[i]}
		if r.length() >= minCell {
			spans = append(spans, r)
		}
	}
	return spans
}
