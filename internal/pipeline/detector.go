package pipeline

import (
	"bytes"
	"image"
	"sort"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pagemill/pagemill/internal/procerrors"
)

// BlockDetector locates regions of interest on a page image and classifies
// each as text, table or figure. Returned block shells carry bounding box
// and type only, ordered by natural reading order (top-to-bottom,
// left-to-right within a horizontal band). Zero blocks for a readable page
// is not an error. An unreadable image yields a DetectionError.
type BlockDetector interface {
	Detect(pageImage []byte) (image.Image, []Block, error)
}

// ProjectionDetector segments a page by ink projection profiles: horizontal
// bands split at blank-row gaps, then segments within each band split at
// blank-column gaps. Classification is heuristic: ruling-line structure
// marks a table, dense ink without line structure marks a figure.
type ProjectionDetector struct {
	// InkThreshold is the grayscale value below which a pixel counts as ink.
	InkThreshold uint8
	// MinRowGap / MinColGap are the blank runs (px) that separate regions.
	MinRowGap int
	MinColGap int
	// MinRegionSize discards specks smaller than this in either dimension.
	MinRegionSize int
	// LineFillRatio is the ink fraction above which a row/column within a
	// region is treated as a ruling line.
	LineFillRatio float64
	// FigureDensity is the region ink density above which a non-lined
	// region is classified as a figure.
	FigureDensity float64
}

// NewProjectionDetector returns a detector tuned for 150-300 DPI scans.
func NewProjectionDetector() *ProjectionDetector {
	return &ProjectionDetector{
		InkThreshold:  160,
		MinRowGap:     12,
		MinColGap:     24,
		MinRegionSize: 6,
		LineFillRatio: 0.85,
		FigureDensity: 0.35,
	}
}

// Detect implements BlockDetector.
func (d *ProjectionDetector) Detect(pageImage []byte) (image.Image, []Block, error) {
	img, _, err := image.Decode(bytes.NewReader(pageImage))
	if err != nil {
		return nil, nil, &procerrors.DetectionError{Cause: err}
	}

	ink := newInkMap(img, d.InkThreshold)
	b := ink.bounds()

	bands := contentRuns(b.Min.Y, b.Max.Y, d.MinRowGap, func(y int) int {
		return ink.rowInk(y, b.Min.X, b.Max.X)
	})

	var blocks []Block
	for _, band := range bands {
		segments := contentRuns(b.Min.X, b.Max.X, d.MinColGap, func(x int) int {
			return ink.colInk(x, band.start, band.end)
		})
		for _, seg := range segments {
			region := d.tighten(ink, image.Rect(seg.start, band.start, seg.end, band.end))
			if region.Dx() < d.MinRegionSize || region.Dy() < d.MinRegionSize {
				continue
			}
			blocks = append(blocks, Block{
				BBox: boxOf(region),
				Type: d.classify(ink, region),
			})
		}
	}

	// Construction already yields reading order; the sort pins it down for
	// regions whose bands share a boundary row.
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].BBox.Y != blocks[j].BBox.Y {
			return blocks[i].BBox.Y < blocks[j].BBox.Y
		}
		return blocks[i].BBox.X < blocks[j].BBox.X
	})

	return img, blocks, nil
}

// tighten shrinks a region to the tight bounding box of its ink.
func (d *ProjectionDetector) tighten(ink *inkMap, r image.Rectangle) image.Rectangle {
	top, bottom := r.Min.Y, r.Max.Y
	for top < bottom && ink.rowInk(top, r.Min.X, r.Max.X) == 0 {
		top++
	}
	for bottom > top && ink.rowInk(bottom-1, r.Min.X, r.Max.X) == 0 {
		bottom--
	}
	left, right := r.Min.X, r.Max.X
	for left < right && ink.colInk(left, top, bottom) == 0 {
		left++
	}
	for right > left && ink.colInk(right-1, top, bottom) == 0 {
		right--
	}
	return image.Rect(left, top, right, bottom)
}

// classify types a region: two or more ruling lines on both axes make a
// table; dense ink without that structure makes a figure; the rest is text.
func (d *ProjectionDetector) classify(ink *inkMap, r image.Rectangle) BlockType {
	hLines := countRulingLines(r.Min.Y, r.Max.Y, func(y int) float64 {
		if r.Dx() == 0 {
			return 0
		}
		return float64(ink.rowInk(y, r.Min.X, r.Max.X)) / float64(r.Dx())
	}, d.LineFillRatio)

	vLines := countRulingLines(r.Min.X, r.Max.X, func(x int) float64 {
		if r.Dy() == 0 {
			return 0
		}
		return float64(ink.colInk(x, r.Min.Y, r.Max.Y)) / float64(r.Dy())
	}, d.LineFillRatio)

	if hLines >= 2 && vLines >= 2 {
		return BlockTable
	}
	if ink.inkDensity(r) >= d.FigureDensity {
		return BlockFigure
	}
	return BlockText
}

// countRulingLines counts contiguous runs of positions whose fill ratio
// reaches the threshold; each run is one ruling line.
func countRulingLines(lo, hi int, fill func(int) float64, threshold float64) int {
	lines := 0
	inLine := false
	for pos := lo; pos < hi; pos++ {
		if fill(pos) >= threshold {
			if !inLine {
				lines++
				inLine = true
			}
		} else {
			inLine = false
		}
	}
	return lines
}
