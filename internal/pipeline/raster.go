package pipeline

import (
	"image"
	"image/draw"
)

// inkMap is a thresholded grayscale view of a page image used by projection
// segmentation and separator detection.
type inkMap struct {
	gray      *image.Gray
	threshold uint8
}

func newInkMap(img image.Image, threshold uint8) *inkMap {
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return &inkMap{gray: gray, threshold: threshold}
}

func (m *inkMap) bounds() image.Rectangle { return m.gray.Bounds() }

// ink reports whether the pixel is dark enough to count as content.
func (m *inkMap) ink(x, y int) bool {
	return m.gray.GrayAt(x, y).Y < m.threshold
}

// rowInk counts ink pixels in row y across [x0, x1).
func (m *inkMap) rowInk(y, x0, x1 int) int {
	count := 0
	for x := x0; x < x1; x++ {
		if m.ink(x, y) {
			count++
		}
	}
	return count
}

// colInk counts ink pixels in column x across [y0, y1).
func (m *inkMap) colInk(x, y0, y1 int) int {
	count := 0
	for y := y0; y < y1; y++ {
		if m.ink(x, y) {
			count++
		}
	}
	return count
}

// inkDensity is the ink fraction of the rectangle.
func (m *inkMap) inkDensity(r image.Rectangle) float64 {
	area := r.Dx() * r.Dy()
	if area == 0 {
		return 0
	}
	count := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		count += m.rowInk(y, r.Min.X, r.Max.X)
	}
	return float64(count) / float64(area)
}

// run is a half-open interval [start, end) along one axis.
type run struct {
	start, end int
}

func (r run) length() int { return r.end - r.start }

// contentRuns splits [lo, hi) into runs of positions where profile(pos) > 0,
// merging runs separated by fewer than minGap blank positions.
func contentRuns(lo, hi, minGap int, profile func(int) int) []run {
	var runs []run
	inRun := false
	start := 0
	for pos := lo; pos < hi; pos++ {
		filled := profile(pos) > 0
		if filled && !inRun {
			inRun = true
			start = pos
		} else if !filled && inRun {
			inRun = false
			runs = append(runs, run{start: start, end: pos})
		}
	}
	if inRun {
		runs = append(runs, run{start: start, end: hi})
	}

	if minGap <= 1 || len(runs) < 2 {
		return runs
	}
	merged := runs[:1]
	for _, r := range runs[1:] {
		last := &merged[len(merged)-1]
		if r.start-last.end < minGap {
			last.end = r.end
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

// cropImage extracts the rectangle as a standalone image.
func cropImage(img image.Image, r image.Rectangle) image.Image {
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// rectOf converts a BoundingBox to an image.Rectangle.
func rectOf(b BoundingBox) image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// boxOf converts an image.Rectangle to a BoundingBox.
func boxOf(r image.Rectangle) BoundingBox {
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}
