// Package pipeline implements the document understanding core: block
// detection, multi-engine recognition with confidence-driven fusion, table
// structure reconstruction and embedding indexing.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// BlockType classifies a detected page region.
type BlockType string

const (
	BlockText   BlockType = "text"
	BlockTable  BlockType = "table"
	BlockFigure BlockType = "figure"
)

// Status is the lifecycle state of a page or document.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDetecting   Status = "detecting"
	StatusExtracting  Status = "extracting_blocks"
	StatusAggregating Status = "aggregating"
	StatusComplete    Status = "complete"
	StatusPartial     Status = "partial"
	StatusFailed      Status = "failed"
)

// BoundingBox is a pixel-space rectangle with origin at the page's top-left.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Candidate is one engine's transcription of a block.
type Candidate struct {
	Engine     string  `json:"engine"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // in [0,1]
}

// Block is a classified region of a page. Candidates are append-only during
// processing; fused fields are set exactly once by the fusion coordinator.
type Block struct {
	ID         string      `json:"id"`
	BBox       BoundingBox `json:"bbox"`
	Type       BlockType   `json:"type"`
	Candidates []Candidate `json:"candidates,omitempty"`

	// FusedText is nil until fusion runs. An empty string is a valid fused
	// result; nil is not.
	FusedText        *string `json:"fusedText"`
	FusionMethod     string  `json:"fusionMethod,omitempty"`
	FusionConfidence float64 `json:"fusionConfidence"`
	LowConfidence    bool    `json:"lowConfidence,omitempty"`
	Failed           bool    `json:"failed,omitempty"` // every engine errored

	// Table holds the reconstructed grid for table blocks.
	Table *TableGrid `json:"table,omitempty"`
}

// Resolved reports whether the block has a fused result.
func (b *Block) Resolved() bool { return b.FusedText != nil }

// setFused records the fusion outcome. It is write-once: a second call is a
// programming error and panics to surface it in tests.
func (b *Block) setFused(res FusedResult) {
	if b.FusedText != nil {
		panic(fmt.Sprintf("block %s fused twice", b.ID))
	}
	text := res.Text
	b.FusedText = &text
	b.FusionMethod = res.Method
	b.FusionConfidence = res.Confidence
	b.LowConfidence = res.LowConfidence
	b.Failed = res.Method == MethodNone
}

// TableGrid is the structured content of a table block. Row and column
// counts are inferred from detected separators, never configured.
type TableGrid struct {
	Rows     int           `json:"rows"`
	Cols     int           `json:"cols"`
	Cells    [][]TableCell `json:"cells,omitempty"`
	Degraded bool          `json:"degraded"` // structure was not recovered
}

// TableCell holds the fused text of one grid cell and the page sub-region
// it was recognized from.
type TableCell struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Method     string      `json:"method"`
	Region     BoundingBox `json:"region"`
}

// Page owns an ordered list of blocks. The image reference is immutable once
// the page is created.
type Page struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	ImageRef  string    `json:"imageRef,omitempty"`
	Blocks    []Block   `json:"blocks"`
	Embedding []float32 `json:"-"` // indexed separately, not part of the output record
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Document owns an ordered list of pages.
type Document struct {
	ID        string `json:"id"`
	SourceRef string `json:"sourceRef,omitempty"`
	Pages     []Page `json:"pages"`
	Status    Status `json:"status"`
}

// AggregateStatus derives the document status from its pages: complete when
// every page completed, failed when every page failed, partial otherwise.
// A page is complete only if every block has a non-nil fused text.
func (d *Document) AggregateStatus() Status {
	if len(d.Pages) == 0 {
		return StatusComplete
	}
	completed, failed := 0, 0
	for i := range d.Pages {
		switch d.Pages[i].Status {
		case StatusComplete:
			completed++
		case StatusFailed:
			failed++
		}
	}
	switch {
	case completed == len(d.Pages):
		return StatusComplete
	case failed == len(d.Pages):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// MarshalRecord renders the stable per-document output contract consumed by
// downstream exporters.
func (d *Document) MarshalRecord() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord parses a stored document record.
func UnmarshalRecord(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document record: %w", err)
	}
	return &doc, nil
}
