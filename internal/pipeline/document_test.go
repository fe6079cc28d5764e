package pipeline

import (
	"testing"
)

func TestAggregateStatus(t *testing.T) {
	testCases := []struct {
		name   string
		pages  []Status
		want   Status
	}{
		{"no pages", nil, StatusComplete},
		{"all complete", []Status{StatusComplete, StatusComplete}, StatusComplete},
		{"all failed", []Status{StatusFailed, StatusFailed}, StatusFailed},
		{"mixed", []Status{StatusComplete, StatusFailed}, StatusPartial},
		{"single failure among many", []Status{StatusComplete, StatusComplete, StatusFailed}, StatusPartial},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc := &Document{ID: "d"}
			for i, s := range tc.pages {
				doc.Pages = append(doc.Pages, Page{Index: i, Status: s})
			}
			if got := doc.AggregateStatus(); got != tc.want {
				t.Errorf("AggregateStatus() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDocumentRecordRoundTrip(t *testing.T) {
	fused := "Invoice No. 1023"
	doc := &Document{
		ID:        "doc-1",
		SourceRef: "scan.tiff",
		Status:    StatusComplete,
		Pages: []Page{
			{
				ID:     "p1",
				Index:  0,
				Status: StatusComplete,
				Blocks: []Block{
					{
						ID:               "b1",
						Type:             BlockText,
						BBox:             BoundingBox{X: 10, Y: 20, Width: 100, Height: 30},
						FusedText:        &fused,
						FusionMethod:     MethodConfidence,
						FusionConfidence: 0.91,
						Candidates: []Candidate{
							{Engine: "tesseract", Text: "Invoice No. 1O23", Confidence: 0.74},
							{Engine: "remote-vision", Text: "Invoice No. 1023", Confidence: 0.91},
						},
					},
				},
			},
		},
	}

	data, err := doc.MarshalRecord()
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}

	got, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}

	if got.ID != doc.ID || got.Status != doc.Status {
		t.Errorf("identity = %q/%q, want %q/%q", got.ID, got.Status, doc.ID, doc.Status)
	}
	b := got.Pages[0].Blocks[0]
	if b.FusedText == nil || *b.FusedText != fused {
		t.Errorf("fused text did not survive the round trip: %v", b.FusedText)
	}
	if len(b.Candidates) != 2 {
		t.Errorf("candidates = %d, want 2", len(b.Candidates))
	}
	if b.BBox != doc.Pages[0].Blocks[0].BBox {
		t.Errorf("bbox = %+v, want %+v", b.BBox, doc.Pages[0].Blocks[0].BBox)
	}
}

func TestDocumentRecordDistinguishesNilFromEmpty(t *testing.T) {
	empty := ""
	doc := &Document{
		ID:     "doc-2",
		Status: StatusPartial,
		Pages: []Page{
			{ID: "p1", Status: StatusComplete, Blocks: []Block{
				{ID: "fused-empty", FusedText: &empty, FusionMethod: MethodFigure},
				{ID: "never-fused"},
			}},
		},
	}

	data, err := doc.MarshalRecord()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatal(err)
	}

	blocks := got.Pages[0].Blocks
	if blocks[0].FusedText == nil || *blocks[0].FusedText != "" {
		t.Error("empty fused text should survive as empty, not nil")
	}
	if blocks[1].FusedText != nil {
		t.Error("unfused block should stay nil")
	}
}
