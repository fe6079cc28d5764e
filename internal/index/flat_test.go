package index

import (
	"context"
	"errors"
	"testing"

	"github.com/pagemill/pagemill/internal/procerrors"
)

func mustInsert(t *testing.T, idx *Flat, vector []float32, ref Ref) {
	t.Helper()
	if err := idx.Insert(context.Background(), vector, ref); err != nil {
		t.Fatalf("Insert(%v): %v", ref, err)
	}
}

func TestFlatQueryEmpty(t *testing.T) {
	idx, err := NewFlat(3)
	if err != nil {
		t.Fatal(err)
	}

	matches, err := idx.Query(context.Background(), []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("querying an empty index should not fail: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches, want 0", len(matches))
	}
}

func TestFlatQueryOrdering(t *testing.T) {
	idx, err := NewFlat(2)
	if err != nil {
		t.Fatal(err)
	}

	mustInsert(t, idx, []float32{0, 1}, Ref{DocumentID: "d", PageID: "orthogonal"})
	mustInsert(t, idx, []float32{1, 0}, Ref{DocumentID: "d", PageID: "exact"})
	mustInsert(t, idx, []float32{1, 1}, Ref{DocumentID: "d", PageID: "diagonal"})

	matches, err := idx.Query(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}

	wantOrder := []string{"exact", "diagonal", "orthogonal"}
	for i, want := range wantOrder {
		if matches[i].Ref.PageID != want {
			t.Errorf("match %d = %q, want %q", i, matches[i].Ref.PageID, want)
		}
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Distance < matches[i-1].Distance {
			t.Errorf("distances not ascending: %v then %v", matches[i-1].Distance, matches[i].Distance)
		}
	}
}

func TestFlatQueryTieBreaksByInsertionOrder(t *testing.T) {
	idx, err := NewFlat(2)
	if err != nil {
		t.Fatal(err)
	}

	// Identical vectors: equal distance, insertion order decides.
	mustInsert(t, idx, []float32{1, 0}, Ref{DocumentID: "d", PageID: "first"})
	mustInsert(t, idx, []float32{1, 0}, Ref{DocumentID: "d", PageID: "second"})

	matches, err := idx.Query(context.Background(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if matches[0].Ref.PageID != "first" || matches[1].Ref.PageID != "second" {
		t.Errorf("tie order = %q, %q; want first, second", matches[0].Ref.PageID, matches[1].Ref.PageID)
	}
}

func TestFlatQueryTruncatesToK(t *testing.T) {
	idx, err := NewFlat(1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		mustInsert(t, idx, []float32{1}, Ref{DocumentID: "d", PageID: "p"})
	}

	matches, err := idx.Query(context.Background(), []float32{1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d matches, want 2", len(matches))
	}
}

func TestFlatRemoveDocument(t *testing.T) {
	idx, err := NewFlat(2)
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, idx, []float32{1, 0}, Ref{DocumentID: "keep", PageID: "k1"})
	mustInsert(t, idx, []float32{0, 1}, Ref{DocumentID: "drop", PageID: "d1"})
	mustInsert(t, idx, []float32{1, 1}, Ref{DocumentID: "drop", PageID: "d2"})

	if err := idx.RemoveDocument(context.Background(), "drop"); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1 {
		t.Fatalf("len = %d after removal, want 1", idx.Len())
	}

	matches, err := idx.Query(context.Background(), []float32{0, 1}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range matches {
		if m.Ref.DocumentID == "drop" {
			t.Errorf("removed document still matched: %+v", m)
		}
	}

	// Re-indexing after removal works as remove-then-insert.
	mustInsert(t, idx, []float32{0, 1}, Ref{DocumentID: "drop", PageID: "d1-v2"})
	if idx.Len() != 2 {
		t.Errorf("len = %d after re-insert, want 2", idx.Len())
	}
}

func TestFlatDimensionMismatch(t *testing.T) {
	idx, err := NewFlat(3)
	if err != nil {
		t.Fatal(err)
	}

	insertErr := idx.Insert(context.Background(), []float32{1, 0}, Ref{DocumentID: "d"})
	var idxErr *procerrors.IndexError
	if !errors.As(insertErr, &idxErr) {
		t.Errorf("Insert err = %T, want *procerrors.IndexError", insertErr)
	}

	_, queryErr := idx.Query(context.Background(), []float32{1}, 1)
	if !errors.As(queryErr, &idxErr) {
		t.Errorf("Query err = %T, want *procerrors.IndexError", queryErr)
	}
}

func TestFlatZeroMagnitudeVector(t *testing.T) {
	idx, err := NewFlat(2)
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, idx, []float32{0, 0}, Ref{DocumentID: "d", PageID: "zero"})
	mustInsert(t, idx, []float32{1, 0}, Ref{DocumentID: "d", PageID: "unit"})

	matches, err := idx.Query(context.Background(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if matches[0].Ref.PageID != "unit" {
		t.Errorf("zero-magnitude vector should sort last, got %q first", matches[0].Ref.PageID)
	}
	if matches[1].Distance != 1 {
		t.Errorf("zero-magnitude distance = %v, want 1", matches[1].Distance)
	}
}

func TestNewFlatRejectsBadDimension(t *testing.T) {
	if _, err := NewFlat(0); err == nil {
		t.Error("dimension 0 should be rejected")
	}
}
