package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pagemill/pagemill/internal/procerrors"
)

// Flat is an in-process exhaustive-scan index using cosine distance.
// Inserts follow single-writer discipline behind the write lock; queries
// proceed concurrently with each other under the read lock.
type Flat struct {
	mu        sync.RWMutex
	dimension int
	entries   []flatEntry
	seq       uint64
}

type flatEntry struct {
	vector     []float32
	ref        Ref
	seq        uint64 // insertion order, used as the distance tie-break
	insertedAt time.Time
}

// NewFlat creates an empty index for vectors of the given dimensionality.
func NewFlat(dimension int) (*Flat, error) {
	if dimension < 1 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}
	return &Flat{dimension: dimension}, nil
}

// Insert implements Index. Vectors are copied; callers may reuse the slice.
func (f *Flat) Insert(ctx context.Context, vector []float32, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) != f.dimension {
		return &procerrors.IndexError{
			Op:    "insert",
			Cause: fmt.Errorf("invalid vector dimensions: expected %d, got %d", f.dimension, len(vector)),
		}
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.entries = append(f.entries, flatEntry{
		vector:     stored,
		ref:        ref,
		seq:        f.seq,
		insertedAt: time.Now(),
	})
	return nil
}

// RemoveDocument implements Index, dropping every vector of the document.
func (f *Flat) RemoveDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.ref.DocumentID != documentID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

// Query implements Index.
func (f *Flat) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != f.dimension {
		return nil, &procerrors.IndexError{
			Op:    "query",
			Cause: fmt.Errorf("invalid query vector dimensions: expected %d, got %d", f.dimension, len(vector)),
		}
	}
	if k <= 0 {
		k = 10
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	type scored struct {
		match Match
		seq   uint64
	}
	results := make([]scored, 0, len(f.entries))
	for _, e := range f.entries {
		results = append(results, scored{
			match: Match{Ref: e.ref, Distance: cosineDistance(vector, e.vector)},
			seq:   e.seq,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].match.Distance != results[j].match.Distance {
			return results[i].match.Distance < results[j].match.Distance
		}
		return results[i].seq < results[j].seq
	})

	if k > len(results) {
		k = len(results)
	}
	matches := make([]Match, 0, k)
	for _, r := range results[:k] {
		matches = append(matches, r.match)
	}
	return matches, nil
}

// Len reports the number of indexed vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Close implements Index.
func (f *Flat) Close() error { return nil }

// cosineDistance is 1 - cosine similarity; zero-magnitude vectors are
// maximally distant from everything.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
