// Package index provides nearest-neighbor indexing of fixed-length page
// descriptors for similarity search.
package index

import "context"

// Ref identifies the page a vector was computed from. It is a back-reference
// only; the index never owns document data.
type Ref struct {
	DocumentID string `json:"documentId"`
	PageID     string `json:"pageId"`
}

// Match is one similarity query result.
type Match struct {
	Ref      Ref     `json:"ref"`
	Distance float64 `json:"distance"`
}

// Index is an append-only nearest-neighbor index. There is no
// update-in-place: re-indexing a document means RemoveDocument followed by
// fresh Inserts. Query returns matches ordered ascending by distance,
// nearest first, ties broken by insertion order; querying an empty index
// returns an empty list, not an error.
type Index interface {
	Insert(ctx context.Context, vector []float32, ref Ref) error
	RemoveDocument(ctx context.Context, documentID string) error
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)
	Close() error
}
