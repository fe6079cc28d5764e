package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pagemill/pagemill/internal/procerrors"
)

// Qdrant is an Index backed by a Qdrant collection over gRPC. Qdrant applies
// its own write discipline internally, so inserts from multiple workers are
// safe; insertion-order tie-breaking is approximated with an inserted_at
// payload and is not guaranteed by the server.
type Qdrant struct {
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	conn        *grpc.ClientConn
	collection  string
	dimension   int
}

// NewQdrant connects to Qdrant and ensures the collection exists with the
// given dimensionality and cosine distance.
func NewQdrant(address, collection string, dimension int) (*Qdrant, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension < 1 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	q := &Qdrant{
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		conn:        conn,
		collection:  collection,
		dimension:   dimension,
	}

	if err := q.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return q, nil
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	listResp, err := q.collections.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range listResp.Collections {
		if col.Name == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(q.dimension),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Insert implements Index.
func (q *Qdrant) Insert(ctx context.Context, vector []float32, ref Ref) error {
	if len(vector) != q.dimension {
		return &procerrors.IndexError{
			Op:    "insert",
			Cause: fmt.Errorf("invalid vector dimensions: expected %d, got %d", q.dimension, len(vector)),
		}
	}

	point := &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: uuid.New().String()},
		},
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: vector},
			},
		},
		Payload: map[string]*qdrant.Value{
			"document_id": {Kind: &qdrant.Value_StringValue{StringValue: ref.DocumentID}},
			"page_id":     {Kind: &qdrant.Value_StringValue{StringValue: ref.PageID}},
			"inserted_at": {Kind: &qdrant.Value_IntegerValue{IntegerValue: time.Now().UnixNano()}},
		},
	}

	_, err := q.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return &procerrors.IndexError{Op: "insert", Cause: err}
	}
	return nil
}

// RemoveDocument implements Index, deleting every point whose payload
// references the document.
func (q *Qdrant) RemoveDocument(ctx context.Context, documentID string) error {
	_, err := q.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: "document_id",
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
									},
								},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return &procerrors.IndexError{Op: "remove", Cause: err}
	}
	return nil
}

// Query implements Index. Qdrant reports cosine similarity as the score;
// distance is 1 - score so that nearest sorts first.
func (q *Qdrant) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if len(vector) != q.dimension {
		return nil, &procerrors.IndexError{
			Op:    "query",
			Cause: fmt.Errorf("invalid query vector dimensions: expected %d, got %d", q.dimension, len(vector)),
		}
	}
	if k <= 0 {
		k = 10
	}

	results, err := q.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, &procerrors.IndexError{Op: "query", Cause: err}
	}

	matches := make([]Match, 0, len(results.Result))
	for _, r := range results.Result {
		var ref Ref
		if r.Payload != nil {
			if v, ok := r.Payload["document_id"]; ok {
				ref.DocumentID = v.GetStringValue()
			}
			if v, ok := r.Payload["page_id"]; ok {
				ref.PageID = v.GetStringValue()
			}
		}
		matches = append(matches, Match{
			Ref:      ref,
			Distance: 1 - float64(r.Score),
		})
	}
	return matches, nil
}

// Close shuts the gRPC connection.
func (q *Qdrant) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
