package search

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/ryrobes/larsql-sub001/internal/cerrs"
)

// Qdrant adapts a Qdrant cluster to the Backend and Indexer interfaces.
// Vector and hybrid queries use the points Query API; keyword queries use
// a full-text match filter. Elastic-kind queries are not served by this
// adapter.
type Qdrant struct {
	client *qdrant.Client
	// TextField is the payload field keyword queries match against.
	TextField string
}

// NewQdrant connects to a Qdrant instance.
func NewQdrant(host string, port int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant connect: %w", err)
	}
	return &Qdrant{client: client, TextField: "text"}, nil
}

// Search implements Backend.
func (q *Qdrant) Search(ctx context.Context, query Query) ([]Hit, error) {
	switch query.Kind {
	case KindVector:
		return q.vectorSearch(ctx, query)
	case KindHybrid:
		return q.hybridSearch(ctx, query)
	case KindKeyword:
		return q.keywordSearch(ctx, query)
	default:
		return nil, fmt.Errorf("search: qdrant does not serve %q queries", query.Kind)
	}
}

func (q *Qdrant) vectorSearch(ctx context.Context, query Query) ([]Hit, error) {
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: query.Collection,
		Query:          qdrant.NewQueryDense(query.Vector),
		Limit:          qdrant.PtrOf(uint64(query.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}
	return scoredHits(points), nil
}

// hybridSearch fuses a dense-vector prefetch with a full-text prefetch via
// reciprocal rank fusion. Qdrant applies the fusion server-side. Both
// prefetches use a limit of twice TopK; Query carries no semantic/keyword
// weights, so no weighting is applied to the fused ranking.
func (q *Qdrant) hybridSearch(ctx context.Context, query Query) ([]Hit, error) {
	limit := uint64(query.TopK)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: query.Collection,
		Prefetch: []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQueryDense(query.Vector),
				Limit: qdrant.PtrOf(limit * 2),
			},
			{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatchText(q.TextField, query.Text)},
				},
				Limit: qdrant.PtrOf(limit * 2),
			},
		},
		Query:       qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:       qdrant.PtrOf(limit),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant hybrid query: %w", err)
	}
	return scoredHits(points), nil
}

func (q *Qdrant) keywordSearch(ctx context.Context, query Query) ([]Hit, error) {
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: query.Collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchText(q.TextField, query.Text)},
		},
		Limit:       qdrant.PtrOf(uint32(query.TopK)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant scroll: %w", err)
	}
	hits := make([]Hit, 0, len(points))
	for rank, p := range points {
		hits = append(hits, Hit{
			ID:      pointIDString(p.GetId()),
			Score:   1.0 / float64(rank+1),
			Payload: payloadToMap(p.GetPayload()),
		})
	}
	return hits, nil
}

// Index implements Indexer.
func (q *Qdrant) Index(ctx context.Context, collection string, docs []Document) error {
	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(d.ID),
			Vectors: qdrant.NewVectorsDense(d.Vector),
			Payload: qdrant.NewValueMap(d.Payload),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert: %w", err)
	}
	return nil
}

func scoredHits(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{
			ID:      pointIDString(p.GetId()),
			Score:   float64(p.GetScore()),
			Payload: payloadToMap(p.GetPayload()),
		})
	}
	return hits
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		vals := kind.ListValue.GetValues()
		list := make([]any, len(vals))
		for i, lv := range vals {
			list[i] = valueToAny(lv)
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}

// Elastic is the elastic-kind placeholder adapter; no Elastic client is
// wired in this build, so every query reports the backend as unavailable.
type Elastic struct{}

// Search implements Backend.
func (Elastic) Search(context.Context, Query) ([]Hit, error) {
	return nil, cerrs.New(cerrs.KindConfig, "search.Elastic", fmt.Errorf("search: elastic backend not configured"))
}
