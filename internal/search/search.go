// Package search defines the pluggable vector/keyword search backend
// behind the SQL rewriter's VECTOR_SEARCH / HYBRID_SEARCH /
// KEYWORD_SEARCH / ELASTIC_SEARCH constructs: one narrow interface,
// swappable implementations behind it.
package search

import "context"

// Hit is one ranked search result.
type Hit struct {
	ID       string
	Score    float64
	Payload  map[string]any
}

// Query describes one search request; which fields are honored depends on
// Kind.
type Query struct {
	Kind       Kind
	Collection string
	Text       string    // KEYWORD_SEARCH, and the text side of HYBRID_SEARCH
	Vector     []float32 // VECTOR_SEARCH, and the vector side of HYBRID_SEARCH
	TopK       int
	Filter     map[string]any
}

// Kind is the closed enum of search constructs.
type Kind string

const (
	KindVector  Kind = "vector"
	KindHybrid  Kind = "hybrid"
	KindKeyword Kind = "keyword"
	KindElastic Kind = "elastic"
)

// Backend is implemented by every concrete search engine adapter.
type Backend interface {
	Search(ctx context.Context, q Query) ([]Hit, error)
}

// Document is one row to be embedded and stored by an Indexer.
type Document struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Indexer is the write side of a search backend, used by row embedding
// statements to store vectors with their row payloads.
type Indexer interface {
	Index(ctx context.Context, collection string, docs []Document) error
}
