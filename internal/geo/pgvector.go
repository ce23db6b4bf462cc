package geo

import (
	"context"
	"fmt"

	"postparser/internal/domain"
	"postparser/internal/storage/postgres"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PGVectorIndex is the primary index: the query is embedded and matched by
// cosine similarity against the pgvector table.
type PGVectorIndex struct {
	store    *postgres.Store
	embedder Embedder
	topK     int
}

func NewPGVectorIndex(store *postgres.Store, embedder Embedder, topK int) *PGVectorIndex {
	if topK <= 0 {
		topK = 5
	}
	return &PGVectorIndex{store: store, embedder: embedder, topK: topK}
}

func (v *PGVectorIndex) Search(ctx context.Context, query string) ([]IndexMatch, error) {
	if query == "" {
		return nil, nil
	}
	emb, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed %q: %w", query, err)
	}
	neighbors, err := v.store.Nearest(ctx, emb, v.topK)
	if err != nil {
		return nil, fmt.Errorf("nearest %q: %w", query, err)
	}
	out := make([]IndexMatch, 0, len(neighbors))
	for _, n := range neighbors {
		mt := domain.MatchSemantic
		if n.Entry.Text == query {
			mt = domain.MatchExact
		}
		out = append(out, IndexMatch{Text: n.Entry.Text, Score: n.Similarity, MatchType: mt, Unit: n.Entry.Unit})
	}
	return out, nil
}
