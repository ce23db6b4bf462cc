package geo

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"postparser/internal/domain"
	"postparser/internal/normalize"
	"postparser/internal/storage/sqlite"
)

type sparseVec = map[int]float64

// NgramIndex is the in-process secondary index: TF-IDF weighted character
// trigrams and whole words over the gazetteer entries stored in SQLite.
type NgramIndex struct {
	db   *sql.DB
	topK int

	mu      sync.RWMutex
	vocab   map[string]int
	idf     []float64
	docs    []sparseVec
	entries []domain.GeoEntry
}

func NewNgramIndex(db *sql.DB, topK int) *NgramIndex {
	if topK <= 0 {
		topK = 5
	}
	return &NgramIndex{db: db, topK: topK, vocab: map[string]int{}}
}

// Reload rebuilds the index from the geo_entries table.
func (idx *NgramIndex) Reload(ctx context.Context) error {
	entries, err := sqlite.ListGeoEntries(ctx, idx.db)
	if err != nil {
		return fmt.Errorf("load geo entries: %w", err)
	}
	idx.Build(entries)
	return nil
}

// Build replaces the index contents with entries.
func (idx *NgramIndex) Build(entries []domain.GeoEntry) {
	vocab := make(map[string]int)
	df := []int{}
	docs := make([]sparseVec, len(entries))
	for i, e := range entries {
		tf := make(map[int]int)
		for _, f := range features(e.Text) {
			id, ok := vocab[f]
			if !ok {
				id = len(vocab)
				vocab[f] = id
				df = append(df, 0)
			}
			tf[id]++
		}
		vec := make(sparseVec, len(tf))
		for id, count := range tf {
			vec[id] = float64(count)
			df[id]++
		}
		docs[i] = vec
	}

	n := float64(len(entries))
	idf := make([]float64, len(vocab))
	for i, d := range df {
		if d > 0 {
			idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}
	for _, vec := range docs {
		for id := range vec {
			vec[id] *= idf[id]
		}
	}

	idx.mu.Lock()
	idx.vocab, idx.idf, idx.docs, idx.entries = vocab, idf, docs, entries
	idx.mu.Unlock()
}

func (idx *NgramIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *NgramIndex) Search(ctx context.Context, query string) ([]IndexMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = normalize.Key(query)
	numbers := numberTokens(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 || query == "" {
		return nil, nil
	}

	qvec := make(sparseVec)
	for _, f := range features(query) {
		if id, ok := idx.vocab[f]; ok {
			qvec[id] += idx.idf[id]
		}
	}
	if len(qvec) == 0 {
		return nil, nil
	}

	var out []IndexMatch
	for i, dvec := range idx.docs {
		e := idx.entries[i]
		if !hasNumbers(e.Text, numbers) {
			continue
		}
		sim := cosineSim(qvec, dvec)
		if sim <= 0 {
			continue
		}
		mt := domain.MatchFuzzy
		if e.Text == query {
			mt, sim = domain.MatchExact, 1
		}
		out = append(out, IndexMatch{Text: e.Text, Score: sim, MatchType: mt, Unit: e.Unit})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	if len(out) > idx.topK {
		out = out[:idx.topK]
	}
	return out, nil
}

// features returns the whole words of s plus character trigrams of each
// word padded with spaces. Trigrams tolerate spelling variation in
// transliterated names.
func features(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		out = append(out, "w:"+w)
		runes := []rune(" " + w + " ")
		for i := 0; i+3 <= len(runes); i++ {
			out = append(out, string(runes[i:i+3]))
		}
	}
	return out
}

func numberTokens(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if _, err := strconv.Atoi(w); err == nil {
			out = append(out, w)
		}
	}
	return out
}

func hasNumbers(text string, numbers []string) bool {
	if len(numbers) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, w := range strings.Fields(text) {
		have[w] = true
	}
	for _, n := range numbers {
		if !have[n] {
			return false
		}
	}
	return true
}

func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
