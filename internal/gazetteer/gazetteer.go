// Package gazetteer loads the administrative hierarchy from YAML and pushes
// it into the geo indexes.
package gazetteer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"postparser/internal/domain"
	"postparser/internal/geo"
	"postparser/internal/normalize"
	"postparser/internal/storage/postgres"
	"postparser/internal/storage/sqlite"
)

// Unit is one administrative unit with every name it is known by.
type Unit struct {
	ID               string   `yaml:"id"`
	Names            []string `yaml:"names"`
	domain.AdminUnit `yaml:",inline"`
}

type File struct {
	Units []Unit `yaml:"units"`
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gazetteer file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing gazetteer file %s: %w", path, err)
	}
	seen := map[string]bool{}
	for i, u := range f.Units {
		if strings.TrimSpace(u.ID) == "" {
			return nil, fmt.Errorf("gazetteer unit %d has no id", i)
		}
		if seen[u.ID] {
			return nil, fmt.Errorf("duplicate gazetteer unit id %q", u.ID)
		}
		seen[u.ID] = true
		if len(u.Names) == 0 {
			return nil, fmt.Errorf("gazetteer unit %q has no names", u.ID)
		}
	}
	return &f, nil
}

// Entries expands units into one searchable entry per distinct name. Entry
// text is the canonical query Normalize would produce for that name.
func (f *File) Entries() []domain.GeoEntry {
	var out []domain.GeoEntry
	for _, u := range f.Units {
		seen := map[string]bool{}
		for _, name := range u.Names {
			text := normalize.CanonicalQuery(name)
			if text == "" || seen[text] {
				continue
			}
			seen[text] = true
			out = append(out, domain.GeoEntry{
				ID:   fmt.Sprintf("%s#%d", u.ID, len(seen)-1),
				Text: text,
				Unit: u.AdminUnit,
			})
		}
	}
	return out
}

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Syncer writes gazetteer entries to the secondary store, refreshes the
// in-process index and, when configured, the pgvector store.
type Syncer struct {
	Path     string
	SQLite   *sql.DB
	Ngram    *geo.NgramIndex
	Vectors  *postgres.Store
	Embedder BatchEmbedder
	Cache    *geo.CachedIndex
	// BatchSize bounds texts per embeddings request.
	BatchSize int
}

type Stats struct {
	Units   int `json:"units"`
	Entries int `json:"entries"`
	Vectors int `json:"vectors"`
	Removed int `json:"removed"`
	// LastSync is the store's timestamp for this sync.
	LastSync string `json:"last_sync,omitempty"`
}

func (s *Syncer) Sync(ctx context.Context) (Stats, error) {
	var st Stats
	f, err := LoadFile(s.Path)
	if err != nil {
		return st, err
	}
	entries := f.Entries()
	st.Units, st.Entries = len(f.Units), len(entries)

	if s.SQLite != nil {
		if err := sqlite.ReplaceGeoEntries(ctx, s.SQLite, s.Path, entries); err != nil {
			return st, fmt.Errorf("store geo entries: %w", err)
		}
		if at, _, err := sqlite.LastSync(ctx, s.SQLite); err != nil {
			log.Printf("gazetteer: read last sync failed: %v", err)
		} else {
			st.LastSync = at
		}
	}
	if s.Ngram != nil {
		s.Ngram.Build(entries)
	}
	if s.Vectors != nil && s.Embedder != nil {
		n, removed, err := s.syncVectors(ctx, entries)
		st.Vectors, st.Removed = n, removed
		if err != nil {
			return st, err
		}
	}
	if s.Cache != nil {
		if n, err := s.Cache.Flush(ctx); err != nil {
			log.Printf("gazetteer: cache flush failed: %v", err)
		} else if n > 0 {
			log.Printf("gazetteer: flushed %d cached geo queries", n)
		}
	}
	log.Printf("gazetteer: synced units=%d entries=%d vectors=%d removed=%d", st.Units, st.Entries, st.Vectors, st.Removed)
	return st, nil
}

func (s *Syncer) syncVectors(ctx context.Context, entries []domain.GeoEntry) (int, int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = 64
	}
	schemaReady := false
	keep := make([]string, 0, len(entries))
	for start := 0; start < len(entries); start += batch {
		end := min(start+batch, len(entries))
		texts := make([]string, 0, end-start)
		for _, e := range entries[start:end] {
			texts = append(texts, e.Text)
		}
		embs, err := s.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return len(keep), 0, fmt.Errorf("embed gazetteer batch: %w", err)
		}
		if len(embs) != len(texts) {
			return len(keep), 0, fmt.Errorf("embed gazetteer batch: got %d vectors for %d texts", len(embs), len(texts))
		}
		if !schemaReady {
			if err := s.Vectors.EnsureSchema(ctx, len(embs[0])); err != nil {
				return 0, 0, err
			}
			schemaReady = true
		}
		for i, e := range entries[start:end] {
			if err := s.Vectors.Upsert(ctx, e, embs[i]); err != nil {
				return len(keep), 0, err
			}
			keep = append(keep, e.ID)
		}
	}
	if !schemaReady {
		return 0, 0, nil
	}
	removed, err := s.Vectors.DeleteExcept(ctx, keep)
	if err != nil {
		return len(keep), 0, fmt.Errorf("prune geo vectors: %w", err)
	}
	return len(keep), int(removed), nil
}
