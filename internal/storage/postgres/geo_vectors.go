// Package postgres stores gazetteer entries with their embeddings in a
// pgvector table and answers nearest-neighbour queries.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"postparser/internal/domain"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return db, nil
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the pgvector extension and table. dims must match
// the embedding model.
func (s *Store) EnsureSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("invalid embedding dimensions %d", dims)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS geo_vectors (
			id             TEXT PRIMARY KEY,
			search_text    TEXT NOT NULL,
			village        TEXT NOT NULL DEFAULT '',
			gram_panchayat TEXT NOT NULL DEFAULT '',
			block          TEXT NOT NULL DEFAULT '',
			assembly       TEXT NOT NULL DEFAULT '',
			district       TEXT NOT NULL DEFAULT '',
			ulb            TEXT NOT NULL DEFAULT '',
			ward_no        INTEGER NOT NULL DEFAULT 0,
			embedding      vector(%d) NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dims),
		`CREATE INDEX IF NOT EXISTS idx_geo_vectors_embedding ON geo_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure geo_vectors schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, e domain.GeoEntry, embedding []float32) error {
	u := e.Unit
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geo_vectors (id, search_text, village, gram_panchayat, block, assembly, district, ulb, ward_no, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, now())
		ON CONFLICT (id) DO UPDATE SET
			search_text = EXCLUDED.search_text,
			village = EXCLUDED.village,
			gram_panchayat = EXCLUDED.gram_panchayat,
			block = EXCLUDED.block,
			assembly = EXCLUDED.assembly,
			district = EXCLUDED.district,
			ulb = EXCLUDED.ulb,
			ward_no = EXCLUDED.ward_no,
			embedding = EXCLUDED.embedding,
			updated_at = now()`,
		e.ID, e.Text, u.Village, u.GramPanchayat, u.Block, u.Assembly, u.District, u.ULB, u.WardNo, VectorLiteral(embedding))
	if err != nil {
		return fmt.Errorf("upsert geo vector %s: %w", e.ID, err)
	}
	return nil
}

// DeleteExcept removes rows whose id is not in keep.
func (s *Store) DeleteExcept(ctx context.Context, keep []string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM geo_vectors WHERE NOT (id = ANY($1))`, pq.Array(keep))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type Neighbor struct {
	Entry      domain.GeoEntry
	Similarity float64
}

// Nearest returns up to limit entries ordered by cosine similarity to
// embedding, highest first.
func (s *Store) Nearest(ctx context.Context, embedding []float32, limit int) ([]Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, search_text, village, gram_panchayat, block, assembly, district, ulb, ward_no,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM geo_vectors
		ORDER BY embedding <=> $1::vector
		LIMIT $2`, VectorLiteral(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		u := &n.Entry.Unit
		if err := rows.Scan(&n.Entry.ID, &n.Entry.Text, &u.Village, &u.GramPanchayat, &u.Block, &u.Assembly, &u.District, &u.ULB, &u.WardNo, &n.Similarity); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// VectorLiteral formats v in pgvector's text form, e.g. "[0.1,0.2]".
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
