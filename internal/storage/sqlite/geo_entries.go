package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"postparser/internal/domain"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS geo_entries (
		id             TEXT PRIMARY KEY,
		search_text    TEXT NOT NULL,
		village        TEXT DEFAULT '',
		gram_panchayat TEXT DEFAULT '',
		block          TEXT DEFAULT '',
		assembly       TEXT DEFAULT '',
		district       TEXT DEFAULT '',
		ulb            TEXT DEFAULT '',
		ward_no        INTEGER DEFAULT 0,
		updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_geo_entries_text ON geo_entries(search_text);
	CREATE INDEX IF NOT EXISTS idx_geo_entries_district ON geo_entries(district);

	CREATE TABLE IF NOT EXISTS gazetteer_syncs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		source_path TEXT NOT NULL,
		entries     INTEGER NOT NULL,
		synced_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ReplaceGeoEntries swaps the whole table contents for entries in one
// transaction and records the sync.
func ReplaceGeoEntries(ctx context.Context, db *sql.DB, sourcePath string, entries []domain.GeoEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM geo_entries`); err != nil {
		return fmt.Errorf("clear geo entries: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO geo_entries (id, search_text, village, gram_panchayat, block, assembly, district, ulb, ward_no)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		u := e.Unit
		if _, err := stmt.ExecContext(ctx, e.ID, e.Text, u.Village, u.GramPanchayat, u.Block, u.Assembly, u.District, u.ULB, u.WardNo); err != nil {
			return fmt.Errorf("insert geo entry %s: %w", e.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gazetteer_syncs (source_path, entries) VALUES (?, ?)`, sourcePath, len(entries)); err != nil {
		return err
	}
	return tx.Commit()
}

func ListGeoEntries(ctx context.Context, db *sql.DB) ([]domain.GeoEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, search_text, village, gram_panchayat, block, assembly, district, ulb, ward_no
		 FROM geo_entries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GeoEntry
	for rows.Next() {
		var e domain.GeoEntry
		u := &e.Unit
		if err := rows.Scan(&e.ID, &e.Text, &u.Village, &u.GramPanchayat, &u.Block, &u.Assembly, &u.District, &u.ULB, &u.WardNo); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSync returns the time and size of the most recent gazetteer sync.
func LastSync(ctx context.Context, db *sql.DB) (syncedAt string, entries int, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT synced_at, entries FROM gazetteer_syncs ORDER BY id DESC LIMIT 1`).Scan(&syncedAt, &entries)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	return syncedAt, entries, err
}
