package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"postparser/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "geo.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReplaceAndListGeoEntries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := []domain.GeoEntry{
		{ID: "raipur-w5#0", Text: "ward 5 raipur", Unit: domain.AdminUnit{District: "Raipur", ULB: "Raipur Nagar Nigam", WardNo: 5}},
		{ID: "kharora#0", Text: "gram kharora", Unit: domain.AdminUnit{Village: "Kharora", Block: "Arang", District: "Raipur"}},
	}
	if err := ReplaceGeoEntries(ctx, db, "gazetteer.yaml", first); err != nil {
		t.Fatalf("ReplaceGeoEntries: %v", err)
	}

	got, err := ListGeoEntries(ctx, db)
	if err != nil {
		t.Fatalf("ListGeoEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[1].ID != "raipur-w5#0" || got[1].Unit.WardNo != 5 || got[1].Unit.ULB != "Raipur Nagar Nigam" {
		t.Fatalf("unexpected ward entry: %+v", got[1])
	}
	if got[0].Unit.Village != "Kharora" || got[0].Unit.Block != "Arang" {
		t.Fatalf("unexpected village entry: %+v", got[0])
	}

	if err := ReplaceGeoEntries(ctx, db, "gazetteer.yaml", first[:1]); err != nil {
		t.Fatalf("second ReplaceGeoEntries: %v", err)
	}
	got, err = ListGeoEntries(ctx, db)
	if err != nil {
		t.Fatalf("ListGeoEntries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected replace to drop stale rows, got %d", len(got))
	}

	_, n, err := LastSync(ctx, db)
	if err != nil {
		t.Fatalf("LastSync: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected last sync of 1 entry, got %d", n)
	}
}

func TestReplaceGeoEntriesRollsBackOnDuplicateID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok := []domain.GeoEntry{{ID: "a", Text: "durg"}}
	if err := ReplaceGeoEntries(ctx, db, "g.yaml", ok); err != nil {
		t.Fatalf("ReplaceGeoEntries: %v", err)
	}
	dup := []domain.GeoEntry{{ID: "b", Text: "bhilai"}, {ID: "b", Text: "bhilai 2"}}
	if err := ReplaceGeoEntries(ctx, db, "g.yaml", dup); err == nil {
		t.Fatal("expected duplicate id to fail")
	}

	got, err := ListGeoEntries(ctx, db)
	if err != nil {
		t.Fatalf("ListGeoEntries: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected previous contents after rollback, got %+v", got)
	}
}

func TestLastSyncEmpty(t *testing.T) {
	db := newTestDB(t)
	at, n, err := LastSync(context.Background(), db)
	if err != nil || at != "" || n != 0 {
		t.Fatalf("expected empty last sync, got %q %d %v", at, n, err)
	}
}
