package storage

import (
	"strings"
	"testing"
	"time"

	"database/sql"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
)

func TestNewRejectsMissingDSN(t *testing.T) {
	_, err := New(config.StorageConfig{Backend: config.BackendSQLite})
	if err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(config.StorageConfig{Backend: "oracle", DSN: "x"})
	if err == nil || !strings.Contains(err.Error(), "unsupported backend") {
		t.Fatalf("err = %v, want unsupported backend", err)
	}
}

func TestDialectPlaceholders(t *testing.T) {
	pg := newPostgresDialect()
	if got := pg.placeholders(1, 3); got != "$1, $2, $3" {
		t.Fatalf("postgres placeholders = %q", got)
	}
	if got := sqliteDialect.placeholders(1, 3); got != "?, ?, ?" {
		t.Fatalf("sqlite placeholders = %q", got)
	}
}

func TestUpsertStatementsCoverAllColumns(t *testing.T) {
	for _, d := range []*dialect{sqliteDialect, mysqlDialect, newPostgresDialect()} {
		if n := strings.Count(d.upsertItem, "?") + strings.Count(d.upsertItem, "$"); n != itemColumnCount {
			t.Errorf("%s item upsert binds %d params, want %d", d.name, n, itemColumnCount)
		}
		if n := strings.Count(d.upsertWeight, "?") + strings.Count(d.upsertWeight, "$"); n != weightColumnCount {
			t.Errorf("%s weight upsert binds %d params, want %d", d.name, n, weightColumnCount)
		}
	}
}

func TestItemKeyIncludesCategory(t *testing.T) {
	if !strings.Contains(itemColumns, "category") {
		t.Fatal("item columns missing category")
	}
	for _, d := range []*dialect{sqliteDialect, mysqlDialect, newPostgresDialect()} {
		found := false
		for _, stmt := range d.schema {
			if strings.Contains(stmt, "PRIMARY KEY (retailer, category, identity") {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: catalog_items not keyed by (retailer, category, identity)", d.name)
		}
	}
	for _, d := range []*dialect{sqliteDialect, newPostgresDialect()} {
		if !strings.Contains(d.upsertItem, "retailer, category, identity) DO UPDATE") {
			t.Errorf("%s: item upsert does not conflict on the category key", d.name)
		}
	}
}

func TestMarshalItemJSON(t *testing.T) {
	item := catalog.CatalogItem{
		ImageURLs:       []string{"https://img.example/a.jpg"},
		FieldConfidence: map[string]float64{catalog.FieldTitle: 1.0},
	}
	images, confidence, err := marshalItemJSON(&item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if images.(string) != `["https://img.example/a.jpg"]` {
		t.Fatalf("images = %v", images)
	}
	if !strings.Contains(confidence.(string), `"title":1`) {
		t.Fatalf("confidence = %v", confidence)
	}

	empty := catalog.CatalogItem{}
	images, confidence, err = marshalItemJSON(&empty)
	if err != nil {
		t.Fatalf("marshal empty: %v", err)
	}
	if images != nil || confidence != nil {
		t.Fatalf("empty item should bind NULL, got %v / %v", images, confidence)
	}
}

func TestNullableTimeRoundTrip(t *testing.T) {
	if formatNullableTime(time.Time{}) != nil {
		t.Fatal("zero time should bind NULL")
	}
	ts := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
	formatted := formatNullableTime(ts)
	parsed := parseNullableTime(sql.NullString{String: formatted.(string), Valid: true})
	if !parsed.Equal(ts) {
		t.Fatalf("round trip = %v, want %v", parsed, ts)
	}
	if !parseNullableTime(sql.NullString{}).IsZero() {
		t.Fatal("NULL should parse to zero time")
	}
}
