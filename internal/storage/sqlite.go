package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/shelfwatch/shelfwatch/internal/config"
)

var sqliteDialect = &dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	upsertItem: fmt.Sprintf(`
		INSERT INTO catalog_items (%s)
		VALUES (%s)
		ON CONFLICT(retailer, category, identity) DO UPDATE SET
			source_url = excluded.source_url,
			item_code = excluded.item_code,
			title = excluded.title,
			price_amount = excluded.price_amount,
			price_currency = excluded.price_currency,
			original_amount = excluded.original_amount,
			original_currency = excluded.original_currency,
			image_urls = excluded.image_urls,
			stock_status = excluded.stock_status,
			sale_status = excluded.sale_status,
			field_confidence = excluded.field_confidence,
			validation_coverage = excluded.validation_coverage,
			uncertain = excluded.uncertain,
			extraction_tier = excluded.extraction_tier,
			updated_at = excluded.updated_at`,
		itemColumns, strings.TrimSuffix(strings.Repeat("?, ", itemColumnCount), ", ")),
	upsertWeight: fmt.Sprintf(`
		INSERT INTO selector_weights (%s)
		VALUES (%s)
		ON CONFLICT(retailer, field, selector) DO UPDATE SET
			successes = excluded.successes,
			failures = excluded.failures,
			weight = excluded.weight,
			last_success = excluded.last_success,
			last_attempt = excluded.last_attempt`,
		weightColumns, strings.TrimSuffix(strings.Repeat("?, ", weightColumnCount), ", ")),
	schema: []string{
		`CREATE TABLE IF NOT EXISTS catalog_items (
			retailer TEXT NOT NULL,
			category TEXT NOT NULL,
			identity TEXT NOT NULL,
			source_url TEXT,
			item_code TEXT,
			title TEXT,
			price_amount REAL,
			price_currency TEXT,
			original_amount REAL,
			original_currency TEXT,
			image_urls TEXT,
			stock_status TEXT,
			sale_status TEXT,
			field_confidence TEXT,
			validation_coverage REAL,
			uncertain INTEGER NOT NULL DEFAULT 0,
			extraction_tier TEXT,
			updated_at TEXT,
			PRIMARY KEY (retailer, category, identity)
		)`,
		`CREATE TABLE IF NOT EXISTS change_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			crawl_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			matched_id TEXT,
			similarity REAL,
			decision TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_records_crawl
			ON change_records (crawl_id)`,
		`CREATE TABLE IF NOT EXISTS selector_weights (
			retailer TEXT NOT NULL,
			field TEXT NOT NULL,
			selector TEXT NOT NULL,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			weight REAL NOT NULL DEFAULT 0,
			last_success TEXT,
			last_attempt TEXT,
			PRIMARY KEY (retailer, field, selector)
		)`,
	},
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
func NewSQLiteStore(cfg config.StorageConfig) (Store, error) {
	if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite directory: %w", err)
		}
	}
	// WAL keeps readers unblocked during crawl writes.
	dsn := cfg.DSN + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	store, err := openSQL("sqlite3", dsn, sqliteDialect, cfg)
	if err != nil {
		return nil, err
	}
	// SQLite works best with a single writer.
	store.db.SetMaxOpenConns(1)
	store.db.SetMaxIdleConns(1)
	return store, nil
}
