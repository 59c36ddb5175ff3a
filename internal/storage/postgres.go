package storage

import (
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/shelfwatch/shelfwatch/internal/config"
)

func newPostgresDialect() *dialect {
	d := &dialect{
		name:        "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		schema: []string{
			`CREATE TABLE IF NOT EXISTS catalog_items (
				retailer TEXT NOT NULL,
				category TEXT NOT NULL,
				identity TEXT NOT NULL,
				source_url TEXT,
				item_code TEXT,
				title TEXT,
				price_amount DOUBLE PRECISION,
				price_currency TEXT,
				original_amount DOUBLE PRECISION,
				original_currency TEXT,
				image_urls JSONB,
				stock_status TEXT,
				sale_status TEXT,
				field_confidence JSONB,
				validation_coverage DOUBLE PRECISION,
				uncertain SMALLINT NOT NULL DEFAULT 0,
				extraction_tier TEXT,
				updated_at TEXT,
				PRIMARY KEY (retailer, category, identity)
			)`,
			`CREATE TABLE IF NOT EXISTS change_records (
				id BIGSERIAL PRIMARY KEY,
				crawl_id TEXT NOT NULL,
				identity TEXT NOT NULL,
				matched_id TEXT,
				similarity DOUBLE PRECISION,
				decision TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_change_records_crawl
				ON change_records (crawl_id)`,
			`CREATE TABLE IF NOT EXISTS selector_weights (
				retailer TEXT NOT NULL,
				field TEXT NOT NULL,
				selector TEXT NOT NULL,
				successes BIGINT NOT NULL DEFAULT 0,
				failures BIGINT NOT NULL DEFAULT 0,
				weight DOUBLE PRECISION NOT NULL DEFAULT 0,
				last_success TEXT,
				last_attempt TEXT,
				PRIMARY KEY (retailer, field, selector)
			)`,
		},
	}
	d.upsertItem = fmt.Sprintf(`
		INSERT INTO catalog_items (%s)
		VALUES (%s)
		ON CONFLICT (retailer, category, identity) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			item_code = EXCLUDED.item_code,
			title = EXCLUDED.title,
			price_amount = EXCLUDED.price_amount,
			price_currency = EXCLUDED.price_currency,
			original_amount = EXCLUDED.original_amount,
			original_currency = EXCLUDED.original_currency,
			image_urls = EXCLUDED.image_urls,
			stock_status = EXCLUDED.stock_status,
			sale_status = EXCLUDED.sale_status,
			field_confidence = EXCLUDED.field_confidence,
			validation_coverage = EXCLUDED.validation_coverage,
			uncertain = EXCLUDED.uncertain,
			extraction_tier = EXCLUDED.extraction_tier,
			updated_at = EXCLUDED.updated_at`,
		itemColumns, d.placeholders(1, itemColumnCount))
	d.upsertWeight = fmt.Sprintf(`
		INSERT INTO selector_weights (%s)
		VALUES (%s)
		ON CONFLICT (retailer, field, selector) DO UPDATE SET
			successes = EXCLUDED.successes,
			failures = EXCLUDED.failures,
			weight = EXCLUDED.weight,
			last_success = EXCLUDED.last_success,
			last_attempt = EXCLUDED.last_attempt`,
		weightColumns, d.placeholders(1, weightColumnCount))
	return d
}

// NewPostgresStore connects to PostgreSQL and ensures the schema.
func NewPostgresStore(cfg config.StorageConfig) (Store, error) {
	store, err := openSQL("postgres", cfg.DSN, newPostgresDialect(), cfg)
	if err != nil {
		return nil, err
	}
	store.db.SetMaxOpenConns(10)
	store.db.SetMaxIdleConns(5)
	return store, nil
}
