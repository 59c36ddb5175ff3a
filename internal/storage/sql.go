package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
)

const defaultBatchSize = 500

// dialect captures the syntax differences between the SQL backends so
// the store logic stays in one place.
type dialect struct {
	name string

	// placeholder renders the nth (1-based) bind parameter.
	placeholder func(n int) string

	// upsertItem and upsertWeight are the full conflict-handling insert
	// statements, already carrying dialect placeholders.
	upsertItem   string
	upsertWeight string

	// schema holds the CREATE TABLE statements run at open.
	schema []string
}

// placeholders renders "(?, ?, ...)" style lists starting at parameter
// `from`.
func (d *dialect) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = d.placeholder(from + i)
	}
	return strings.Join(parts, ", ")
}

// sqlStore implements Store over database/sql for all three SQL
// backends.
type sqlStore struct {
	db        *sql.DB
	dialect   *dialect
	batchSize int
}

func openSQL(driver, dsn string, d *dialect, cfg config.StorageConfig) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", d.name, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", d.name, err)
	}

	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: init %s schema: %w", d.name, err)
		}
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &sqlStore{db: db, dialect: d, batchSize: batch}, nil
}

func (s *sqlStore) SaveItems(ctx context.Context, retailer, category string, items []catalog.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsertItem)
	if err != nil {
		return fmt.Errorf("storage: prepare item upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range items {
		it := &items[i]
		images, confidence, err := marshalItemJSON(it)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			retailer,
			category,
			it.Identity(),
			it.SourceURL,
			it.ItemCode,
			it.Title,
			it.Price.Amount,
			it.Price.Currency,
			it.OriginalPrice.Amount,
			it.OriginalPrice.Currency,
			images,
			string(it.StockStatus),
			string(it.SaleStatus),
			confidence,
			it.ValidationCoverage,
			boolToInt(it.Uncertain),
			string(it.ExtractionTier),
			now,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert item %q: %w", it.Identity(), err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) LookupExisting(ctx context.Context, retailer, category string) ([]StoredItem, error) {
	query := fmt.Sprintf(`
		SELECT identity, source_url, item_code, title,
		       price_amount, price_currency,
		       original_amount, original_currency,
		       image_urls, stock_status, sale_status,
		       validation_coverage, uncertain, extraction_tier
		FROM catalog_items WHERE retailer = %s AND category = %s`,
		s.dialect.placeholder(1), s.dialect.placeholder(2))

	rows, err := s.db.QueryContext(ctx, query, retailer, category)
	if err != nil {
		return nil, fmt.Errorf("storage: lookup %q: %w", retailer, err)
	}
	defer rows.Close()

	var out []StoredItem
	for rows.Next() {
		var (
			stored    StoredItem
			images    sql.NullString
			stock     string
			sale      string
			tier      string
			uncertain int
		)
		it := &stored.Item
		err := rows.Scan(&stored.ID, &it.SourceURL, &it.ItemCode, &it.Title,
			&it.Price.Amount, &it.Price.Currency,
			&it.OriginalPrice.Amount, &it.OriginalPrice.Currency,
			&images, &stock, &sale,
			&it.ValidationCoverage, &uncertain, &tier)
		if err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		if images.Valid && images.String != "" {
			if err := json.Unmarshal([]byte(images.String), &it.ImageURLs); err != nil {
				return nil, fmt.Errorf("storage: decode image urls: %w", err)
			}
		}
		it.StockStatus = catalog.StockStatus(stock)
		it.SaleStatus = catalog.SaleStatus(sale)
		it.ExtractionTier = catalog.ExtractionTier(tier)
		it.Uncertain = uncertain != 0
		out = append(out, stored)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendChangeRecords(ctx context.Context, records []catalog.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO change_records
			(crawl_id, identity, matched_id, similarity, decision, created_at)
		VALUES (%s)`, s.dialect.placeholders(1, 6))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("storage: prepare change insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.CrawlID, rec.Identity, rec.MatchedID,
			rec.Similarity, string(rec.Decision),
			rec.CreatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("storage: append change record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) SaveSelectorWeights(ctx context.Context, snapshot []patterns.SelectorCandidate) error {
	if len(snapshot) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsertWeight)
	if err != nil {
		return fmt.Errorf("storage: prepare weight upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range snapshot {
		_, err := stmt.ExecContext(ctx,
			c.Retailer, c.Field, c.Selector,
			c.Successes, c.Failures, c.Weight,
			formatNullableTime(c.LastSuccess),
			formatNullableTime(c.LastAttempt))
		if err != nil {
			return fmt.Errorf("storage: upsert weight %s/%s: %w", c.Retailer, c.Field, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) LoadSelectorWeights(ctx context.Context) ([]patterns.SelectorCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT retailer, field, selector, successes, failures, weight,
		       last_success, last_attempt
		FROM selector_weights`)
	if err != nil {
		return nil, fmt.Errorf("storage: load weights: %w", err)
	}
	defer rows.Close()

	var out []patterns.SelectorCandidate
	for rows.Next() {
		var (
			c                        patterns.SelectorCandidate
			lastSuccess, lastAttempt sql.NullString
		)
		err := rows.Scan(&c.Retailer, &c.Field, &c.Selector,
			&c.Successes, &c.Failures, &c.Weight,
			&lastSuccess, &lastAttempt)
		if err != nil {
			return nil, fmt.Errorf("storage: scan weight: %w", err)
		}
		c.LastSuccess = parseNullableTime(lastSuccess)
		c.LastAttempt = parseNullableTime(lastAttempt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// marshalItemJSON encodes the JSON-valued columns, using NULL rather
// than an empty string so JSONB columns accept them.
func marshalItemJSON(it *catalog.CatalogItem) (images, confidence interface{}, err error) {
	if len(it.ImageURLs) > 0 {
		b, err := json.Marshal(it.ImageURLs)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode image urls: %w", err)
		}
		images = string(b)
	}
	if len(it.FieldConfidence) > 0 {
		b, err := json.Marshal(it.FieldConfidence)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode field confidence: %w", err)
		}
		confidence = string(b)
	}
	return images, confidence, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatNullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// itemColumns is the insert column list shared by all SQL dialects.
const itemColumns = `retailer, category, identity, source_url, item_code, title,
	price_amount, price_currency, original_amount, original_currency,
	image_urls, stock_status, sale_status, field_confidence,
	validation_coverage, uncertain, extraction_tier, updated_at`

const itemColumnCount = 18

// weightColumns is the selector weight column list.
const weightColumns = `retailer, field, selector, successes, failures,
	weight, last_success, last_attempt`

const weightColumnCount = 8
