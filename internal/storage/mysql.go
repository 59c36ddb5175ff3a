package storage

import (
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"github.com/shelfwatch/shelfwatch/internal/config"
)

var mysqlDialect = &dialect{
	name:        "mysql",
	placeholder: func(int) string { return "?" },
	upsertItem: fmt.Sprintf(`
		INSERT INTO catalog_items (%s)
		VALUES (%s)
		ON DUPLICATE KEY UPDATE
			source_url = VALUES(source_url),
			item_code = VALUES(item_code),
			title = VALUES(title),
			price_amount = VALUES(price_amount),
			price_currency = VALUES(price_currency),
			original_amount = VALUES(original_amount),
			original_currency = VALUES(original_currency),
			image_urls = VALUES(image_urls),
			stock_status = VALUES(stock_status),
			sale_status = VALUES(sale_status),
			field_confidence = VALUES(field_confidence),
			validation_coverage = VALUES(validation_coverage),
			uncertain = VALUES(uncertain),
			extraction_tier = VALUES(extraction_tier),
			updated_at = VALUES(updated_at)`,
		itemColumns, strings.TrimSuffix(strings.Repeat("?, ", itemColumnCount), ", ")),
	upsertWeight: fmt.Sprintf(`
		INSERT INTO selector_weights (%s)
		VALUES (%s)
		ON DUPLICATE KEY UPDATE
			successes = VALUES(successes),
			failures = VALUES(failures),
			weight = VALUES(weight),
			last_success = VALUES(last_success),
			last_attempt = VALUES(last_attempt)`,
		weightColumns, strings.TrimSuffix(strings.Repeat("?, ", weightColumnCount), ", ")),
	schema: []string{
		`CREATE TABLE IF NOT EXISTS catalog_items (
			retailer VARCHAR(128) NOT NULL,
			category VARCHAR(128) NOT NULL,
			identity VARCHAR(512) NOT NULL,
			source_url TEXT,
			item_code VARCHAR(128),
			title TEXT,
			price_amount DOUBLE,
			price_currency VARCHAR(8),
			original_amount DOUBLE,
			original_currency VARCHAR(8),
			image_urls JSON,
			stock_status VARCHAR(32),
			sale_status VARCHAR(32),
			field_confidence JSON,
			validation_coverage DOUBLE,
			uncertain TINYINT NOT NULL DEFAULT 0,
			extraction_tier VARCHAR(32),
			updated_at VARCHAR(40),
			PRIMARY KEY (retailer, category, identity(255))
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS change_records (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			crawl_id VARCHAR(128) NOT NULL,
			identity VARCHAR(512) NOT NULL,
			matched_id VARCHAR(512),
			similarity DOUBLE,
			decision VARCHAR(32) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_change_records_crawl (crawl_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS selector_weights (
			retailer VARCHAR(128) NOT NULL,
			field VARCHAR(64) NOT NULL,
			selector VARCHAR(512) NOT NULL,
			successes BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			weight DOUBLE NOT NULL DEFAULT 0,
			last_success VARCHAR(40),
			last_attempt VARCHAR(40),
			PRIMARY KEY (retailer, field, selector(255))
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
}

// NewMySQLStore connects to MySQL and ensures the schema.
func NewMySQLStore(cfg config.StorageConfig) (Store, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}
	store, err := openSQL("mysql", dsn, mysqlDialect, cfg)
	if err != nil {
		return nil, err
	}
	store.db.SetMaxOpenConns(10)
	store.db.SetMaxIdleConns(5)
	return store, nil
}
