// Package storage persists catalog items, the append-only change log,
// and learned selector weights across crawls. Four backends share one
// interface; the engine never sees which one is configured.
package storage

import (
	"context"
	"fmt"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
)

// StoredItem is a persisted catalog entry offered for change-detection
// lookup.
type StoredItem struct {
	ID   string
	Item catalog.CatalogItem
}

// Store is the persistence collaborator. Items upsert by identity;
// change records only append.
type Store interface {
	// SaveItems upserts the merged items for one retailer category.
	SaveItems(ctx context.Context, retailer, category string, items []catalog.CatalogItem) error

	// LookupExisting returns the known items of one retailer category for
	// matching. Identities are scoped per category, so candidates from
	// other categories never collide.
	LookupExisting(ctx context.Context, retailer, category string) ([]StoredItem, error)

	// AppendChangeRecords appends immutable routing decisions.
	AppendChangeRecords(ctx context.Context, records []catalog.ChangeRecord) error

	// SaveSelectorWeights persists a selector confidence snapshot.
	SaveSelectorWeights(ctx context.Context, snapshot []patterns.SelectorCandidate) error

	// LoadSelectorWeights restores selector confidence from a previous
	// run.
	LoadSelectorWeights(ctx context.Context) ([]patterns.SelectorCandidate, error)

	Close() error
}

// New opens the backend selected by the configuration.
func New(cfg config.StorageConfig) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage: dsn is required")
	}
	switch cfg.Backend {
	case config.BackendSQLite:
		return NewSQLiteStore(cfg)
	case config.BackendPostgres:
		return NewPostgresStore(cfg)
	case config.BackendMySQL:
		return NewMySQLStore(cfg)
	case config.BackendMongoDB:
		return NewMongoStore(cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}
