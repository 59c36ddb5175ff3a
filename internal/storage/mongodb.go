package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
)

const (
	itemsCollection   = "catalog_items"
	changesCollection = "change_records"
	weightsCollection = "selector_weights"
)

// mongoStore implements Store on MongoDB collections.
type mongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

// itemDocument is the persisted shape of a catalog item.
type itemDocument struct {
	Retailer           string             `bson:"retailer"`
	Category           string             `bson:"category"`
	Identity           string             `bson:"identity"`
	SourceURL          string             `bson:"source_url,omitempty"`
	ItemCode           string             `bson:"item_code,omitempty"`
	Title              string             `bson:"title,omitempty"`
	PriceAmount        float64            `bson:"price_amount,omitempty"`
	PriceCurrency      string             `bson:"price_currency,omitempty"`
	OriginalAmount     float64            `bson:"original_amount,omitempty"`
	OriginalCurrency   string             `bson:"original_currency,omitempty"`
	ImageURLs          []string           `bson:"image_urls,omitempty"`
	StockStatus        string             `bson:"stock_status,omitempty"`
	SaleStatus         string             `bson:"sale_status,omitempty"`
	FieldConfidence    map[string]float64 `bson:"field_confidence,omitempty"`
	ValidationCoverage float64            `bson:"validation_coverage"`
	Uncertain          bool               `bson:"uncertain"`
	ExtractionTier     string             `bson:"extraction_tier,omitempty"`
	UpdatedAt          time.Time          `bson:"updated_at"`
}

type weightDocument struct {
	Retailer    string    `bson:"retailer"`
	Field       string    `bson:"field"`
	Selector    string    `bson:"selector"`
	Successes   int64     `bson:"successes"`
	Failures    int64     `bson:"failures"`
	Weight      float64   `bson:"weight"`
	LastSuccess time.Time `bson:"last_success,omitempty"`
	LastAttempt time.Time `bson:"last_attempt,omitempty"`
}

// NewMongoStore connects to MongoDB and ensures the unique indexes the
// upserts rely on.
func NewMongoStore(cfg config.StorageConfig) (Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.DSN).
		SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("storage: connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("storage: ping mongodb: %w", err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = "shelfwatch"
	}
	store := &mongoStore{client: client, database: client.Database(dbName)}
	if err := store.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.database.Collection(itemsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "retailer", Value: 1},
			{Key: "category", Value: 1},
			{Key: "identity", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("storage: create items index: %w", err)
	}
	_, err = s.database.Collection(weightsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "retailer", Value: 1},
			{Key: "field", Value: 1},
			{Key: "selector", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("storage: create weights index: %w", err)
	}
	_, err = s.database.Collection(changesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "crawl_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("storage: create changes index: %w", err)
	}
	return nil
}

func (s *mongoStore) SaveItems(ctx context.Context, retailer, category string, items []catalog.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(items))
	for i := range items {
		it := &items[i]
		doc := itemDocument{
			Retailer:           retailer,
			Category:           category,
			Identity:           it.Identity(),
			SourceURL:          it.SourceURL,
			ItemCode:           it.ItemCode,
			Title:              it.Title,
			PriceAmount:        it.Price.Amount,
			PriceCurrency:      it.Price.Currency,
			OriginalAmount:     it.OriginalPrice.Amount,
			OriginalCurrency:   it.OriginalPrice.Currency,
			ImageURLs:          it.ImageURLs,
			StockStatus:        string(it.StockStatus),
			SaleStatus:         string(it.SaleStatus),
			FieldConfidence:    it.FieldConfidence,
			ValidationCoverage: it.ValidationCoverage,
			Uncertain:          it.Uncertain,
			ExtractionTier:     string(it.ExtractionTier),
			UpdatedAt:          now,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"retailer": retailer, "category": category, "identity": doc.Identity}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := s.database.Collection(itemsCollection).
		BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("storage: bulk upsert items: %w", err)
	}
	return nil
}

func (s *mongoStore) LookupExisting(ctx context.Context, retailer, category string) ([]StoredItem, error) {
	cursor, err := s.database.Collection(itemsCollection).
		Find(ctx, bson.M{"retailer": retailer, "category": category})
	if err != nil {
		return nil, fmt.Errorf("storage: lookup %q: %w", retailer, err)
	}
	defer cursor.Close(ctx)

	var out []StoredItem
	for cursor.Next(ctx) {
		var doc itemDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("storage: decode item: %w", err)
		}
		out = append(out, StoredItem{
			ID: doc.Identity,
			Item: catalog.CatalogItem{
				SourceURL:          doc.SourceURL,
				ItemCode:           doc.ItemCode,
				Title:              doc.Title,
				Price:              catalog.Price{Amount: doc.PriceAmount, Currency: doc.PriceCurrency},
				OriginalPrice:      catalog.Price{Amount: doc.OriginalAmount, Currency: doc.OriginalCurrency},
				ImageURLs:          doc.ImageURLs,
				StockStatus:        catalog.StockStatus(doc.StockStatus),
				SaleStatus:         catalog.SaleStatus(doc.SaleStatus),
				FieldConfidence:    doc.FieldConfidence,
				ValidationCoverage: doc.ValidationCoverage,
				Uncertain:          doc.Uncertain,
				ExtractionTier:     catalog.ExtractionTier(doc.ExtractionTier),
			},
		})
	}
	return out, cursor.Err()
}

func (s *mongoStore) AppendChangeRecords(ctx context.Context, records []catalog.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(records))
	for _, rec := range records {
		docs = append(docs, bson.M{
			"crawl_id":   rec.CrawlID,
			"identity":   rec.Identity,
			"matched_id": rec.MatchedID,
			"similarity": rec.Similarity,
			"decision":   string(rec.Decision),
			"created_at": rec.CreatedAt.UTC(),
		})
	}
	_, err := s.database.Collection(changesCollection).
		InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("storage: append change records: %w", err)
	}
	return nil
}

func (s *mongoStore) SaveSelectorWeights(ctx context.Context, snapshot []patterns.SelectorCandidate) error {
	if len(snapshot) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(snapshot))
	for _, c := range snapshot {
		doc := weightDocument{
			Retailer:    c.Retailer,
			Field:       c.Field,
			Selector:    c.Selector,
			Successes:   c.Successes,
			Failures:    c.Failures,
			Weight:      c.Weight,
			LastSuccess: c.LastSuccess,
			LastAttempt: c.LastAttempt,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"retailer": c.Retailer, "field": c.Field, "selector": c.Selector}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := s.database.Collection(weightsCollection).
		BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("storage: bulk upsert weights: %w", err)
	}
	return nil
}

func (s *mongoStore) LoadSelectorWeights(ctx context.Context) ([]patterns.SelectorCandidate, error) {
	cursor, err := s.database.Collection(weightsCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("storage: load weights: %w", err)
	}
	defer cursor.Close(ctx)

	var out []patterns.SelectorCandidate
	for cursor.Next(ctx) {
		var doc weightDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("storage: decode weight: %w", err)
		}
		out = append(out, patterns.SelectorCandidate{
			Retailer:    doc.Retailer,
			Field:       doc.Field,
			Selector:    doc.Selector,
			Successes:   doc.Successes,
			Failures:    doc.Failures,
			Weight:      doc.Weight,
			LastSuccess: doc.LastSuccess,
			LastAttempt: doc.LastAttempt,
		})
	}
	return out, cursor.Err()
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
