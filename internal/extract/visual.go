package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/errors"
	"github.com/shelfwatch/shelfwatch/internal/logging"
)

// InferenceClient is the vision-capable inference collaborator. Prompt
// formatting details and HTTP transport live behind this interface.
// Implementations must return structured errors distinguishing
// quota-exhaustion (errors.CodeQuotaExhausted) from transient failure
// (errors.CodeTransient) from malformed output
// (errors.CodeMalformedExtraction).
type InferenceClient interface {
	Infer(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// InferenceFunc adapts a function to InferenceClient.
type InferenceFunc func(ctx context.Context, prompt string, images [][]byte) (string, error)

// Infer implements InferenceClient.
func (f InferenceFunc) Infer(ctx context.Context, prompt string, images [][]byte) (string, error) {
	return f(ctx, prompt, images)
}

// visualConfidence is the default confidence for model-produced values.
// The channel is untrusted text recognition: it misreads page chrome as
// titles and garbles OCR'd numbers, so nothing it says is trusted until
// the merge confirms it against the DOM.
const visualConfidence = 0.5

// VisualOptions bounds format validation of model output.
type VisualOptions struct {
	MaxTitleLength    int
	MaxPlausiblePrice float64
}

// VisualExtractor adapts the inference collaborator into a candidate-list
// producer. Output item count and ordering carry no guarantee of matching
// the structural channel.
type VisualExtractor struct {
	client InferenceClient
	opts   VisualOptions
	logger logging.Logger
}

// NewVisualExtractor creates the adapter.
func NewVisualExtractor(client InferenceClient, opts VisualOptions, logger logging.Logger) *VisualExtractor {
	if opts.MaxTitleLength <= 0 {
		opts.MaxTitleLength = 250
	}
	if logger == nil {
		logger = logging.NewComponentLogger("visual-extractor")
	}
	return &VisualExtractor{client: client, opts: opts, logger: logger}
}

// visualItem is the wire shape the model is asked to produce.
type visualItem struct {
	URL           string   `json:"url"`
	ItemCode      string   `json:"item_code"`
	Title         string   `json:"title"`
	Price         string   `json:"price"`
	OriginalPrice string   `json:"original_price"`
	ImageURLs     []string `json:"image_urls"`
	StockStatus   string   `json:"stock_status"`
	OnSale        bool     `json:"on_sale"`
}

const visualPrompt = `List every product listing visible in the screenshots, top to bottom.
Respond with a JSON array only. Each element: {"url": "", "item_code": "",
"title": "", "price": "", "original_price": "", "image_urls": [],
"stock_status": "", "on_sale": false}. Use empty strings for anything not
visible. Do not include navigation, banners or page chrome.`

// Extract asks the model for the items visible in the screenshots and
// validates every field before use. Invalid values are dropped, leaving
// the field absent rather than publishing garbage.
func (ve *VisualExtractor) Extract(ctx context.Context, screenshots [][]byte, pageURL string) ([]Candidate, error) {
	if len(screenshots) == 0 {
		return nil, errors.New(errors.CodeMalformedExtraction, "no screenshots to extract from").
			Stage("visual").Identity(pageURL).Build()
	}

	response, err := ve.client.Infer(ctx, visualPrompt, screenshots)
	if err != nil {
		return nil, err
	}

	items, err := parseVisualResponse(response)
	if err != nil {
		return nil, errors.New(errors.CodeMalformedExtraction, "unparseable inference response").
			Stage("visual").Identity(pageURL).Cause(err).Build()
	}

	candidates := make([]Candidate, 0, len(items))
	dropped := 0
	for index, raw := range items {
		item, populated := ve.validateItem(raw)
		if !populated {
			dropped++
			continue
		}
		candidates = append(candidates, Candidate{
			Item:         item,
			SelectorUsed: map[string]string{},
			PageIndex:    index,
		})
	}

	if dropped > 0 {
		ve.logger.WithField("url", pageURL).Debugf("dropped %d visual items with no valid field", dropped)
	}
	return candidates, nil
}

// validateItem format-checks each model field, keeping only plausible
// values at low confidence. Returns false when nothing survived.
func (ve *VisualExtractor) validateItem(raw visualItem) (catalog.CatalogItem, bool) {
	var item catalog.CatalogItem
	populated := false

	if raw.URL != "" {
		if normalized, err := catalog.NormalizeURL(raw.URL); err == nil {
			item.SourceURL = normalized
			item.SetConfidence(catalog.FieldSourceURL, visualConfidence)
			populated = true
		}
	}
	if ValidItemCode(raw.ItemCode) {
		item.ItemCode = NormalizeSpace(raw.ItemCode)
		item.SetConfidence(catalog.FieldItemCode, visualConfidence)
		populated = true
	}
	if ValidTitle(raw.Title, ve.opts.MaxTitleLength) {
		item.Title = NormalizeSpace(raw.Title)
		item.SetConfidence(catalog.FieldTitle, visualConfidence)
		populated = true
	}
	if price, ok := ParsePrice(raw.Price); ok && ValidPrice(price, ve.opts.MaxPlausiblePrice) {
		item.Price = price
		item.SetConfidence(catalog.FieldPrice, visualConfidence)
		populated = true
	}
	if price, ok := ParsePrice(raw.OriginalPrice); ok && ValidPrice(price, ve.opts.MaxPlausiblePrice) {
		item.OriginalPrice = price
		item.SetConfidence(catalog.FieldOriginalPrice, visualConfidence)
	}
	for _, img := range raw.ImageURLs {
		if normalized, err := catalog.NormalizeURL(img); err == nil {
			item.ImageURLs = append(item.ImageURLs, normalized)
		}
	}
	if len(item.ImageURLs) > 0 {
		item.SetConfidence(catalog.FieldImageURLs, visualConfidence)
		populated = true
	}
	if status := ParseStockStatus(raw.StockStatus); status != catalog.StockUnknown {
		item.StockStatus = status
		item.SetConfidence(catalog.FieldStockStatus, visualConfidence)
	}
	if raw.OnSale {
		item.SaleStatus = catalog.SaleDiscount
		item.SetConfidence(catalog.FieldSaleStatus, visualConfidence)
	}

	return item, populated
}

// parseVisualResponse extracts the JSON array from a model response,
// tolerating markdown code fences and surrounding prose.
func parseVisualResponse(response string) ([]visualItem, error) {
	trimmed := strings.TrimSpace(response)

	if start := strings.Index(trimmed, "["); start >= 0 {
		if end := strings.LastIndex(trimmed, "]"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}

	var items []visualItem
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, err
	}
	return items, nil
}
