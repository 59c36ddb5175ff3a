// Package extract implements the two extraction channels: structural
// (ranked CSS selectors over a fetched document) and visual (an adapter
// over a vision-capable inference collaborator). Both emit partially
// populated catalog items; reconciliation lives in the merge package.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

// chromeTextDenylist holds page-chrome phrases the visual channel
// regularly misreads as product titles. Matching is case-insensitive on
// the whole normalized value.
var chromeTextDenylist = map[string]struct{}{
	"skip to main content": {},
	"skip to content":      {},
	"menu":                 {},
	"search":               {},
	"sign in":              {},
	"log in":               {},
	"your cart":            {},
	"shopping cart":        {},
	"add to cart":          {},
	"add to basket":        {},
	"cookie settings":      {},
	"accept all cookies":   {},
	"load more":            {},
	"show more":            {},
	"next page":            {},
	"previous page":        {},
	"back to top":          {},
	"free shipping":        {},
}

var (
	priceRe    = regexp.MustCompile(`(?:([A-Z]{3})\s*)?([$€£¥₹])?\s*([0-9][0-9.,\s]*[0-9]|[0-9])(?:\s*([A-Z]{3}))?`)
	codeRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{1,63}$`)
	whitespace = regexp.MustCompile(`\s+`)
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
}

// ValidTitle reports whether a string is plausibly a product title:
// non-empty after normalization, under the length ceiling, and not on the
// known-chrome-text denylist.
func ValidTitle(title string, maxLen int) bool {
	normalized := NormalizeSpace(title)
	if normalized == "" {
		return false
	}
	if maxLen > 0 && len(normalized) > maxLen {
		return false
	}
	if _, denied := chromeTextDenylist[strings.ToLower(normalized)]; denied {
		return false
	}
	// A title that is purely punctuation or digits is navigation chrome
	// or a misread badge, not a product name.
	hasLetter := false
	for _, r := range normalized {
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || r > 127 {
			hasLetter = true
			break
		}
	}
	return hasLetter
}

// ValidItemCode reports whether a string looks like a retailer-assigned
// item code.
func ValidItemCode(code string) bool {
	return codeRe.MatchString(strings.TrimSpace(code))
}

// ValidPrice reports whether a price is plausible: positive and under the
// configured ceiling.
func ValidPrice(p catalog.Price, maxAmount float64) bool {
	if p.Amount <= 0 {
		return false
	}
	if maxAmount > 0 && p.Amount > maxAmount {
		return false
	}
	return true
}

// ParsePrice extracts a price from free text, handling currency symbols,
// ISO codes, thousands separators and European decimal commas. The empty
// Price and false are returned when nothing parses.
func ParsePrice(text string) (catalog.Price, bool) {
	m := priceRe.FindStringSubmatch(NormalizeSpace(text))
	if m == nil {
		return catalog.Price{}, false
	}

	currency := m[1]
	if currency == "" && m[4] != "" {
		currency = m[4]
	}
	if currency == "" && m[2] != "" {
		currency = currencySymbols[m[2]]
	}

	amount, ok := parseAmount(m[3])
	if !ok {
		return catalog.Price{}, false
	}
	return catalog.Price{Amount: amount, Currency: currency}, true
}

// parseAmount normalizes digit grouping: "1,299.99", "1.299,99" and
// "1 299,99" all yield 1299.99.
func parseAmount(raw string) (float64, bool) {
	s := strings.ReplaceAll(raw, " ", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// European style: dot groups, comma decimal.
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// A single comma followed by exactly two digits is a decimal
		// mark; anything else is grouping.
		if len(s)-lastComma-1 == 2 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseStockStatus maps free text to a stock status.
func ParseStockStatus(text string) catalog.StockStatus {
	lower := strings.ToLower(NormalizeSpace(text))
	switch {
	case lower == "":
		return catalog.StockUnknown
	case strings.Contains(lower, "out of stock"), strings.Contains(lower, "sold out"),
		strings.Contains(lower, "unavailable"):
		return catalog.StockOutOfStock
	case strings.Contains(lower, "low stock"), strings.Contains(lower, "only"),
		strings.Contains(lower, "limited"):
		return catalog.StockLimited
	case strings.Contains(lower, "in stock"), strings.Contains(lower, "available"),
		strings.Contains(lower, "add to cart"):
		return catalog.StockInStock
	default:
		return catalog.StockUnknown
	}
}

// NormalizeSpace collapses runs of whitespace and trims the result.
func NormalizeSpace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
