package catalog

import "testing"

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://Shop.Example/p/alpha/", "https://shop.example/p/alpha"},
		{"https://shop.example/p/alpha?utm_source=feed&size=9", "https://shop.example/p/alpha?size=9"},
		{"https://shop.example/p/alpha?gclid=abc#reviews", "https://shop.example/p/alpha"},
		{"HTTPS://shop.example/p/alpha", "https://shop.example/p/alpha"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, in := range []string{"", "/p/alpha", "not a url\x7f://"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Errorf("NormalizeURL(%q) should fail", in)
		}
	}
}

func TestIdentityPrefersItemCode(t *testing.T) {
	item := CatalogItem{ItemCode: "SKU-1001", SourceURL: "https://shop.example/p/alpha"}
	if got := item.Identity(); got != "SKU-1001" {
		t.Errorf("Identity = %q", got)
	}

	item.ItemCode = ""
	if got := item.Identity(); got != "https://shop.example/p/alpha" {
		t.Errorf("Identity without code = %q", got)
	}
}

func TestHasField(t *testing.T) {
	item := CatalogItem{
		Title:       "Alpha Widget",
		Price:       Price{Amount: 19.99, Currency: "USD"},
		StockStatus: StockUnknown,
	}
	if !item.HasField(FieldTitle) || !item.HasField(FieldPrice) {
		t.Error("populated fields should report true")
	}
	if item.HasField(FieldSourceURL) || item.HasField(FieldImageURLs) {
		t.Error("absent fields should report false")
	}
	// Unknown is the zero state, not a value.
	if item.HasField(FieldStockStatus) {
		t.Error("unknown stock status is not a populated field")
	}
}

func TestPriceString(t *testing.T) {
	if got := (Price{}).String(); got != "-" {
		t.Errorf("zero price = %q", got)
	}
	if got := (Price{Amount: 19.99, Currency: "USD"}).String(); got != "19.99 USD" {
		t.Errorf("price string = %q", got)
	}
}

func TestOrderedTiersAscendCost(t *testing.T) {
	tiers := OrderedTiers()
	want := []ExtractionTier{TierProxyFetch, TierStructuralOnly, TierBrowserRender, TierVisualFallback}
	if len(tiers) != len(want) {
		t.Fatalf("got %d tiers", len(tiers))
	}
	for i := range want {
		if tiers[i] != want[i] {
			t.Errorf("tier %d = %s, want %s", i, tiers[i], want[i])
		}
	}
	for _, tier := range tiers {
		if !IsValidTier(tier) {
			t.Errorf("tier %s should be valid", tier)
		}
	}
	if IsValidTier("carrier_pigeon") {
		t.Error("unknown tier should be invalid")
	}
}

func TestChangeDecisionIsNew(t *testing.T) {
	if !DecisionNewHighConfidence.IsNew() || !DecisionNewUncertain.IsNew() {
		t.Error("new decisions should report IsNew")
	}
	if DecisionExistingUnchanged.IsNew() || DecisionExistingUpdated.IsNew() {
		t.Error("existing decisions should not report IsNew")
	}
}
