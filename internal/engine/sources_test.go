package engine

import (
	"testing"
	"time"

	"github.com/FranksOps/bazaar/internal/fetch"
	"github.com/FranksOps/bazaar/internal/record"
)

func payload(id, body string) *fetch.Payload {
	return &fetch.Payload{
		Target:     fetch.Target{ID: id, URL: "https://example.test/" + id},
		StatusCode: 200,
		Body:       []byte(body),
		FetchedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"uzum", "UZUM", "uzex", "olx"} {
		if _, err := Lookup(name); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}
	if _, err := Lookup("wildberries"); err == nil {
		t.Error("expected error for unregistered source")
	}
}

const uzumFixture = `{
  "payload": {
    "data": {
      "id": 123456,
      "title": "Смартфон Test X",
      "localizableTitle": {"ru": "Смартфон Test X", "uz": "Smartfon Test X"},
      "category": {"id": 10, "title": "Смартфоны"},
      "seller": {
        "id": 777, "title": "TechStore", "link": "techstore", "rating": 4.8,
        "reviews": 950, "ordersAmount": 12000, "totalProducts": 340,
        "official": true, "registrationDate": 1609459200000
      },
      "rating": 4.6, "reviewsAmount": 210, "ordersAmount": 3400,
      "totalAvailableAmount": 55, "isEligibleForPurchase": true,
      "description": "desc",
      "attributes": [{"title": "Цвет", "value": "чёрный"}],
      "photos": [{"photo": {"800": {"high": "https://img.test/800.jpg"}}}],
      "skuList": [
        {"id": 900001, "fullPrice": 3500000, "purchasePrice": 2990000,
         "discountPercent": 15, "availableAmount": 30, "barcode": "478000001"},
        {"id": 900002, "fullPrice": 3600000, "purchasePrice": 3100000,
         "discountPercent": 14, "availableAmount": 25, "barcode": "478000002"}
      ]
    }
  }
}`

func TestParseUzumProduct(t *testing.T) {
	recs, err := parseUzumProduct(payload("123456", uzumFixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// category + seller + product + 2×(sku + sample)
	if len(recs) != 7 {
		t.Fatalf("got %d records, want 7", len(recs))
	}

	cat, ok := recs[0].(*record.Category)
	if !ok || cat.ID != 10 || cat.Source != "uzum" {
		t.Errorf("category = %+v", recs[0])
	}

	seller, ok := recs[1].(*record.Seller)
	if !ok || seller.ID != 777 || !seller.Official {
		t.Errorf("seller = %+v", recs[1])
	}
	if seller.RegisteredAt.Year() != 2021 {
		t.Errorf("registered at = %v", seller.RegisteredAt)
	}

	product, ok := recs[2].(*record.Product)
	if !ok {
		t.Fatalf("record 2 is %T", recs[2])
	}
	if product.ID != 123456 || product.CategoryID != 10 || product.SellerID != 777 {
		t.Errorf("product = %+v", product)
	}
	if product.TitleUz != "Smartfon Test X" {
		t.Errorf("title uz = %q", product.TitleUz)
	}
	if len(product.Photos) != 1 || product.Photos[0] != "https://img.test/800.jpg" {
		t.Errorf("photos = %v", product.Photos)
	}
	if product.Attributes["Цвет"] != "чёрный" {
		t.Errorf("attributes = %v", product.Attributes)
	}

	sku, ok := recs[3].(*record.SKU)
	if !ok || sku.ID != 900001 || sku.ProductID != 123456 || sku.PurchasePrice != 2990000 {
		t.Errorf("sku = %+v", recs[3])
	}
	sample, ok := recs[4].(*record.PriceSample)
	if !ok || sample.SKUID != 900001 || sample.ObservedAt.IsZero() {
		t.Errorf("sample = %+v", recs[4])
	}
}

func TestParseUzumProductEmptyPayload(t *testing.T) {
	if _, err := parseUzumProduct(payload("1", `{"payload": {"data": {}}}`)); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := parseUzumProduct(payload("1", `not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}

const uzexFixture = `{
  "data": {
    "lot_id": 555001,
    "lot_display_no": "22005678",
    "status_name": "Завершён",
    "start_cost": 12000000,
    "deal_cost": 10500000,
    "customer_name": "Городская больница №4",
    "provider_name": "OOO Med Supply",
    "category_name": "Медикаменты",
    "date_start": "2026-05-10T09:00:00",
    "date_finish": "2026-05-12T18:00:00",
    "products": [
      {"order_num": 1, "product_name": "Перчатки", "quantity": 5000,
       "price": 1200, "cost": 6000000, "country_name": "Узбекистан"},
      {"order_num": 2, "product_name": "Маски", "quantity": 9000,
       "price": 500, "cost": 4500000, "country_name": "Китай"}
    ]
  }
}`

func TestParseUzexLot(t *testing.T) {
	recs, err := parseUzexLot(payload("555001", uzexFixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want lot + 2 items", len(recs))
	}

	lot, ok := recs[0].(*record.Lot)
	if !ok || lot.ID != 555001 || lot.DealCost != 10500000 {
		t.Errorf("lot = %+v", recs[0])
	}
	if lot.StartedAt.IsZero() || lot.EndedAt.IsZero() {
		t.Errorf("lot dates not parsed: %v / %v", lot.StartedAt, lot.EndedAt)
	}

	item, ok := recs[1].(*record.LotItem)
	if !ok || item.LotID != 555001 || item.OrderNum != 1 || item.Quantity != 5000 {
		t.Errorf("lot item = %+v", recs[1])
	}
}

const olxFixture = `<html><head>
<script type="application/ld+json">{"@context": "http://schema.org", "@type": "BreadcrumbList"}</script>
<script type="application/ld+json">{
  "@type": "Product",
  "name": "Велосипед горный",
  "sku": "ID8abc12",
  "offers": {"price": "1500000", "priceCurrency": "UZS", "availability": "http://schema.org/InStock"}
}</script>
</head><body></body></html>`

func TestParseOlxListing(t *testing.T) {
	recs, err := parseOlxListing(payload("8abc12", olxFixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want product + sku + sample", len(recs))
	}

	product, ok := recs[0].(*record.Product)
	if !ok || product.Source != "olx" || product.Title != "Велосипед горный" {
		t.Errorf("product = %+v", recs[0])
	}
	if !product.Available {
		t.Error("InStock listing not available")
	}

	sku, ok := recs[1].(*record.SKU)
	if !ok || sku.FullPrice != 1500000 {
		t.Errorf("sku = %+v", recs[1])
	}
}

func TestParseOlxListingNoProductBlock(t *testing.T) {
	if _, err := parseOlxListing(payload("1", "<html><body>nothing</body></html>")); err == nil {
		t.Error("expected error when no product block present")
	}
}

func TestNumericID(t *testing.T) {
	if got := numericID("12345"); got != 12345 {
		t.Errorf("numeric id = %d", got)
	}
	hashed := numericID("8abc12")
	if hashed <= 0 {
		t.Errorf("hashed id = %d, want positive", hashed)
	}
	if hashed != numericID("8abc12") {
		t.Error("hash not deterministic")
	}
}
