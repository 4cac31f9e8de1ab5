package engine

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/FranksOps/bazaar/internal/discovery"
	"github.com/FranksOps/bazaar/internal/fetch"
	"github.com/FranksOps/bazaar/internal/record"
)

// ParseFunc turns a fetched payload into persistable records.
type ParseFunc func(p *fetch.Payload) ([]record.Record, error)

// Source bundles everything endpoint-specific about one marketplace: URL
// templates, default category seeds, the page extraction rules and the
// payload parser. Everything else in the engine is source-agnostic.
type Source struct {
	Name string
	// ItemURL renders the detail endpoint for a numeric id.
	ItemURL func(id int64) string
	// PageURL renders one page of a category listing.
	PageURL func(cat discovery.Category, page int) string
	// SitemapURL seeds the category walk when set.
	SitemapURL string
	// CategoryPattern matches category URLs in sitemaps and pages.
	CategoryPattern *regexp.Regexp
	// Seeds are the fallback walk roots when no sitemap is configured.
	Seeds []discovery.Category

	Extractor *discovery.PageExtractor
	Parse     ParseFunc
	Headers   map[string]string
}

// Lookup returns the named source.
func Lookup(name string) (*Source, error) {
	s, ok := sources[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// Names lists the registered sources.
func Names() []string {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	return names
}

var sources = map[string]*Source{
	"uzum": newUzumSource(),
	"uzex": newUzexSource(),
	"olx":  newOlxSource(),
}

// --- uzum ---

func newUzumSource() *Source {
	itemPattern := regexp.MustCompile(`/product/[^/]*-(\d+)`)
	categoryPattern := regexp.MustCompile(`/category/([a-z0-9-]+-\d+)`)
	itemURL := func(id int64) string {
		return fmt.Sprintf("https://api.uzum.uz/api/v2/product/%d", id)
	}

	return &Source{
		Name:            "uzum",
		ItemURL:         itemURL,
		SitemapURL:      "https://uzum.uz/sitemap.xml",
		CategoryPattern: categoryPattern,
		PageURL: func(cat discovery.Category, page int) string {
			return fmt.Sprintf("%s?page=%d", cat.URL, page)
		},
		Extractor: &discovery.PageExtractor{
			State: []discovery.StateRule{{
				Marker:   "__NEXT_DATA__",
				ListKeys: []string{"products", "items"},
				IDKey:    "productId",
			}, {
				Marker:   "__NEXT_DATA__",
				ListKeys: []string{"products", "items"},
				IDKey:    "id",
			}},
			ItemPatterns:     []*regexp.Regexp{itemPattern},
			CategoryPatterns: []*regexp.Regexp{categoryPattern},
			ItemURL: func(id string) string {
				n, err := strconv.ParseInt(id, 10, 64)
				if err != nil {
					return ""
				}
				return itemURL(n)
			},
		},
		Parse: parseUzumProduct,
		Headers: map[string]string{
			"Accept-Language": "ru-RU",
			"X-Iid":           "web",
		},
	}
}

type uzumProduct struct {
	Payload struct {
		Data struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`

			LocalizableTitle struct {
				Ru string `json:"ru"`
				Uz string `json:"uz"`
			} `json:"localizableTitle"`

			Category struct {
				ID    int64  `json:"id"`
				Title string `json:"title"`
			} `json:"category"`

			Seller struct {
				ID               int64   `json:"id"`
				Title            string  `json:"title"`
				Link             string  `json:"link"`
				Rating           float64 `json:"rating"`
				Reviews          int     `json:"reviews"`
				Orders           int     `json:"ordersAmount"`
				TotalProducts    int     `json:"totalProducts"`
				Official         bool    `json:"official"`
				RegistrationDate int64   `json:"registrationDate"`
			} `json:"seller"`

			Rating               float64 `json:"rating"`
			ReviewsAmount        int     `json:"reviewsAmount"`
			OrdersAmount         int     `json:"ordersAmount"`
			TotalAvailableAmount int     `json:"totalAvailableAmount"`
			Available            bool    `json:"isEligibleForPurchase"`
			Description          string  `json:"description"`

			Attributes []struct {
				Title string `json:"title"`
				Value string `json:"value"`
			} `json:"attributes"`

			Photos []struct {
				Photo map[string]struct {
					High string `json:"high"`
					Low  string `json:"low"`
				} `json:"photo"`
			} `json:"photos"`

			SKUList []struct {
				ID              int64   `json:"id"`
				FullPrice       int64   `json:"fullPrice"`
				PurchasePrice   int64   `json:"purchasePrice"`
				DiscountPercent float64 `json:"discountPercent"`
				AvailableAmount int     `json:"availableAmount"`
				Barcode         string  `json:"barcode"`
			} `json:"skuList"`
		} `json:"data"`
	} `json:"payload"`
}

func parseUzumProduct(p *fetch.Payload) ([]record.Record, error) {
	var resp uzumProduct
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode uzum product: %w", err)
	}
	data := resp.Payload.Data
	if data.ID == 0 {
		return nil, fmt.Errorf("uzum product %s: empty payload", p.Target.ID)
	}

	attrs := make(map[string]any, len(data.Attributes))
	for _, a := range data.Attributes {
		attrs[a.Title] = a.Value
	}

	var photos []string
	for _, ph := range data.Photos {
		best := ""
		for _, size := range []string{"800", "540", "240"} {
			if v, ok := ph.Photo[size]; ok && v.High != "" {
				best = v.High
				break
			}
		}
		if best != "" {
			photos = append(photos, best)
		}
	}

	recs := []record.Record{
		&record.Category{ID: data.Category.ID, Source: "uzum", Title: data.Category.Title},
		&record.Seller{
			ID:            data.Seller.ID,
			Source:        "uzum",
			Title:         data.Seller.Title,
			Link:          data.Seller.Link,
			Rating:        data.Seller.Rating,
			ReviewCount:   data.Seller.Reviews,
			OrderCount:    data.Seller.Orders,
			TotalProducts: data.Seller.TotalProducts,
			Official:      data.Seller.Official,
			RegisteredAt:  time.UnixMilli(data.Seller.RegistrationDate).UTC(),
			SeenAt:        p.FetchedAt,
		},
		&record.Product{
			ID:          data.ID,
			Source:      "uzum",
			Title:       data.Title,
			TitleRu:     data.LocalizableTitle.Ru,
			TitleUz:     data.LocalizableTitle.Uz,
			CategoryID:  data.Category.ID,
			SellerID:    data.Seller.ID,
			Rating:      data.Rating,
			ReviewCount: data.ReviewsAmount,
			OrderCount:  data.OrdersAmount,
			Available:   data.Available,
			TotalStock:  data.TotalAvailableAmount,
			Description: data.Description,
			Photos:      photos,
			Attributes:  attrs,
			RawData:     p.Body,
			SeenAt:      p.FetchedAt,
		},
	}

	for _, sku := range data.SKUList {
		recs = append(recs,
			&record.SKU{
				ID:              sku.ID,
				ProductID:       data.ID,
				FullPrice:       sku.FullPrice,
				PurchasePrice:   sku.PurchasePrice,
				DiscountPercent: sku.DiscountPercent,
				Stock:           sku.AvailableAmount,
				Barcode:         sku.Barcode,
				SeenAt:          p.FetchedAt,
			},
			&record.PriceSample{
				SKUID:         sku.ID,
				ProductID:     data.ID,
				FullPrice:     sku.FullPrice,
				PurchasePrice: sku.PurchasePrice,
				Stock:         sku.AvailableAmount,
				ObservedAt:    p.FetchedAt,
			})
	}

	return recs, nil
}

// --- uzex ---

func newUzexSource() *Source {
	return &Source{
		Name: "uzex",
		ItemURL: func(id int64) string {
			return fmt.Sprintf("https://exarid.uzex.uz/api/v1/lot/%d", id)
		},
		Parse: parseUzexLot,
		Headers: map[string]string{
			"Accept": "application/json",
		},
	}
}

type uzexLot struct {
	Data struct {
		LotID        int64   `json:"lot_id"`
		DisplayNo    string  `json:"lot_display_no"`
		StatusName   string  `json:"status_name"`
		StartCost    float64 `json:"start_cost"`
		DealCost     float64 `json:"deal_cost"`
		CustomerName string  `json:"customer_name"`
		ProviderName string  `json:"provider_name"`
		CategoryName string  `json:"category_name"`
		DateStart    string  `json:"date_start"`
		DateFinish   string  `json:"date_finish"`

		Products []struct {
			OrderNum    int     `json:"order_num"`
			ProductName string  `json:"product_name"`
			Quantity    float64 `json:"quantity"`
			Price       float64 `json:"price"`
			Cost        float64 `json:"cost"`
			CountryName string  `json:"country_name"`
		} `json:"products"`
	} `json:"data"`
}

func parseUzexLot(p *fetch.Payload) ([]record.Record, error) {
	var resp uzexLot
	if err := json.Unmarshal(p.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode uzex lot: %w", err)
	}
	data := resp.Data
	if data.LotID == 0 {
		return nil, fmt.Errorf("uzex lot %s: empty payload", p.Target.ID)
	}

	recs := []record.Record{&record.Lot{
		ID:           data.LotID,
		DisplayNo:    data.DisplayNo,
		Status:       data.StatusName,
		StartCost:    data.StartCost,
		DealCost:     data.DealCost,
		CustomerName: data.CustomerName,
		ProviderName: data.ProviderName,
		CategoryName: data.CategoryName,
		StartedAt:    parseUzexTime(data.DateStart),
		EndedAt:      parseUzexTime(data.DateFinish),
		RawData:      p.Body,
		SeenAt:       p.FetchedAt,
	}}

	for _, item := range data.Products {
		recs = append(recs, &record.LotItem{
			LotID:       data.LotID,
			OrderNum:    item.OrderNum,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       item.Price,
			Cost:        item.Cost,
			CountryName: item.CountryName,
		})
	}

	return recs, nil
}

func parseUzexTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "02.01.2006 15:04:05", "02.01.2006"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// --- olx ---

func newOlxSource() *Source {
	itemPattern := regexp.MustCompile(`/d/obyavlenie/[^"]*-ID([A-Za-z0-9]+)\.html`)
	categoryPattern := regexp.MustCompile(`olx\.uz/([a-z-]+)/$`)

	return &Source{
		Name: "olx",
		PageURL: func(cat discovery.Category, page int) string {
			if page == 1 {
				return cat.URL
			}
			return fmt.Sprintf("%s?page=%d", cat.URL, page)
		},
		CategoryPattern: categoryPattern,
		Seeds: []discovery.Category{
			{ID: "elektronika", Name: "Электроника", URL: "https://www.olx.uz/elektronika/"},
			{ID: "dom-i-sad", Name: "Дом и сад", URL: "https://www.olx.uz/dom-i-sad/"},
			{ID: "moda-i-stil", Name: "Мода и стиль", URL: "https://www.olx.uz/moda-i-stil/"},
		},
		Extractor: &discovery.PageExtractor{
			State: []discovery.StateRule{{
				Marker:   "__PRERENDERED_STATE__",
				ListKeys: []string{"ads", "items"},
				IDKey:    "id",
			}},
			ItemPatterns:     []*regexp.Regexp{itemPattern},
			CategoryPatterns: []*regexp.Regexp{categoryPattern},
		},
		Parse: parseOlxListing,
	}
}

// numericID maps a source id into the product id space: numeric ids pass
// through, anything else hashes. OLX ad ids are alphanumeric.
func numericID(raw string) int64 {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(raw))
	return int64(h.Sum64() & math.MaxInt64)
}

// parseOlxListing reads the ld+json Product block of a listing page.
func parseOlxListing(p *fetch.Payload) ([]record.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(p.Body)))
	if err != nil {
		return nil, fmt.Errorf("parse olx listing: %w", err)
	}

	var block struct {
		Type   string `json:"@type"`
		Name   string `json:"name"`
		SKU    string `json:"sku"`
		Offers struct {
			Price         json.Number `json:"price"`
			Availability  string      `json:"availability"`
			PriceCurrency string      `json:"priceCurrency"`
		} `json:"offers"`
	}

	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var probe struct {
			Type string `json:"@type"`
		}
		raw := s.Text()
		if err := json.Unmarshal([]byte(raw), &probe); err != nil || probe.Type != "Product" {
			return true
		}
		if err := json.Unmarshal([]byte(raw), &block); err != nil {
			return true
		}
		found = true
		return false
	})
	if !found {
		return nil, fmt.Errorf("olx listing %s: no product block", p.Target.ID)
	}

	id := numericID(p.Target.ID)

	price, _ := block.Offers.Price.Float64()
	product := &record.Product{
		ID:        id,
		Source:    "olx",
		Title:     block.Name,
		Available: strings.Contains(block.Offers.Availability, "InStock"),
		RawData:   p.Body,
		SeenAt:    p.FetchedAt,
	}

	recs := []record.Record{product}
	if price > 0 {
		recs = append(recs,
			&record.SKU{
				ID:            id,
				ProductID:     id,
				FullPrice:     int64(price),
				PurchasePrice: int64(price),
				Stock:         1,
				SeenAt:        p.FetchedAt,
			},
			&record.PriceSample{
				SKUID:         id,
				ProductID:     id,
				FullPrice:     int64(price),
				PurchasePrice: int64(price),
				Stock:         1,
				ObservedAt:    p.FetchedAt,
			})
	}
	return recs, nil
}
