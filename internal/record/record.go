package record

import (
	"strconv"
	"time"
)

// Statement describes how a record kind is written to storage: the target
// table, its primary key, the full column set, and which columns are
// overwritten when a row with the same key already exists. AppendOnly kinds
// are inserted and never updated.
type Statement struct {
	Table         string
	PrimaryKey    string
	Columns       []string
	UpdateColumns []string
	AppendOnly    bool
	// Rank orders flushes across kinds so that referenced rows land before
	// the rows referencing them (categories and sellers before products,
	// products before SKUs).
	Rank int
}

// Record is a parsed domain entity pending persistence. Key returns the
// natural primary id in string form; Values returns the column map the
// Statement's Columns index into.
type Record interface {
	Key() string
	Statement() Statement
	Values() map[string]any
}

// Product is a marketplace catalog entry.
type Product struct {
	ID          int64
	Source      string
	Title       string
	TitleRu     string
	TitleUz     string
	CategoryID  int64
	SellerID    int64
	Rating      float64
	ReviewCount int
	OrderCount  int
	Available   bool
	TotalStock  int
	Description string
	Photos      []string
	Attributes  map[string]any
	RawData     []byte
	SeenAt      time.Time
}

var _ Record = (*Product)(nil)

func (p *Product) Key() string { return strconv.FormatInt(p.ID, 10) }

func (p *Product) Statement() Statement {
	return Statement{
		Table:      "products",
		PrimaryKey: "id",
		Columns: []string{
			"id", "source", "title", "title_ru", "title_uz", "category_id",
			"seller_id", "rating", "review_count", "order_count", "is_available",
			"total_stock", "description", "photos", "attributes", "raw_data",
			"last_seen_at",
		},
		UpdateColumns: []string{
			"title", "title_ru", "title_uz", "category_id", "seller_id",
			"rating", "review_count", "order_count", "is_available",
			"total_stock", "description", "photos", "attributes", "raw_data",
			"last_seen_at",
		},
		Rank: 2,
	}
}

func (p *Product) Values() map[string]any {
	return map[string]any{
		"id":           p.ID,
		"source":       p.Source,
		"title":        p.Title,
		"title_ru":     p.TitleRu,
		"title_uz":     p.TitleUz,
		"category_id":  p.CategoryID,
		"seller_id":    p.SellerID,
		"rating":       p.Rating,
		"review_count": p.ReviewCount,
		"order_count":  p.OrderCount,
		"is_available": p.Available,
		"total_stock":  p.TotalStock,
		"description":  p.Description,
		"photos":       p.Photos,
		"attributes":   p.Attributes,
		"raw_data":     p.RawData,
		"last_seen_at": p.SeenAt,
	}
}

// Seller is a marketplace merchant account.
type Seller struct {
	ID            int64
	Source        string
	Title         string
	Link          string
	Rating        float64
	ReviewCount   int
	OrderCount    int
	TotalProducts int
	Official      bool
	RegisteredAt  time.Time
	SeenAt        time.Time
}

var _ Record = (*Seller)(nil)

func (s *Seller) Key() string { return strconv.FormatInt(s.ID, 10) }

func (s *Seller) Statement() Statement {
	return Statement{
		Table:      "sellers",
		PrimaryKey: "id",
		Columns: []string{
			"id", "source", "title", "link", "rating", "review_count",
			"order_count", "total_products", "is_official", "registered_at",
			"last_seen_at",
		},
		UpdateColumns: []string{
			"title", "rating", "review_count", "order_count", "total_products",
			"is_official", "last_seen_at",
		},
		Rank: 1,
	}
}

func (s *Seller) Values() map[string]any {
	return map[string]any{
		"id":             s.ID,
		"source":         s.Source,
		"title":          s.Title,
		"link":           s.Link,
		"rating":         s.Rating,
		"review_count":   s.ReviewCount,
		"order_count":    s.OrderCount,
		"total_products": s.TotalProducts,
		"is_official":    s.Official,
		"registered_at":  s.RegisteredAt,
		"last_seen_at":   s.SeenAt,
	}
}

// SKU is a sellable variant of a product.
type SKU struct {
	ID              int64
	ProductID       int64
	FullPrice       int64
	PurchasePrice   int64
	DiscountPercent float64
	Stock           int
	Barcode         string
	SeenAt          time.Time
}

var _ Record = (*SKU)(nil)

func (s *SKU) Key() string { return strconv.FormatInt(s.ID, 10) }

func (s *SKU) Statement() Statement {
	return Statement{
		Table:      "skus",
		PrimaryKey: "id",
		Columns: []string{
			"id", "product_id", "full_price", "purchase_price",
			"discount_percent", "stock", "barcode", "last_seen_at",
		},
		UpdateColumns: []string{
			"full_price", "purchase_price", "discount_percent", "stock",
			"last_seen_at",
		},
		Rank: 3,
	}
}

func (s *SKU) Values() map[string]any {
	return map[string]any{
		"id":               s.ID,
		"product_id":       s.ProductID,
		"full_price":       s.FullPrice,
		"purchase_price":   s.PurchasePrice,
		"discount_percent": s.DiscountPercent,
		"stock":            s.Stock,
		"barcode":          s.Barcode,
		"last_seen_at":     s.SeenAt,
	}
}

// PriceSample is an append-only price observation for a SKU. Samples are
// never updated; the table is the price history log.
type PriceSample struct {
	SKUID         int64
	ProductID     int64
	FullPrice     int64
	PurchasePrice int64
	Stock         int
	ObservedAt    time.Time
}

var _ Record = (*PriceSample)(nil)

func (p *PriceSample) Key() string {
	return strconv.FormatInt(p.SKUID, 10) + "@" + p.ObservedAt.UTC().Format(time.RFC3339Nano)
}

func (p *PriceSample) Statement() Statement {
	return Statement{
		Table:      "price_history",
		PrimaryKey: "sku_id",
		Columns: []string{
			"sku_id", "product_id", "full_price", "purchase_price", "stock",
			"observed_at",
		},
		AppendOnly: true,
		Rank:       4,
	}
}

func (p *PriceSample) Values() map[string]any {
	return map[string]any{
		"sku_id":         p.SKUID,
		"product_id":     p.ProductID,
		"full_price":     p.FullPrice,
		"purchase_price": p.PurchasePrice,
		"stock":          p.Stock,
		"observed_at":    p.ObservedAt,
	}
}

// Category is a node of a source's category tree.
type Category struct {
	ID     int64
	Source string
	Title  string
}

var _ Record = (*Category)(nil)

func (c *Category) Key() string { return strconv.FormatInt(c.ID, 10) }

func (c *Category) Statement() Statement {
	return Statement{
		Table:         "categories",
		PrimaryKey:    "id",
		Columns:       []string{"id", "source", "title"},
		UpdateColumns: []string{"title"},
		Rank:          0,
	}
}

func (c *Category) Values() map[string]any {
	return map[string]any{"id": c.ID, "source": c.Source, "title": c.Title}
}

// Lot is a procurement auction lot.
type Lot struct {
	ID           int64
	DisplayNo    string
	Status       string
	StartCost    float64
	DealCost     float64
	CustomerName string
	ProviderName string
	CategoryName string
	StartedAt    time.Time
	EndedAt      time.Time
	RawData      []byte
	SeenAt       time.Time
}

var _ Record = (*Lot)(nil)

func (l *Lot) Key() string { return strconv.FormatInt(l.ID, 10) }

func (l *Lot) Statement() Statement {
	return Statement{
		Table:      "lots",
		PrimaryKey: "id",
		Columns: []string{
			"id", "display_no", "status", "start_cost", "deal_cost",
			"customer_name", "provider_name", "category_name", "started_at",
			"ended_at", "raw_data", "last_seen_at",
		},
		UpdateColumns: []string{
			"status", "deal_cost", "provider_name", "last_seen_at",
		},
		Rank: 5,
	}
}

func (l *Lot) Values() map[string]any {
	return map[string]any{
		"id":            l.ID,
		"display_no":    l.DisplayNo,
		"status":        l.Status,
		"start_cost":    l.StartCost,
		"deal_cost":     l.DealCost,
		"customer_name": l.CustomerName,
		"provider_name": l.ProviderName,
		"category_name": l.CategoryName,
		"started_at":    l.StartedAt,
		"ended_at":      l.EndedAt,
		"raw_data":      l.RawData,
		"last_seen_at":  l.SeenAt,
	}
}

// LotItem is a line item within a lot; append-only.
type LotItem struct {
	LotID       int64
	OrderNum    int
	ProductName string
	Quantity    float64
	Price       float64
	Cost        float64
	CountryName string
}

var _ Record = (*LotItem)(nil)

func (i *LotItem) Key() string {
	return strconv.FormatInt(i.LotID, 10) + "#" + strconv.Itoa(i.OrderNum)
}

func (i *LotItem) Statement() Statement {
	return Statement{
		Table:      "lot_items",
		PrimaryKey: "lot_id",
		Columns: []string{
			"lot_id", "order_num", "product_name", "quantity", "price",
			"cost", "country_name",
		},
		AppendOnly: true,
		Rank:       6,
	}
}

func (i *LotItem) Values() map[string]any {
	return map[string]any{
		"lot_id":       i.LotID,
		"order_num":    i.OrderNum,
		"product_name": i.ProductName,
		"quantity":     i.Quantity,
		"price":        i.Price,
		"cost":         i.Cost,
		"country_name": i.CountryName,
	}
}
