package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FranksOps/bazaar/internal/record"
)

// ensure SQLiteWriter implements Writer
var _ Writer = (*SQLiteWriter)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS categories (
	id INTEGER PRIMARY KEY,
	source TEXT NOT NULL,
	title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sellers (
	id INTEGER PRIMARY KEY,
	source TEXT NOT NULL,
	title TEXT NOT NULL,
	link TEXT,
	rating REAL NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	order_count INTEGER NOT NULL DEFAULT 0,
	total_products INTEGER NOT NULL DEFAULT 0,
	is_official INTEGER NOT NULL DEFAULT 0,
	registered_at TEXT,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY,
	source TEXT NOT NULL,
	title TEXT NOT NULL,
	title_ru TEXT,
	title_uz TEXT,
	category_id INTEGER,
	seller_id INTEGER,
	rating REAL NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	order_count INTEGER NOT NULL DEFAULT 0,
	is_available INTEGER NOT NULL DEFAULT 1,
	total_stock INTEGER NOT NULL DEFAULT 0,
	description TEXT,
	photos TEXT,
	attributes TEXT,
	raw_data BLOB,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS skus (
	id INTEGER PRIMARY KEY,
	product_id INTEGER NOT NULL,
	full_price INTEGER NOT NULL DEFAULT 0,
	purchase_price INTEGER NOT NULL DEFAULT 0,
	discount_percent REAL NOT NULL DEFAULT 0,
	stock INTEGER NOT NULL DEFAULT 0,
	barcode TEXT,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
	sku_id INTEGER NOT NULL,
	product_id INTEGER NOT NULL,
	full_price INTEGER NOT NULL,
	purchase_price INTEGER NOT NULL,
	stock INTEGER NOT NULL,
	observed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_sku ON price_history (sku_id, observed_at);

CREATE TABLE IF NOT EXISTS lots (
	id INTEGER PRIMARY KEY,
	display_no TEXT,
	status TEXT,
	start_cost REAL NOT NULL DEFAULT 0,
	deal_cost REAL NOT NULL DEFAULT 0,
	customer_name TEXT,
	provider_name TEXT,
	category_name TEXT,
	started_at TEXT,
	ended_at TEXT,
	raw_data BLOB,
	last_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lot_items (
	lot_id INTEGER NOT NULL,
	order_num INTEGER NOT NULL,
	product_name TEXT,
	quantity REAL NOT NULL DEFAULT 0,
	price REAL NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	country_name TEXT
);
CREATE INDEX IF NOT EXISTS idx_lot_items_lot ON lot_items (lot_id);
`

// SQLiteWriter persists record batches into a local SQLite file. The single
// writer connection sidesteps most of SQLite's lock contention; "database is
// locked" from a second process is still surfaced as retryable.
type SQLiteWriter struct {
	db *sql.DB
}

func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteWriter{db: db}, nil
}

// WriteAll applies every batch inside one transaction.
func (w *SQLiteWriter) WriteAll(ctx context.Context, batches []TableBatch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, batch := range batches {
		query := sqliteUpsert(batch.Statement)
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", batch.Statement.Table, err)
		}
		for _, r := range batch.Records {
			if _, err := stmt.ExecContext(ctx, sqliteArgs(batch.Statement, r)...); err != nil {
				stmt.Close()
				return fmt.Errorf("write %s: %w", batch.Statement.Table, err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) Close() error { return w.db.Close() }

func sqliteUpsert(stmt record.Statement) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(stmt.Columns)), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		stmt.Table, strings.Join(stmt.Columns, ", "), placeholders)

	if stmt.AppendOnly {
		return b.String()
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", stmt.PrimaryKey)
	if len(stmt.UpdateColumns) == 0 {
		b.WriteString("NOTHING")
		return b.String()
	}
	b.WriteString("UPDATE SET ")
	for i, col := range stmt.UpdateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", col, col)
	}
	return b.String()
}

// sqliteArgs flattens a record into driver-friendly values: times become
// RFC3339 strings, slices and maps become JSON.
func sqliteArgs(stmt record.Statement, r record.Record) []any {
	values := r.Values()
	args := make([]any, len(stmt.Columns))
	for i, col := range stmt.Columns {
		args[i] = sqliteValue(values[col])
	}
	return args
}

func sqliteValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	case []string, map[string]any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(raw)
	default:
		return v
	}
}
