package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FranksOps/bazaar/internal/record"
)

// ensure PostgresWriter implements Writer
var _ Writer = (*PostgresWriter)(nil)

// writeChunkSize bounds rows per INSERT so a flush never exceeds the
// parameter limit of the wire protocol.
const writeChunkSize = 100

const catalogSchema = `
CREATE TABLE IF NOT EXISTS categories (
	id BIGINT PRIMARY KEY,
	source TEXT NOT NULL,
	title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sellers (
	id BIGINT PRIMARY KEY,
	source TEXT NOT NULL,
	title TEXT NOT NULL,
	link TEXT,
	rating DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	order_count INTEGER NOT NULL DEFAULT 0,
	total_products INTEGER NOT NULL DEFAULT 0,
	is_official BOOLEAN NOT NULL DEFAULT FALSE,
	registered_at TIMESTAMPTZ,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id BIGINT PRIMARY KEY,
	source TEXT NOT NULL,
	title TEXT NOT NULL,
	title_ru TEXT,
	title_uz TEXT,
	category_id BIGINT,
	seller_id BIGINT,
	rating DOUBLE PRECISION NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	order_count INTEGER NOT NULL DEFAULT 0,
	is_available BOOLEAN NOT NULL DEFAULT TRUE,
	total_stock INTEGER NOT NULL DEFAULT 0,
	description TEXT,
	photos TEXT[],
	attributes JSONB,
	raw_data BYTEA,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS skus (
	id BIGINT PRIMARY KEY,
	product_id BIGINT NOT NULL,
	full_price BIGINT NOT NULL DEFAULT 0,
	purchase_price BIGINT NOT NULL DEFAULT 0,
	discount_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	stock INTEGER NOT NULL DEFAULT 0,
	barcode TEXT,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
	sku_id BIGINT NOT NULL,
	product_id BIGINT NOT NULL,
	full_price BIGINT NOT NULL,
	purchase_price BIGINT NOT NULL,
	stock INTEGER NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_sku ON price_history (sku_id, observed_at);

CREATE TABLE IF NOT EXISTS lots (
	id BIGINT PRIMARY KEY,
	display_no TEXT,
	status TEXT,
	start_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	deal_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	customer_name TEXT,
	provider_name TEXT,
	category_name TEXT,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	raw_data BYTEA,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lot_items (
	lot_id BIGINT NOT NULL,
	order_num INTEGER NOT NULL,
	product_name TEXT,
	quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
	price DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	country_name TEXT
);
CREATE INDEX IF NOT EXISTS idx_lot_items_lot ON lot_items (lot_id);
`

// PostgresWriter bulk-upserts record batches into Postgres. Each WriteAll
// call runs in a single transaction.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter connects, verifies the connection and ensures the
// catalog schema.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, catalogSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresWriter{pool: pool}, nil
}

// WriteAll applies every batch inside one transaction, chunking large
// batches into multi-row statements.
func (w *PostgresWriter) WriteAll(ctx context.Context, batches []TableBatch) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, batch := range batches {
		if err := w.writeBatch(ctx, tx, batch); err != nil {
			return fmt.Errorf("write %s: %w", batch.Statement.Table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func (w *PostgresWriter) writeBatch(ctx context.Context, tx pgx.Tx, batch TableBatch) error {
	for start := 0; start < len(batch.Records); start += writeChunkSize {
		end := start + writeChunkSize
		if end > len(batch.Records) {
			end = len(batch.Records)
		}
		query, args := upsertQuery(batch.Statement, batch.Records[start:end])
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// upsertQuery renders one multi-row INSERT for a chunk. Non-append-only
// kinds upsert on the primary key; append-only kinds insert plainly.
func upsertQuery(stmt record.Statement, recs []record.Record) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(recs)*len(stmt.Columns))

	b.WriteString("INSERT INTO ")
	b.WriteString(stmt.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(stmt.Columns, ", "))
	b.WriteString(") VALUES ")

	param := 1
	for i, r := range recs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		values := r.Values()
		for j, col := range stmt.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", param)
			args = append(args, values[col])
			param++
		}
		b.WriteByte(')')
	}

	if stmt.AppendOnly {
		return b.String(), args
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", stmt.PrimaryKey)
	if len(stmt.UpdateColumns) == 0 {
		b.WriteString("NOTHING")
		return b.String(), args
	}

	b.WriteString("UPDATE SET ")
	for i, col := range stmt.UpdateColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", col, col)
	}

	return b.String(), args
}
