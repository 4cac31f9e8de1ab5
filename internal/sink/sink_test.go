package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FranksOps/bazaar/internal/record"
)

// fakeWriter records every WriteAll call and fails the first failures calls
// with failErr.
type fakeWriter struct {
	mu       sync.Mutex
	calls    [][]TableBatch
	failures int
	failErr  error
}

func (f *fakeWriter) WriteAll(ctx context.Context, batches []TableBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, batches)
	if f.failures > 0 {
		f.failures--
		return f.failErr
	}
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWriter) lastCall() []TableBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func product(id int64, title string) *record.Product {
	return &record.Product{ID: id, Source: "test", Title: title, SeenAt: time.Now()}
}

func newTestSink(w Writer) *Sink {
	return New(Config{
		Scope:          "test:sink",
		FlushThreshold: 1000,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, w, nil)
}

func TestSinkLastWriteWins(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)
	ctx := context.Background()

	if err := s.Add(ctx, product(1, "first"), product(1, "second")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.Size() != 1 {
		t.Fatalf("size = %d, want 1 after dedup", s.Size())
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	batches := w.lastCall()
	if len(batches) != 1 || len(batches[0].Records) != 1 {
		t.Fatalf("unexpected batches: %+v", batches)
	}
	if got := batches[0].Records[0].(*record.Product).Title; got != "second" {
		t.Errorf("flushed title = %q, want later write", got)
	}
	if s.Size() != 0 {
		t.Errorf("size = %d after flush, want 0", s.Size())
	}
}

func TestSinkAppendOnlyKeysAreDistinct(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		sample := &record.PriceSample{SKUID: 7, FullPrice: int64(100 + i), ObservedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Add(ctx, sample); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if s.Size() != 3 {
		t.Errorf("size = %d, want 3 distinct samples", s.Size())
	}
}

func TestSinkAutoFlushAtThreshold(t *testing.T) {
	w := &fakeWriter{}
	s := New(Config{FlushThreshold: 5, MaxRetries: 1, InitialBackoff: time.Millisecond}, w, nil)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		if err := s.Add(ctx, product(i, "p")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if w.callCount() != 0 {
		t.Fatalf("flushed before threshold")
	}

	if err := s.Add(ctx, product(5, "p")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if w.callCount() != 1 {
		t.Errorf("writer called %d times, want 1 at threshold", w.callCount())
	}
	if s.Size() != 0 {
		t.Errorf("size = %d after auto flush", s.Size())
	}
}

func TestSinkRetriesContention(t *testing.T) {
	w := &fakeWriter{failures: 2, failErr: &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}}
	s := newTestSink(w)
	ctx := context.Background()

	if err := s.Add(ctx, product(1, "p")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.callCount() != 3 {
		t.Errorf("writer called %d times, want 3 (2 deadlocks + success)", w.callCount())
	}
	if s.Size() != 0 {
		t.Errorf("size = %d, want 0 after eventual success", s.Size())
	}
}

func TestSinkKeepsBufferWhenRetriesExhausted(t *testing.T) {
	w := &fakeWriter{failures: 99, failErr: errors.New("deadlock detected")}
	s := newTestSink(w)
	ctx := context.Background()

	if err := s.Add(ctx, product(1, "p"), product(2, "q")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := s.Flush(ctx)
	if err == nil {
		t.Fatal("expected flush failure")
	}
	if s.Size() != 2 {
		t.Errorf("size = %d, want 2 (buffer preserved)", s.Size())
	}
	if w.callCount() != 3 {
		t.Errorf("writer called %d times, want MaxRetries", w.callCount())
	}
}

func TestSinkNonContentionFailsFast(t *testing.T) {
	w := &fakeWriter{failures: 99, failErr: errors.New("syntax error")}
	s := newTestSink(w)
	ctx := context.Background()

	if err := s.Add(ctx, product(1, "p")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Flush(ctx); err == nil {
		t.Fatal("expected error")
	}
	if w.callCount() != 1 {
		t.Errorf("writer called %d times, want no retry on permanent error", w.callCount())
	}
	if s.Size() != 1 {
		t.Errorf("size = %d, want buffer intact", s.Size())
	}
}

func TestSinkFlushOrdersByRank(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSink(w)
	ctx := context.Background()

	sku := &record.SKU{ID: 9, ProductID: 1, SeenAt: time.Now()}
	cat := &record.Category{ID: 3, Source: "test", Title: "phones"}
	if err := s.Add(ctx, sku, product(1, "p"), cat); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	batches := w.lastCall()
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	order := []string{batches[0].Statement.Table, batches[1].Statement.Table, batches[2].Statement.Table}
	want := []string{"categories", "products", "skus"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("flush order = %v, want %v", order, want)
		}
	}
}

func TestRetryDelayIncreases(t *testing.T) {
	s := New(Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Hour}, &fakeWriter{}, nil)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := s.retryDelay(attempt)
		if d <= prev {
			t.Fatalf("delay at attempt %d = %v, not above previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestIsContention(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "55P03"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("database is locked"), true},
		{errors.New("connection refused"), false},
		{fmt.Errorf("flush: %w", errors.New("deadlock detected")), true},
	}
	for _, c := range cases {
		if got := IsContention(c.err); got != c.want {
			t.Errorf("IsContention(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestUpsertQuery(t *testing.T) {
	p := product(1, "p")
	query, args := upsertQuery(p.Statement(), []record.Record{p, product(2, "q")})

	if len(args) != 2*len(p.Statement().Columns) {
		t.Errorf("got %d args, want %d", len(args), 2*len(p.Statement().Columns))
	}
	for _, want := range []string{"INSERT INTO products", "ON CONFLICT (id) DO UPDATE SET", "title = EXCLUDED.title"} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}

	sample := &record.PriceSample{SKUID: 1, ObservedAt: time.Now()}
	query, _ = upsertQuery(sample.Statement(), []record.Record{sample})
	if strings.Contains(query, "ON CONFLICT") {
		t.Errorf("append-only query must not upsert:\n%s", query)
	}
}

func TestCSVWriterAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := NewCSVWriter(dir)
	if err != nil {
		t.Fatalf("NewCSVWriter: %v", err)
	}
	defer w.Close()

	p := product(1, "p")
	batch := TableBatch{Statement: p.Statement(), Records: []record.Record{p}}
	if err := w.WriteAll(context.Background(), []TableBatch{batch}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := w.WriteAll(context.Background(), []TableBatch{batch}); err != nil {
		t.Fatalf("WriteAll second: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "products.csv"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	// Header plus one row per WriteAll.
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0][0] != "id" {
		t.Errorf("header = %v", rows[0])
	}
}
