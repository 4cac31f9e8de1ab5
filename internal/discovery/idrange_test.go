package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/bazaar/internal/checkpoint"
	"github.com/FranksOps/bazaar/internal/fetch"
)

func newScanManager(t *testing.T) *checkpoint.Manager {
	t.Helper()
	scope := checkpoint.Scope{Source: "test", Job: "scan"}
	return checkpoint.NewManager(scope, checkpoint.NewMemoryStore(), t.TempDir(), nil)
}

func newScanFetcher(t *testing.T) *fetch.Fetcher {
	t.Helper()
	f, err := fetch.New(fetch.Config{Source: "test", Concurrency: 20, MaxAttempts: 1}, nil)
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	return f
}

// itemServer answers 200 for ids in exists and 404 for everything else,
// recording which ids were requested.
func itemServer(t *testing.T, exists map[int64]bool) (*httptest.Server, func() []int64) {
	t.Helper()
	var mu sync.Mutex
	var requested []int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.URL.Path, "/item/")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		requested = append(requested, id)
		mu.Unlock()
		if exists[id] {
			fmt.Fprintf(w, `{"id": %d}`, id)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []int64 {
		mu.Lock()
		defer mu.Unlock()
		out := make([]int64, len(requested))
		copy(out, requested)
		return out
	}
}

func TestScannerSparseRange(t *testing.T) {
	exists := map[int64]bool{5: true, 500: true, 999: true}
	srv, requested := itemServer(t, exists)

	var mu sync.Mutex
	var handled []string
	handle := func(ctx context.Context, p *fetch.Payload) error {
		mu.Lock()
		handled = append(handled, p.Target.ID)
		mu.Unlock()
		return nil
	}

	ckpt := newScanManager(t)
	s, err := NewScanner(ScanConfig{
		StartID:   1,
		EndID:     1000,
		BatchSize: 100,
		TargetURL: func(id int64) string { return fmt.Sprintf("%s/item/%d", srv.URL, id) },
	}, newScanFetcher(t), ckpt, handle, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Processed != 1000 {
		t.Errorf("processed = %d, want 1000", stats.Processed)
	}
	if stats.Found != 3 {
		t.Errorf("found = %d, want 3", stats.Found)
	}
	if stats.Errors != 0 {
		t.Errorf("errors = %d, want 0", stats.Errors)
	}
	if stats.LastID != 1000 {
		t.Errorf("last id = %d, want 1000", stats.LastID)
	}
	if got := len(requested()); got != 1000 {
		t.Errorf("server saw %d requests, want 1000", got)
	}
	if len(handled) != 3 {
		t.Errorf("handled %d payloads, want 3", len(handled))
	}

	state, err := ckpt.Load(context.Background())
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if last, ok := state.Int64("last_id"); !ok || last != 1000 {
		t.Errorf("checkpoint last_id = %d (ok=%v), want 1000", last, ok)
	}
}

func TestScannerResumesFromCheckpoint(t *testing.T) {
	srv, requested := itemServer(t, nil)

	ckpt := newScanManager(t)
	ckpt.Save(context.Background(), checkpoint.State{"last_id": int64(500)})

	s, err := NewScanner(ScanConfig{
		StartID:   1,
		EndID:     700,
		BatchSize: 100,
		TargetURL: func(id int64) string { return fmt.Sprintf("%s/item/%d", srv.URL, id) },
	}, newScanFetcher(t), ckpt, func(context.Context, *fetch.Payload) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Processed != 200 {
		t.Errorf("processed = %d, want 200 (resumed past 500)", stats.Processed)
	}
	for _, id := range requested() {
		if id <= 500 {
			t.Fatalf("re-fetched id %d below resume point", id)
		}
	}
}

func TestScannerMergesIntoPersistedState(t *testing.T) {
	srv, _ := itemServer(t, map[int64]bool{42: true})

	ckpt := newScanManager(t)
	// State carried over from earlier cycles: the cycle counter and the
	// cumulative tallies must survive this run's batch saves.
	ckpt.Save(context.Background(), checkpoint.State{
		"cycles":    int64(3),
		"processed": int64(500),
		"found":     int64(7),
	})

	s, err := NewScanner(ScanConfig{
		StartID:   1,
		EndID:     200,
		BatchSize: 100,
		TargetURL: func(id int64) string { return fmt.Sprintf("%s/item/%d", srv.URL, id) },
	}, newScanFetcher(t), ckpt, func(context.Context, *fetch.Payload) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 200 || stats.Found != 1 {
		t.Fatalf("stats = %+v, want run-local processed 200, found 1", stats)
	}

	state, err := ckpt.Load(context.Background())
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cycles, ok := state.Int64("cycles"); !ok || cycles != 3 {
		t.Errorf("cycles = %d (ok=%v), want 3 preserved", cycles, ok)
	}
	if processed, _ := state.Int64("processed"); processed != 700 {
		t.Errorf("processed = %d, want 700 cumulative", processed)
	}
	if found, _ := state.Int64("found"); found != 8 {
		t.Errorf("found = %d, want 8 cumulative", found)
	}
	if last, _ := state.Int64("last_id"); last != 200 {
		t.Errorf("last_id = %d, want 200", last)
	}
}

func TestScannerCancelMidBatchKeepsCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	ckpt := newScanManager(t)
	s, err := NewScanner(ScanConfig{
		StartID:   1,
		EndID:     100,
		BatchSize: 100,
		TargetURL: func(id int64) string { return fmt.Sprintf("%s/item/%d", srv.URL, id) },
	}, newScanFetcher(t), ckpt, func(context.Context, *fetch.Payload) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	if _, err := s.Run(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}

	// The aborted batch must not move the cursor: nothing was saved, so a
	// resume starts the batch over.
	state, err := ckpt.Load(context.Background())
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if state != nil {
		t.Errorf("checkpoint saved for an aborted batch: %v", state)
	}
}

func TestScannerStopsAtTarget(t *testing.T) {
	exists := make(map[int64]bool)
	for id := int64(1); id <= 300; id++ {
		exists[id] = true
	}
	srv, _ := itemServer(t, exists)

	s, err := NewScanner(ScanConfig{
		StartID:     1,
		EndID:       300,
		BatchSize:   50,
		TargetFound: 60,
		TargetURL:   func(id int64) string { return fmt.Sprintf("%s/item/%d", srv.URL, id) },
	}, newScanFetcher(t), newScanManager(t), func(context.Context, *fetch.Payload) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Found < 60 || stats.Found > 100 {
		t.Errorf("found = %d, want stop shortly after 60", stats.Found)
	}
	if stats.Processed >= 300 {
		t.Errorf("processed = %d, want early stop", stats.Processed)
	}
}

func TestStatsRate(t *testing.T) {
	s := Stats{Found: 120, Elapsed: 2 * time.Minute}
	if got := s.Rate(); got != 60 {
		t.Errorf("rate = %v, want 60", got)
	}
	if got := (Stats{}).Rate(); got != 0 {
		t.Errorf("zero stats rate = %v, want 0", got)
	}
}
