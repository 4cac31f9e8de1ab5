package sqlite

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/FranksOps/bazaar/internal/checkpoint"
)

func newStore(t *testing.T) checkpoint.Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ckpt.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadClear(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	scope := checkpoint.Scope{Source: "uzum", Job: "scan"}

	if state, err := store.Load(ctx, scope); err != nil || state != nil {
		t.Fatalf("empty load = %v, %v", state, err)
	}

	if err := store.Save(ctx, scope, checkpoint.State{"last_id": int64(900), "found": int64(12)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Save again to exercise the upsert path.
	if err := store.Save(ctx, scope, checkpoint.State{"last_id": int64(1000), "found": int64(15)}); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	state, err := store.Load(ctx, scope)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, _ := state.Int64("last_id"); got != 1000 {
		t.Errorf("last_id = %d, want latest save", got)
	}

	if err := store.Clear(ctx, scope); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if state, _ := store.Load(ctx, scope); state != nil {
		t.Error("state survived Clear")
	}
}

func TestSeenSet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	scope := checkpoint.Scope{Source: "uzum", Job: "walk"}

	n, err := store.MarkSeen(ctx, scope, []string{"10", "11", "12"})
	if err != nil || n != 3 {
		t.Fatalf("MarkSeen = %d, %v", n, err)
	}
	n, err = store.MarkSeen(ctx, scope, []string{"12", "13"})
	if err != nil || n != 1 {
		t.Fatalf("re-mark = %d, %v", n, err)
	}

	unseen, err := store.FilterUnseen(ctx, scope, []string{"11", "13", "14"})
	if err != nil {
		t.Fatalf("FilterUnseen: %v", err)
	}
	sort.Strings(unseen)
	if len(unseen) != 1 || unseen[0] != "14" {
		t.Errorf("unseen = %v", unseen)
	}

	if count, _ := store.SeenCount(ctx, scope); count != 4 {
		t.Errorf("SeenCount = %d", count)
	}

	// Clearing one scope leaves others alone.
	other := checkpoint.Scope{Source: "uzum", Job: "scan"}
	if _, err := store.MarkSeen(ctx, other, []string{"10"}); err != nil {
		t.Fatalf("MarkSeen other: %v", err)
	}
	if err := store.Clear(ctx, scope); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if count, _ := store.SeenCount(ctx, scope); count != 0 {
		t.Errorf("seen count after clear = %d", count)
	}
	if count, _ := store.SeenCount(ctx, other); count != 1 {
		t.Errorf("other scope seen count = %d", count)
	}
}
