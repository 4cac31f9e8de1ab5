package checkpoint

import (
	"context"
	"strings"
	"time"
)

// Scope names one independent crawl lane. All checkpoint and seen-set state
// is partitioned by it.
type Scope struct {
	Source string
	Job    string
}

// Key returns the "source:job" form used by shared stores.
func (s Scope) Key() string { return s.Source + ":" + s.Job }

// SeenKey returns the key of the scope's seen-set collection.
func (s Scope) SeenKey() string { return "seen:" + s.Key() }

// FileName returns the scope key with ':' replaced by '_', suitable for the
// file-based fallback.
func (s Scope) FileName() string {
	return strings.ReplaceAll(s.Key(), ":", "_") + ".json"
}

// State is the opaque progress blob persisted per scope. Callers store
// whatever fields they need; the conventional ones are "last_id",
// "processed", "found", "cycles" and "last_run".
type State map[string]any

// Int64 reads an integer field, tolerating the float64 that JSON
// round-tripping produces. The second result reports whether the field was
// present as a number; resume logic must not mistake an absent cursor for
// zero.
func (s State) Int64(key string) (int64, bool) {
	switch v := s[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// String reads a string field, returning "" when absent or mistyped.
func (s State) String(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// Stamp records the save time on the state. Stores call it on every Save.
func (s State) Stamp(now time.Time) {
	s["updated_at"] = now.UTC().Format(time.RFC3339)
}

// Store is durable, scope-partitioned progress state plus a per-scope seen
// membership set. Implementations must be safe for concurrent use by workers
// sharing a scope: MarkSeen and FilterUnseen run as single batched operations
// against the backing store, never read-modify-write loops in the caller.
type Store interface {
	// Save persists state for the scope, stamping it first.
	Save(ctx context.Context, scope Scope, state State) error
	// Load returns the last saved state, or (nil, nil) when none exists.
	Load(ctx context.Context, scope Scope) (State, error)
	// Clear removes checkpoint state and the seen-set for the scope.
	Clear(ctx context.Context, scope Scope) error

	// MarkSeen adds ids to the scope's seen-set and returns how many were
	// new. Re-marking an already-seen id is a no-op.
	MarkSeen(ctx context.Context, scope Scope, ids []string) (int, error)
	// FilterUnseen returns the subset of ids not in the seen-set, tested as
	// one batched operation.
	FilterUnseen(ctx context.Context, scope Scope, ids []string) ([]string, error)
	// SeenCount returns the size of the scope's seen-set.
	SeenCount(ctx context.Context, scope Scope) (int64, error)

	Close() error
}
