package checkpoint

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Manager fronts the shared Store for one scope and degrades gracefully when
// it is unreachable: checkpoint state falls back to locked files on disk, the
// seen-set to process memory. Save never surfaces connectivity errors; a
// crawl keeps running with best-effort progress tracking.
type Manager struct {
	scope    Scope
	shared   Store
	files    *fileStore
	memSeen  *MemoryStore
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewManager creates a manager for the scope. shared may be nil, in which
// case the manager starts degraded. dir is the checkpoints directory for the
// file fallback.
func NewManager(scope Scope, shared Store, dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		scope:   scope,
		shared:  shared,
		files:   newFileStore(dir),
		memSeen: NewMemoryStore(),
		logger:  logger.With("scope", scope.Key()),
	}
	if shared == nil {
		m.degraded.Store(true)
	}
	return m
}

// Scope returns the lane this manager is bound to.
func (m *Manager) Scope() Scope { return m.scope }

// Degraded reports whether the shared store has been unreachable.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// Save persists state, merging a timestamp. Store failures are logged, never
// returned: the state lands in the file fallback instead.
func (m *Manager) Save(ctx context.Context, state State) {
	state.Stamp(time.Now())

	if m.shared != nil {
		if err := m.shared.Save(ctx, m.scope, state); err == nil {
			m.degraded.Store(false)
			return
		} else {
			m.markDegraded("save", err)
		}
	}

	if err := m.files.save(m.scope, state); err != nil {
		m.logger.Error("checkpoint lost, file fallback failed", "err", err)
	}
}

// Load returns the last saved state or (nil, nil) when none exists, trying
// the shared store first and the file fallback second.
func (m *Manager) Load(ctx context.Context) (State, error) {
	if m.shared != nil {
		state, err := m.shared.Load(ctx, m.scope)
		if err == nil {
			if state != nil {
				return state, nil
			}
			// Absent in the shared store; a prior degraded run may have
			// left progress on disk.
			return m.files.load(m.scope)
		}
		m.markDegraded("load", err)
	}
	return m.files.load(m.scope)
}

// Clear removes checkpoint state and seen-set everywhere, forcing a full
// re-scan of the lane.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.files.clear(m.scope); err != nil {
		return err
	}
	m.memSeen = NewMemoryStore()
	if m.shared != nil {
		return m.shared.Clear(ctx, m.scope)
	}
	return nil
}

// MarkSeen marks ids as ingested and returns how many were new. When the
// shared store is unreachable the claim is process-local only; the duplicate
// work this allows is bounded by the sink's upsert semantics.
func (m *Manager) MarkSeen(ctx context.Context, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	if m.shared != nil {
		n, err := m.shared.MarkSeen(ctx, m.scope, ids)
		if err == nil {
			m.degraded.Store(false)
			return n
		}
		m.markDegraded("mark seen", err)
	}
	n, _ := m.memSeen.MarkSeen(ctx, m.scope, ids)
	return n
}

// FilterUnseen returns the subset of ids not yet marked seen.
func (m *Manager) FilterUnseen(ctx context.Context, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	if m.shared != nil {
		unseen, err := m.shared.FilterUnseen(ctx, m.scope, ids)
		if err == nil {
			m.degraded.Store(false)
			return unseen
		}
		m.markDegraded("filter unseen", err)
	}
	unseen, _ := m.memSeen.FilterUnseen(ctx, m.scope, ids)
	return unseen
}

// SeenCount returns the seen-set size, zero when only the in-memory fallback
// holds it and the process just started.
func (m *Manager) SeenCount(ctx context.Context) int64 {
	if m.shared != nil {
		if n, err := m.shared.SeenCount(ctx, m.scope); err == nil {
			return n
		}
	}
	n, _ := m.memSeen.SeenCount(ctx, m.scope)
	return n
}

func (m *Manager) markDegraded(op string, err error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.logger.Warn("shared checkpoint store unavailable, degrading", "op", op, "err", err)
	}
}
