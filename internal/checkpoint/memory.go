package checkpoint

import (
	"context"
	"sync"
	"time"
)

// ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. It backs tests and the degraded mode
// the Manager falls into when the shared store is unreachable. State does not
// survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	seen   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
		seen:   make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Save(ctx context.Context, scope Scope, state State) error {
	state.Stamp(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy so later caller mutations don't leak into the stored snapshot.
	cp := make(State, len(state))
	for k, v := range state {
		cp[k] = v
	}
	m.states[scope.Key()] = cp
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, scope Scope) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[scope.Key()]
	if !ok {
		return nil, nil
	}
	cp := make(State, len(st))
	for k, v := range st {
		cp[k] = v
	}
	return cp, nil
}

func (m *MemoryStore) Clear(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, scope.Key())
	delete(m.seen, scope.SeenKey())
	return nil
}

func (m *MemoryStore) MarkSeen(ctx context.Context, scope Scope, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.seen[scope.SeenKey()]
	if set == nil {
		set = make(map[string]struct{})
		m.seen[scope.SeenKey()] = set
	}

	added := 0
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (m *MemoryStore) FilterUnseen(ctx context.Context, scope Scope, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.seen[scope.SeenKey()]
	unseen := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			unseen = append(unseen, id)
		}
	}
	return unseen, nil
}

func (m *MemoryStore) SeenCount(ctx context.Context, scope Scope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.seen[scope.SeenKey()])), nil
}

func (m *MemoryStore) Close() error { return nil }
