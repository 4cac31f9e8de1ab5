package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileStore is the file-based checkpoint fallback: one JSON object per scope
// under the checkpoints directory, written under an exclusive flock and read
// under a shared one so concurrent workers on the same host never observe a
// torn write. The seen-set has no file fallback.
type fileStore struct {
	dir string
}

func newFileStore(dir string) *fileStore { return &fileStore{dir: dir} }

func (f *fileStore) path(scope Scope) string {
	return filepath.Join(f.dir, scope.FileName())
}

func (f *fileStore) save(scope Scope, state State) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	file, err := os.OpenFile(f.path(scope), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open checkpoint file: %w", err)
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock checkpoint file: %w", err)
	}
	defer func() { _ = unix.Flock(int(file.Fd()), unix.LOCK_UN) }()

	// Truncate only after the lock is held so a concurrent reader never
	// sees an empty file.
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate checkpoint file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	return nil
}

func (f *fileStore) load(scope Scope) (State, error) {
	file, err := os.Open(f.path(scope))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock checkpoint file: %w", err)
	}
	defer func() { _ = unix.Flock(int(file.Fd()), unix.LOCK_UN) }()

	var state State
	if err := json.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode checkpoint file: %w", err)
	}
	return state, nil
}

func (f *fileStore) clear(scope Scope) error {
	err := os.Remove(f.path(scope))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}
