package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/FranksOps/bazaar/internal/checkpoint"
)

// ensure sqliteStore implements checkpoint.Store
var _ checkpoint.Store = (*sqliteStore)(nil)

// sqliteStore is a single-host checkpoint.Store for local runs where no
// shared Postgres is available but durability across restarts still matters.
type sqliteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS crawl_checkpoints (
	scope TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS crawl_seen (
	scope TEXT NOT NULL,
	item_id TEXT NOT NULL,
	PRIMARY KEY (scope, item_id)
);
`

// New creates a SQLite-backed checkpoint.Store.
func New(dsn string) (checkpoint.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn
	// from concurrent workers in the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Save(ctx context.Context, scope checkpoint.Scope, state checkpoint.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO crawl_checkpoints (scope, state, updated_at)
	VALUES (?, ?, datetime('now'))
	ON CONFLICT (scope) DO UPDATE SET state = excluded.state, updated_at = datetime('now')
	`, scope.Key(), string(data))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context, scope checkpoint.Scope) (checkpoint.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM crawl_checkpoints WHERE scope = ?`, scope.Key(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var state checkpoint.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, nil
}

func (s *sqliteStore) Clear(ctx context.Context, scope checkpoint.Scope) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM crawl_checkpoints WHERE scope = ?`, scope.Key()); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM crawl_seen WHERE scope = ?`, scope.Key()); err != nil {
		return fmt.Errorf("clear seen set: %w", err)
	}
	return nil
}

func (s *sqliteStore) MarkSeen(ctx context.Context, scope checkpoint.Scope, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO crawl_seen (scope, item_id) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare mark seen: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, scope.Key(), id)
		if err != nil {
			return 0, fmt.Errorf("mark seen: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark seen: %w", err)
	}
	return added, nil
}

func (s *sqliteStore) FilterUnseen(ctx context.Context, scope checkpoint.Scope, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	// One query against the whole batch; the membership snapshot is taken
	// atomically rather than id by id.
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, scope.Key())
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM crawl_seen WHERE scope = ? AND item_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("filter unseen: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen id: %w", err)
		}
		seen[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("filter unseen: %w", err)
	}

	unseen := make([]string, 0, len(ids)-len(seen))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			unseen = append(unseen, id)
		}
	}
	return unseen, nil
}

func (s *sqliteStore) SeenCount(ctx context.Context, scope checkpoint.Scope) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM crawl_seen WHERE scope = ?`, scope.Key(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("seen count: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
