package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FranksOps/bazaar/internal/checkpoint"
)

// ensure pgStore implements checkpoint.Store
var _ checkpoint.Store = (*pgStore)(nil)

type pgStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS crawl_checkpoints (
	scope TEXT PRIMARY KEY,
	state JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS crawl_seen (
	scope TEXT NOT NULL,
	item_id TEXT NOT NULL,
	PRIMARY KEY (scope, item_id)
);
`

// New creates a Postgres-backed checkpoint.Store shared by all workers. The
// seen-set membership operations run as single statements, which is what
// makes racing workers safe: the row insert either wins or hits the primary
// key, never both.
func New(ctx context.Context, dsn string) (checkpoint.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Save(ctx context.Context, scope checkpoint.Scope, state checkpoint.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
	INSERT INTO crawl_checkpoints (scope, state, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (scope) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, scope.Key(), data)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *pgStore) Load(ctx context.Context, scope checkpoint.Scope) (checkpoint.State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM crawl_checkpoints WHERE scope = $1`, scope.Key(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var state checkpoint.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, nil
}

func (s *pgStore) Clear(ctx context.Context, scope checkpoint.Scope) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM crawl_checkpoints WHERE scope = $1`, scope.Key()); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM crawl_seen WHERE scope = $1`, scope.Key()); err != nil {
		return fmt.Errorf("clear seen set: %w", err)
	}
	return nil
}

func (s *pgStore) MarkSeen(ctx context.Context, scope checkpoint.Scope, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
	INSERT INTO crawl_seen (scope, item_id)
	SELECT $1, unnest($2::text[])
	ON CONFLICT DO NOTHING
	`, scope.Key(), ids)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) FilterUnseen(ctx context.Context, scope checkpoint.Scope, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
	SELECT u.id FROM unnest($2::text[]) AS u(id)
	WHERE NOT EXISTS (
		SELECT 1 FROM crawl_seen s WHERE s.scope = $1 AND s.item_id = u.id
	)
	`, scope.Key(), ids)
	if err != nil {
		return nil, fmt.Errorf("filter unseen: %w", err)
	}
	defer rows.Close()

	var unseen []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unseen id: %w", err)
		}
		unseen = append(unseen, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("filter unseen: %w", err)
	}
	return unseen, nil
}

func (s *pgStore) SeenCount(ctx context.Context, scope checkpoint.Scope) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM crawl_seen WHERE scope = $1`, scope.Key(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("seen count: %w", err)
	}
	return n, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
