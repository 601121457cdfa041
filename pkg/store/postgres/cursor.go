package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/penguintop/penguin/pkg/store"
)

// CursorStore keeps the cursor in a single-row table.
type CursorStore struct {
	pool *Pool
}

func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

func (s *CursorStore) Load(ctx context.Context) (uint64, error) {
	var height int64
	err := s.pool.QueryRow(ctx, `SELECT height FROM deployer_cursor WHERE id = 1`).Scan(&height)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return uint64(height), nil
}

func (s *CursorStore) Save(ctx context.Context, height uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployer_cursor (id, height, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET height = EXCLUDED.height,
		    updated_at = NOW()
	`, int64(height))
	return err
}
