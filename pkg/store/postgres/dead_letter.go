package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/penguintop/penguin/pkg/store"
)

// DeadLetterStore is a PostgreSQL implementation of store.DeadLetterStore.
type DeadLetterStore struct {
	pool *Pool
}

func NewDeadLetterStore(pool *Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

func (s *DeadLetterStore) Put(ctx context.Context, dl *store.DeadLetter) error {
	if err := dl.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, height, tx_id, owner, amount, stage, swap_addr, pending_tx, reason, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET stage = EXCLUDED.stage,
		    swap_addr = EXCLUDED.swap_addr,
		    pending_tx = EXCLUDED.pending_tx,
		    reason = EXCLUDED.reason,
		    attempts = EXCLUDED.attempts,
		    updated_at = EXCLUDED.updated_at
	`, dl.ID, int64(dl.Height), dl.TxID, dl.Owner, dl.Amount.String(), dl.Stage, dl.SwapAddr, dl.PendingTx,
		dl.Reason, dl.Attempts, dl.CreatedAt, dl.UpdatedAt)
	return err
}

const selectDeadLetters = `
	SELECT id, height, tx_id, owner, amount, stage, swap_addr, pending_tx, reason, attempts, created_at, updated_at
	FROM dead_letters
`

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*store.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, selectDeadLetters+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return dl, err
}

func (s *DeadLetterStore) List(ctx context.Context) ([]*store.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, selectDeadLetters+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*store.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

func scanDeadLetter(row pgx.Row) (*store.DeadLetter, error) {
	var (
		dl     store.DeadLetter
		height int64
		amount string
	)
	if err := row.Scan(&dl.ID, &height, &dl.TxID, &dl.Owner, &amount, &dl.Stage, &dl.SwapAddr,
		&dl.PendingTx, &dl.Reason, &dl.Attempts, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
		return nil, err
	}
	dl.Height = uint64(height)
	var ok bool
	if dl.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("dead letter %s: invalid amount %q", dl.ID, amount)
	}
	return &dl, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
