package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/penguintop/penguin/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStore(t *testing.T) {
	ctx := context.Background()
	s := NewCursorStore()

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Save(ctx, 0))
	height, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), height)

	require.NoError(t, s.Save(ctx, 42))
	height, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), height)
	assert.Equal(t, []uint64{0, 42}, s.Saves())
}

func TestDeadLetterStore_PutListDelete(t *testing.T) {
	ctx := context.Background()
	s := NewDeadLetterStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	second := &store.DeadLetter{ID: "b", Owner: "o2", Amount: big.NewInt(2), CreatedAt: base.Add(time.Minute)}
	first := &store.DeadLetter{ID: "a", Owner: "o1", Amount: big.NewInt(1), CreatedAt: base}
	require.NoError(t, s.Put(ctx, second))
	require.NoError(t, s.Put(ctx, first))

	letters, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "a", letters[0].ID)
	assert.Equal(t, "b", letters[1].ID)

	// stored copies are isolated from the caller
	first.Amount.SetInt64(100)
	letters, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), letters[0].Amount.Int64())

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "o2", got.Owner)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, ""), store.ErrInvalidInput)

	letters, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "b", letters[0].ID)
}

func TestDeadLetterStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewDeadLetterStore()

	dl := &store.DeadLetter{ID: "a", Owner: "o", Amount: big.NewInt(1), Stage: "Unregistered"}
	require.NoError(t, s.Put(ctx, dl))
	dl.Stage = "Deployed"
	dl.SwapAddr = "XWCCswap1"
	dl.Attempts = 2
	require.NoError(t, s.Put(ctx, dl))

	letters, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "Deployed", letters[0].Stage)
	assert.Equal(t, "XWCCswap1", letters[0].SwapAddr)
	assert.Equal(t, 2, letters[0].Attempts)
}

func TestDeadLetterStore_PutInvalid(t *testing.T) {
	s := NewDeadLetterStore()
	assert.ErrorIs(t, s.Put(context.Background(), &store.DeadLetter{ID: "a"}), store.ErrInvalidInput)
}
