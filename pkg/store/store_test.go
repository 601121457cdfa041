package store

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeadLetterID(t *testing.T) {
	id := NewDeadLetterID(10, 0, "tx-1", "owner")
	assert.True(t, strings.HasPrefix(id, "0x"))
	assert.Len(t, id, 66)
	assert.Equal(t, id, NewDeadLetterID(10, 0, "tx-1", "owner"))
	assert.NotEqual(t, id, NewDeadLetterID(11, 0, "tx-1", "owner"))
	assert.NotEqual(t, id, NewDeadLetterID(10, 1, "tx-1", "owner"))
	assert.NotEqual(t, id, NewDeadLetterID(10, 0, "tx-2", "owner"))
	assert.NotEqual(t, id, NewDeadLetterID(10, 0, "tx-1", "other"))
}

func TestDeadLetter_Validate(t *testing.T) {
	valid := &DeadLetter{ID: "id", Owner: "owner", Amount: big.NewInt(1)}
	require.NoError(t, valid.Validate())

	var nilLetter *DeadLetter
	assert.ErrorIs(t, nilLetter.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, (&DeadLetter{Owner: "owner", Amount: big.NewInt(1)}).Validate(), ErrInvalidInput)
	assert.ErrorIs(t, (&DeadLetter{ID: "id", Amount: big.NewInt(1)}).Validate(), ErrInvalidInput)
	assert.ErrorIs(t, (&DeadLetter{ID: "id", Owner: "owner"}).Validate(), ErrInvalidInput)
}

func TestDeadLetter_CloneIsDeep(t *testing.T) {
	dl := &DeadLetter{ID: "id", Owner: "owner", Amount: big.NewInt(5)}
	c := dl.Clone()
	c.Amount.SetInt64(7)
	c.Stage = "Deployed"
	assert.Equal(t, int64(5), dl.Amount.Int64())
	assert.Empty(t, dl.Stage)
}
