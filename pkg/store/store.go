// Package store defines the durable state the deployer keeps between runs:
// the scan cursor and the dead letters of abandoned provisioning passes.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// CursorStore persists the height of the last fully processed block.
type CursorStore interface {
	// Load returns ErrNotFound when no cursor has been saved yet.
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, height uint64) error
}

// DeadLetter is a provisioning pass abandoned on a logical failure. Stage
// and SwapAddr record how far the pass got so a retry can resume there.
type DeadLetter struct {
	ID       string
	Height   uint64
	TxID     string
	Owner    string
	Amount   *big.Int
	Stage    string
	SwapAddr string
	// PendingTx is a submitted transaction of the next stage that was not
	// seen confirmed. A retry waits for it instead of submitting again.
	PendingTx string
	Reason    string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeadLetterStore keeps dead letters until they are retried successfully.
type DeadLetterStore interface {
	// Put inserts or replaces the record with the same ID.
	Put(ctx context.Context, dl *DeadLetter) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*DeadLetter, error)
	// List returns all records ordered by creation time.
	List(ctx context.Context) ([]*DeadLetter, error)
	// Delete returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
}

// NewDeadLetterID derives a stable id for the index-th deposit of the block
// at height, so re-recording the same deposit replaces its record.
func NewDeadLetterID(height uint64, index int, txID, owner string) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%d|%d|%s|%s", height, index, txID, owner)
	return hexutil.Encode(h.Sum(nil))
}

// Validate checks the fields every store requires.
func (dl *DeadLetter) Validate() error {
	if dl == nil || dl.ID == "" || dl.Owner == "" || dl.Amount == nil {
		return ErrInvalidInput
	}
	return nil
}

// Clone returns a deep copy of dl.
func (dl *DeadLetter) Clone() *DeadLetter {
	c := *dl
	if dl.Amount != nil {
		c.Amount = new(big.Int).Set(dl.Amount)
	}
	return &c
}
