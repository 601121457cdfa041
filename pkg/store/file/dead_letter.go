// Package file keeps dead letters in a YAML file next to the config.
package file

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/penguintop/penguin/pkg/fsutil"
	"github.com/penguintop/penguin/pkg/store"
	"gopkg.in/yaml.v2"
)

type record struct {
	ID        string    `yaml:"id"`
	Height    uint64    `yaml:"height"`
	TxID      string    `yaml:"tx_id"`
	Owner     string    `yaml:"owner"`
	Amount    string    `yaml:"amount"`
	Stage     string    `yaml:"stage"`
	SwapAddr  string    `yaml:"swap_addr,omitempty"`
	PendingTx string    `yaml:"pending_tx,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
	Attempts  int       `yaml:"attempts"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// DeadLetterStore rewrites the whole file on every change. The file is
// small: it only holds passes that are waiting for an operator or a retry.
type DeadLetterStore struct {
	mu   sync.Mutex
	path string
}

func NewDeadLetterStore(path string) *DeadLetterStore {
	return &DeadLetterStore{path: path}
}

func (s *DeadLetterStore) Put(_ context.Context, dl *store.DeadLetter) error {
	if err := dl.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	rec := toRecord(dl)
	replaced := false
	for i := range records {
		if records[i].ID == dl.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.write(records)
}

func (s *DeadLetterStore) Get(_ context.Context, id string) (*store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return fromRecord(rec)
		}
	}
	return nil, store.ErrNotFound
}

func (s *DeadLetterStore) List(_ context.Context) ([]*store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}
	letters := make([]*store.DeadLetter, 0, len(records))
	for _, rec := range records {
		dl, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].CreatedAt.Before(letters[j].CreatedAt)
	})
	return letters, nil
}

func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == id {
			return s.write(append(records[:i], records[i+1:]...))
		}
	}
	return store.ErrNotFound
}

func (s *DeadLetterStore) read() ([]record, error) {
	buf, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dead letters at %s: %w", s.path, err)
	}
	var records []record
	if err := yaml.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("unmarshal dead letters at %s: %w", s.path, err)
	}
	return records, nil
}

func (s *DeadLetterStore) write(records []record) error {
	buf, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal dead letters: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, buf, 0o600); err != nil {
		return fmt.Errorf("write dead letters: %w", err)
	}
	return nil
}

func toRecord(dl *store.DeadLetter) record {
	return record{
		ID:        dl.ID,
		Height:    dl.Height,
		TxID:      dl.TxID,
		Owner:     dl.Owner,
		Amount:    dl.Amount.String(),
		Stage:     dl.Stage,
		SwapAddr:  dl.SwapAddr,
		PendingTx: dl.PendingTx,
		Reason:    dl.Reason,
		Attempts:  dl.Attempts,
		CreatedAt: dl.CreatedAt.UTC(),
		UpdatedAt: dl.UpdatedAt.UTC(),
	}
}

func fromRecord(rec record) (*store.DeadLetter, error) {
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("dead letter %s: invalid amount %q", rec.ID, rec.Amount)
	}
	return &store.DeadLetter{
		ID:        rec.ID,
		Height:    rec.Height,
		TxID:      rec.TxID,
		Owner:     rec.Owner,
		Amount:    amount,
		Stage:     rec.Stage,
		SwapAddr:  rec.SwapAddr,
		PendingTx: rec.PendingTx,
		Reason:    rec.Reason,
		Attempts:  rec.Attempts,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}
