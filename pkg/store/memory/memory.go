// Package memory provides in-memory stores for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/penguintop/penguin/pkg/store"
)

// CursorStore is an in-memory implementation of store.CursorStore.
type CursorStore struct {
	mu     sync.RWMutex
	height uint64
	saved  bool
	saves  []uint64
}

func NewCursorStore() *CursorStore {
	return &CursorStore{}
}

func (s *CursorStore) Load(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.saved {
		return 0, store.ErrNotFound
	}
	return s.height, nil
}

func (s *CursorStore) Save(_ context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.height = height
	s.saved = true
	s.saves = append(s.saves, height)
	return nil
}

// Saves returns every height passed to Save, in order.
func (s *CursorStore) Saves() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint64(nil), s.saves...)
}

// DeadLetterStore is an in-memory implementation of store.DeadLetterStore.
type DeadLetterStore struct {
	mu      sync.RWMutex
	letters map[string]*store.DeadLetter
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{letters: make(map[string]*store.DeadLetter)}
}

func (s *DeadLetterStore) Put(_ context.Context, dl *store.DeadLetter) error {
	if err := dl.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.letters[dl.ID] = dl.Clone()
	return nil
}

func (s *DeadLetterStore) Get(_ context.Context, id string) (*store.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dl, ok := s.letters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return dl.Clone(), nil
}

func (s *DeadLetterStore) List(_ context.Context) ([]*store.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.DeadLetter, 0, len(s.letters))
	for _, dl := range s.letters {
		out = append(out, dl.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.letters[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.letters, id)
	return nil
}
