package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/penguintop/penguin/pkg/store"
	"gopkg.in/yaml.v2"
)

const cursorKey = "block_height"

// CursorStore keeps the cursor in the block_height field of the config file.
type CursorStore struct {
	mu   sync.Mutex
	path string
}

func NewCursorStore(path string) *CursorStore {
	return &CursorStore{path: path}
}

func (s *CursorStore) Load(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read config file at: %s, %w", s.path, err)
	}
	var doc struct {
		BlockHeight *uint64 `yaml:"block_height"`
	}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return 0, fmt.Errorf("failed to unmarshal config file at: %s, %w", s.path, err)
	}
	if doc.BlockHeight == nil {
		return 0, store.ErrNotFound
	}
	return *doc.BlockHeight, nil
}

func (s *CursorStore) Save(_ context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SetField(s.path, cursorKey, height)
}

// PriceUpdateStore records when the staking price was last set, in the
// last_staking_price_update_time field as unix seconds.
type PriceUpdateStore struct {
	mu   sync.Mutex
	path string
}

func NewPriceUpdateStore(path string) *PriceUpdateStore {
	return &PriceUpdateStore{path: path}
}

func (s *PriceUpdateStore) SaveLastUpdate(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SetField(s.path, "last_staking_price_update_time", t.Unix())
}
