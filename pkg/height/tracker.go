// Package height reports how far the chain can be safely scanned.
package height

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/penguintop/penguin/pkg/chain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxLag       = 1000
	DefaultPollInterval = 6 * time.Second
)

type infoSource interface {
	NetworkInfo(ctx context.Context) (chain.NetworkInfo, error)
}

type Tracker struct {
	node         infoSource
	maxLag       uint64
	pollInterval time.Duration
	clock        mclock.Clock
}

type Options struct {
	// MaxLag is how far the node may trail its sync target before its
	// height is distrusted.
	MaxLag       uint64
	PollInterval time.Duration
	Clock        mclock.Clock
}

func NewTracker(node infoSource, opts Options) *Tracker {
	t := &Tracker{
		node:         node,
		maxLag:       opts.MaxLag,
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
	}
	if t.maxLag == 0 {
		t.maxLag = DefaultMaxLag
	}
	if t.pollInterval == 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.clock == nil {
		t.clock = mclock.System{}
	}
	return t
}

// CurrentUsableHeight returns the node's head height, or 0 while the node
// is more than MaxLag blocks behind its sync target.
func (t *Tracker) CurrentUsableHeight(ctx context.Context) (uint64, error) {
	info, err := t.node.NetworkInfo(ctx)
	if err != nil {
		return 0, err
	}
	if info.TargetBlockHeight > info.CurrentBlockHeight &&
		info.TargetBlockHeight-info.CurrentBlockHeight > t.maxLag {
		log.Warn().
			Uint64("current", info.CurrentBlockHeight).
			Uint64("target", info.TargetBlockHeight).
			Msg("node is not synced, treating chain height as 0")
		return 0, nil
	}
	return info.CurrentBlockHeight, nil
}

// WaitForAdvance blocks until the usable height has grown by at least
// blocks since the call started.
func (t *Tracker) WaitForAdvance(ctx context.Context, blocks uint64) error {
	if blocks == 0 {
		return nil
	}
	start, err := t.CurrentUsableHeight(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(t.pollInterval):
		}
		current, err := t.CurrentUsableHeight(ctx)
		if err != nil {
			return err
		}
		// A node that fell out of sync reports 0; keep waiting.
		if current >= start+blocks {
			return nil
		}
		log.Debug().Msgf("waiting for %d blocks, start: %d, current: %d", blocks, start, current)
	}
}
