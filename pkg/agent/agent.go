// Package agent runs the scan loop: it walks the chain block by block from
// the persisted cursor and provisions a swap for every deposit it finds.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/penguintop/penguin/pkg/metrics"
	"github.com/penguintop/penguin/pkg/provisioner"
	"github.com/penguintop/penguin/pkg/scanner"
	"github.com/penguintop/penguin/pkg/store"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSaveEveryBlocks = 10
	DefaultIdleInterval    = 10 * time.Second

	shutdownSaveTimeout = 5 * time.Second
)

type heightSource interface {
	CurrentUsableHeight(ctx context.Context) (uint64, error)
}

type blockScanner interface {
	Scan(ctx context.Context, height uint64) ([]scanner.TransferEvent, error)
}

type swapProvisioner interface {
	Provision(ctx context.Context, ev scanner.TransferEvent) (provisioner.Result, error)
	Retry(ctx context.Context, dl *store.DeadLetter) (provisioner.Result, error)
}

type Options struct {
	// StartHeight is the cursor to use when the cursor store has none.
	StartHeight     uint64
	SaveEveryBlocks uint64
	IdleInterval    time.Duration
	// DeadLetterMaxAttempts stops automatic retries of a dead letter after
	// this many logical failures. Zero retries without limit.
	DeadLetterMaxAttempts int
	Clock                 mclock.Clock
	Metrics               *metrics.Metrics
	Datadog               *metrics.DatadogReporter
}

type Agent struct {
	heights     heightSource
	scanner     blockScanner
	provisioner swapProvisioner
	cursor      store.CursorStore
	letters     store.DeadLetterStore
	opts        Options
}

func New(
	heights heightSource,
	scanner blockScanner,
	provisioner swapProvisioner,
	cursor store.CursorStore,
	letters store.DeadLetterStore,
	opts Options,
) *Agent {
	if opts.SaveEveryBlocks == 0 {
		opts.SaveEveryBlocks = DefaultSaveEveryBlocks
	}
	if opts.IdleInterval == 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Clock == nil {
		opts.Clock = mclock.System{}
	}
	return &Agent{
		heights:     heights,
		scanner:     scanner,
		provisioner: provisioner,
		cursor:      cursor,
		letters:     letters,
		opts:        opts,
	}
}

// Start runs the loop in a goroutine. The returned channel is closed once
// the loop has stopped and the cursor is persisted.
func (a *Agent) Start(ctx context.Context) <-chan struct{} {
	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		if err := a.Run(ctx); err != nil {
			log.Error().Err(err).Msg("agent stopped")
		}
	}()
	return doneChan
}

// Run processes blocks until ctx is done. The cursor always names the last
// block whose deposits were all handled; it is saved every SaveEveryBlocks
// blocks, whenever the loop goes idle, and on return.
func (a *Agent) Run(ctx context.Context) error {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		return err
	}
	target, err := a.heights.CurrentUsableHeight(ctx)
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("failed to query chain height")
	}
	a.opts.Metrics.SetChainHeight(target)
	a.opts.Metrics.SetCursor(cursor)
	log.Info().Msgf("Collect block target: %d, current: %d", target, cursor)

	sinceSave := uint64(0)
	for {
		if ctx.Err() != nil {
			return a.shutdown(ctx, cursor)
		}

		if cursor >= target {
			a.save(ctx, cursor)
			sinceSave = 0
			a.retryDeadLetters(ctx)
			if !a.pause(ctx) {
				return a.shutdown(ctx, cursor)
			}
			height, err := a.heights.CurrentUsableHeight(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("failed to query chain height")
				}
				continue
			}
			target = height
			a.opts.Metrics.SetChainHeight(target)
			continue
		}

		next := cursor + 1
		if err := a.processBlock(ctx, next); err != nil {
			if ctx.Err() != nil {
				return a.shutdown(ctx, cursor)
			}
			log.Error().Err(err).Uint64("height", next).Msg("failed to process block, retrying")
			if !a.pause(ctx) {
				return a.shutdown(ctx, cursor)
			}
			continue
		}
		cursor = next
		a.opts.Metrics.SetCursor(cursor)

		sinceSave++
		if sinceSave >= a.opts.SaveEveryBlocks {
			a.save(ctx, cursor)
			sinceSave = 0
			log.Info().Msgf("Collect block target: %d, current: %d", target, cursor)
		}
	}
}

func (a *Agent) loadCursor(ctx context.Context) (uint64, error) {
	cursor, err := a.cursor.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Msgf("No saved cursor, starting after block %d", a.opts.StartHeight)
		return a.opts.StartHeight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

// processBlock returns an error when the block could not be scanned, a
// deposit could not be recorded in the dead-letter store, or ctx ended.
// Other failed provisioning passes are dead-lettered and skipped.
func (a *Agent) processBlock(ctx context.Context, height uint64) error {
	events, err := a.scanner.Scan(ctx, height)
	if err != nil {
		return err
	}
	a.opts.Metrics.BlockScanned(len(events))

	for _, ev := range events {
		result, err := a.provisioner.Provision(ctx, ev)
		a.report(result)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, provisioner.ErrDeadLetterStore) {
				return fmt.Errorf("deposit %s: %w", ev, err)
			}
			log.Warn().Err(err).Msgf("Provisioning failed for deposit %s", ev)
		}
	}
	return nil
}

func (a *Agent) retryDeadLetters(ctx context.Context) {
	letters, err := a.letters.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list dead letters")
		return
	}
	a.opts.Metrics.SetDeadLetters(len(letters))

	for _, dl := range letters {
		if a.opts.DeadLetterMaxAttempts > 0 && dl.Attempts >= a.opts.DeadLetterMaxAttempts {
			continue
		}
		log.Info().Msgf("Retrying dead letter %s, owner: %s, stage: %s, attempts: %d", dl.ID, dl.Owner, dl.Stage, dl.Attempts)
		result, err := a.provisioner.Retry(ctx, dl)
		a.report(result)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("id", dl.ID).Msg("dead letter retry failed")
		}
	}
}

func (a *Agent) report(result provisioner.Result) {
	if result == "" {
		return
	}
	a.opts.Metrics.ProvisionResult(string(result))
	a.opts.Datadog.Report("swap_deployer.provision", 1, "result:"+string(result))
}

// pause waits one idle interval and reports whether ctx is still live.
func (a *Agent) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-a.opts.Clock.After(a.opts.IdleInterval):
		return true
	}
}

func (a *Agent) save(ctx context.Context, cursor uint64) {
	if err := a.cursor.Save(ctx, cursor); err != nil {
		log.Error().Err(err).Uint64("cursor", cursor).Msg("failed to save cursor")
		return
	}
	log.Debug().Msgf("Cursor saved at %d", cursor)
}

func (a *Agent) shutdown(ctx context.Context, cursor uint64) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownSaveTimeout)
	defer cancel()
	if err := a.cursor.Save(saveCtx, cursor); err != nil {
		return fmt.Errorf("save cursor %d on shutdown: %w", cursor, err)
	}
	log.Info().Msgf("Agent shutting down, cursor saved at %d", cursor)
	return nil
}
