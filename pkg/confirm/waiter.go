// Package confirm waits for submitted transactions to be included in a block.
package confirm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/penguintop/penguin/pkg/chain"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 10 * time.Second

type txSource interface {
	GetTransaction(ctx context.Context, txID string) (chain.TxInfo, error)
}

type Waiter struct {
	node     txSource
	interval time.Duration
	clock    mclock.Clock
}

func NewWaiter(node txSource, interval time.Duration, clock mclock.Clock) *Waiter {
	if interval == 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Waiter{node: node, interval: interval, clock: clock}
}

// AwaitConfirmation polls until txID is in a block with a positive number
// and returns that number. There is no timeout; only ctx ends the wait.
func (w *Waiter) AwaitConfirmation(ctx context.Context, txID string) (uint64, error) {
	for attempt := 1; ; attempt++ {
		tx, err := w.node.GetTransaction(ctx, txID)
		switch {
		case ctx.Err() != nil:
			return 0, ctx.Err()
		case err != nil:
			log.Warn().Err(err).Str("tx", txID).Msg("transaction unknown, not on chain")
		case tx.BlockNum > 0:
			log.Info().Msgf("Transaction %s included in block %d after %d polls", txID, tx.BlockNum, attempt)
			return uint64(tx.BlockNum), nil
		default:
			log.Warn().Str("tx", txID).Int("attempt", attempt).Msg("transaction not on chain yet")
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}
