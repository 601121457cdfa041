// Package scanner extracts confirmed deposits from blocks.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/penguintop/penguin/pkg/chain"
	"github.com/rs/zerolog/log"
)

const (
	transferAPI   = "transfer"
	transferEvent = "Transfer"
)

// TransferEvent is a deposit to the watched address whose contract call
// executed successfully.
type TransferEvent struct {
	Height uint64
	// Index is the position of the event among the block's deposits.
	Index  int
	TxID   string
	From   string
	To     string
	Amount *big.Int
}

func (e TransferEvent) String() string {
	return fmt.Sprintf("height: %d, tx: %s, from: %s, amount: %s", e.Height, e.TxID, e.From, e.Amount)
}

type blockSource interface {
	GetBlock(ctx context.Context, height uint64) (*chain.Block, error)
	GetContractInvokeObject(ctx context.Context, txID string) ([]chain.InvokeOutcome, error)
}

type Scanner struct {
	node           blockSource
	tokenAddr      string
	depositAddress string
}

func New(node blockSource, tokenAddr, depositAddress string) *Scanner {
	return &Scanner{
		node:           node,
		tokenAddr:      tokenAddr,
		depositAddress: depositAddress,
	}
}

// Scan returns the deposits in the block at height, in transaction order.
// Each qualifying operation yields its own event; nothing is deduplicated.
func (s *Scanner) Scan(ctx context.Context, height uint64) ([]TransferEvent, error) {
	block, err := s.node.GetBlock(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}

	var events []TransferEvent
	for i, trx := range block.Transactions {
		candidates := 0
		for _, op := range trx.Operations {
			if s.isDepositCall(op) {
				candidates++
			}
		}
		if candidates == 0 {
			continue
		}
		if i >= len(block.TransactionIDs) {
			log.Warn().Msgf("block %d has no id for transaction %d", height, i)
			continue
		}
		txID := block.TransactionIDs[i]

		transfers, err := s.resolve(ctx, txID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("tx", txID).Uint64("height", height).Msg("skipping deposit candidate")
			continue
		}
		// The k-th deposit call pairs with the k-th matching Transfer event.
		if len(transfers) > candidates {
			transfers = transfers[:candidates]
		}
		for _, event := range transfers {
			event.Height = height
			event.Index = len(events)
			event.TxID = txID
			log.Info().Msgf("Deposit seen by scanner: %s", event)
			events = append(events, event)
		}
	}
	return events, nil
}

// isDepositCall filters on the raw call arguments. It says nothing about
// whether the call succeeded.
func (s *Scanner) isDepositCall(op chain.Operation) bool {
	call, ok, err := op.ContractCall()
	if err != nil || !ok {
		return false
	}
	if call.ContractID != s.tokenAddr || call.ContractAPI != transferAPI {
		return false
	}
	args := strings.Split(call.ContractArg, ",")
	return len(args) == 2 && args[0] == s.depositAddress
}

type transferArg struct {
	From   string      `json:"from"`
	To     string      `json:"to"`
	Amount json.Number `json:"amount"`
}

// resolve returns the Transfer events to the watched address emitted by a
// successful invocation.
func (s *Scanner) resolve(ctx context.Context, txID string) ([]TransferEvent, error) {
	outcomes, err := s.node.GetContractInvokeObject(ctx, txID)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("no invocation outcome")
	}
	outcome := outcomes[0]
	if !outcome.ExecSucceed {
		log.Info().Str("tx", txID).Msg("deposit call failed on chain, ignoring")
		return nil, nil
	}

	var transfers []TransferEvent
	for _, ev := range outcome.Events {
		if ev.EventName != transferEvent {
			continue
		}
		var arg transferArg
		if err := json.Unmarshal([]byte(ev.EventArg), &arg); err != nil {
			log.Warn().Err(err).Str("tx", txID).Msg("undecodable Transfer event")
			continue
		}
		if arg.To != s.depositAddress {
			continue
		}
		amount, ok := new(big.Int).SetString(arg.Amount.String(), 10)
		if !ok {
			log.Warn().Str("tx", txID).Str("amount", arg.Amount.String()).Msg("undecodable Transfer amount")
			continue
		}
		transfers = append(transfers, TransferEvent{From: arg.From, To: arg.To, Amount: amount})
	}
	return transfers, nil
}
