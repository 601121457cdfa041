// Package provisioner creates, funds and registers a swap contract for each
// depositor that does not have one yet.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/penguintop/penguin/pkg/rpcclient"
	"github.com/penguintop/penguin/pkg/scanner"
	"github.com/penguintop/penguin/pkg/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrEmptyContractAddress is returned when register_contract yields no
	// address.
	ErrEmptyContractAddress = errors.New("empty contract address")
	// ErrEmptyTxID is returned when a contract invocation yields no
	// transaction id.
	ErrEmptyTxID = errors.New("empty transaction id")
	// ErrDeadLetterStore marks failures to read or write dead letters. A
	// deposit that fails with it has no durable record.
	ErrDeadLetterStore = errors.New("dead letter store")
)

// Result names how a provisioning pass ended.
type Result string

const (
	ResultRegistered   Result = "registered"
	ResultExisting     Result = "existing"
	ResultRefunded     Result = "refunded"
	ResultDeadLettered Result = "dead_lettered"
	ResultQueued       Result = "queued"
	ResultFailed       Result = "failed"
)

const (
	methodDeploySimpleSwap = "deploySimpleSwap"
	methodInitConfig       = "init_config"
	methodTransfer         = "transfer"
	methodSetSimpleSwap    = "setSimpleSwap"
)

type node interface {
	InvokeContractOffline(ctx context.Context, caller, contract, method, args string) (string, error)
	InvokeContract(ctx context.Context, account, contract, method, args string) (string, error)
	RegisterContract(ctx context.Context, account, contractPath string) (string, error)
}

type confirmer interface {
	AwaitConfirmation(ctx context.Context, txID string) (uint64, error)
}

type heightWaiter interface {
	WaitForAdvance(ctx context.Context, blocks uint64) error
}

type Options struct {
	CallerAccount    string
	AdminAccount     string
	ReceiveAccount   string
	FactoryAddr      string
	TokenAddr        string
	SwapContractPath string
	// BlockWait is how many blocks to let pass around init_config and
	// funding before relying on the previous step.
	BlockWait uint64
	// FundExistingSwaps forwards deposits from owners that already have a
	// swap to that swap. When false such deposits are only logged.
	FundExistingSwaps bool
	DeadLetters       store.DeadLetterStore
	Now               func() time.Time
}

type Provisioner struct {
	node      node
	confirmer confirmer
	heights   heightWaiter
	opts      Options
}

func New(node node, confirmer confirmer, heights heightWaiter, opts Options) *Provisioner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provisioner{
		node:      node,
		confirmer: confirmer,
		heights:   heights,
		opts:      opts,
	}
}

// Provision runs the pass for one deposit. A deposit whose earlier pass was
// dead-lettered resumes from the recorded stage, and a deposit from an owner
// with an unfinished pass is queued behind it. Logical failures are
// recorded in the dead-letter store and returned; context cancellation is
// recorded as well so a restart can resume without a second deployment.
func (p *Provisioner) Provision(ctx context.Context, ev scanner.TransferEvent) (Result, error) {
	id := store.NewDeadLetterID(ev.Height, ev.Index, ev.TxID, ev.From)
	recorded, err := p.opts.DeadLetters.Get(ctx, id)
	switch {
	case err == nil:
		log.Info().Msgf("Deposit %s was dead-lettered at stage %s, resuming", ev, recorded.Stage)
		return p.Retry(ctx, recorded)
	case !errors.Is(err, store.ErrNotFound):
		return ResultFailed, storeError("look up dead letter "+id, err)
	}

	now := p.opts.Now()
	dl := &store.DeadLetter{
		ID:        id,
		Height:    ev.Height,
		TxID:      ev.TxID,
		Owner:     ev.From,
		Amount:    new(big.Int).Set(ev.Amount),
		Stage:     Unregistered.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := p.existingSwap(ctx, dl.Owner)
	if err != nil {
		return ResultFailed, err
	}
	if existing != "" {
		return p.handleExisting(ctx, dl, existing)
	}

	leader, err := p.ownerLeader(ctx, dl.Owner)
	if err != nil {
		return ResultFailed, err
	}
	if leader != nil {
		return p.queue(ctx, dl, leader)
	}
	return p.advance(ctx, dl)
}

// Retry resumes a dead-lettered pass. The factory is asked again first: if
// the owner's swap got registered in the meantime the deposit goes to that
// swap unless it was already sent to one.
func (p *Provisioner) Retry(ctx context.Context, dl *store.DeadLetter) (Result, error) {
	dl = dl.Clone()
	state, err := ParseState(dl.Stage)
	if err != nil {
		return ResultFailed, err
	}

	existing, err := p.existingSwap(ctx, dl.Owner)
	if err != nil {
		return ResultFailed, err
	}
	if existing != "" {
		return p.settle(ctx, dl, state, existing)
	}
	if state == Registered {
		return ResultFailed, fmt.Errorf("dead letter %s is registered but factory has no swap for %s", dl.ID, dl.Owner)
	}

	leader, err := p.ownerLeader(ctx, dl.Owner)
	if err != nil {
		return ResultFailed, err
	}
	if leader != nil && leader.ID != dl.ID {
		log.Debug().Str("id", dl.ID).Str("leader", leader.ID).Msg("dead letter still queued")
		return ResultQueued, nil
	}
	return p.advance(ctx, dl)
}

func (p *Provisioner) existingSwap(ctx context.Context, owner string) (string, error) {
	swap, err := p.node.InvokeContractOffline(ctx, p.opts.CallerAccount, p.opts.FactoryAddr, methodDeploySimpleSwap, owner)
	if err != nil {
		return "", fmt.Errorf("query swap of %s: %w", owner, err)
	}
	return swap, nil
}

// ownerLeader returns the dead letter that provisions owner's swap: the one
// that already deployed a contract, else the oldest. Refunds of registered
// swaps do not count.
func (p *Provisioner) ownerLeader(ctx context.Context, owner string) (*store.DeadLetter, error) {
	letters, err := p.opts.DeadLetters.List(ctx)
	if err != nil {
		return nil, storeError("list dead letters", err)
	}
	var leader *store.DeadLetter
	for _, dl := range letters {
		if dl.Owner != owner || dl.Stage == Registered.String() {
			continue
		}
		if dl.SwapAddr != "" {
			return dl, nil
		}
		if leader == nil {
			leader = dl
		}
	}
	return leader, nil
}

func (p *Provisioner) queue(ctx context.Context, dl, leader *store.DeadLetter) (Result, error) {
	dl.Reason = fmt.Sprintf("waiting for %s of the same owner", leader.ID)
	dl.UpdatedAt = p.opts.Now()
	if err := p.opts.DeadLetters.Put(ctx, dl); err != nil {
		return ResultFailed, storeError("record dead letter "+dl.ID, err)
	}
	log.Info().Msgf("Owner %s has an unfinished pass %s, deposit of %s queued behind it", dl.Owner, leader.ID, dl.Amount)
	return ResultQueued, nil
}

func (p *Provisioner) handleExisting(ctx context.Context, dl *store.DeadLetter, swap string) (Result, error) {
	if !p.opts.FundExistingSwaps {
		log.Info().Msgf("Already have a swap %s, just receiving this amount, from: %s, amount: %s", swap, dl.Owner, dl.Amount)
		return ResultExisting, p.resolve(ctx, dl)
	}
	return p.fundExisting(ctx, dl, swap)
}

// settle ends a dead-lettered pass of an owner whose swap is registered.
func (p *Provisioner) settle(ctx context.Context, dl *store.DeadLetter, state State, swap string) (Result, error) {
	switch {
	case state == Registered:
		return p.fundExisting(ctx, dl, swap)
	case state == Funded, state == Initialized && dl.PendingTx != "":
		// the deposit was already sent to dl.SwapAddr
		if dl.PendingTx != "" {
			if _, err := p.confirmer.AwaitConfirmation(ctx, dl.PendingTx); err != nil {
				return ResultDeadLettered, p.abandon(ctx, dl, err)
			}
		}
		if dl.SwapAddr != swap {
			log.Error().Msgf("Deposit %s of %s went to swap %s but %s is registered", dl.Amount, dl.Owner, dl.SwapAddr, swap)
		} else {
			log.Info().Msgf("Swap %s already registered for %s, dropping dead letter %s", swap, dl.Owner, dl.ID)
		}
		return ResultExisting, p.resolve(ctx, dl)
	default:
		if dl.SwapAddr != "" && dl.SwapAddr != swap {
			log.Warn().Msgf("Swap %s deployed for %s was never registered, funding %s instead", dl.SwapAddr, dl.Owner, swap)
		}
		dl.PendingTx = ""
		return p.fundExisting(ctx, dl, swap)
	}
}

// fundExisting transfers the deposit to the owner's registered swap.
func (p *Provisioner) fundExisting(ctx context.Context, dl *store.DeadLetter, swap string) (Result, error) {
	dl.Stage = Registered.String()
	dl.SwapAddr = swap
	if err := p.submitAndConfirm(ctx, dl, false, true,
		p.opts.ReceiveAccount, p.opts.TokenAddr, methodTransfer, rpcclient.JoinArgs(swap, dl.Amount)); err != nil {
		return ResultDeadLettered, p.abandon(ctx, dl, err)
	}
	log.Info().Msgf("Existing swap %s of %s funded with %s", swap, dl.Owner, dl.Amount)
	return ResultRefunded, p.resolve(ctx, dl)
}

// advance drives dl from its recorded stage to Registered. Each stage's
// transaction is confirmed before the next one is submitted.
func (p *Provisioner) advance(ctx context.Context, dl *store.DeadLetter) (Result, error) {
	state, err := ParseState(dl.Stage)
	if err != nil {
		return ResultFailed, err
	}
	for state < Registered {
		if err := p.step(ctx, state, dl); err != nil {
			return ResultDeadLettered, p.abandon(ctx, dl, err)
		}
		state++
		dl.Stage = state.String()
		dl.PendingTx = ""
		log.Debug().Str("owner", dl.Owner).Str("swap", dl.SwapAddr).Msgf("provisioning reached %s", state)
	}
	log.Info().Msgf("Swap %s registered for %s with %s", dl.SwapAddr, dl.Owner, dl.Amount)
	return ResultRegistered, p.resolve(ctx, dl)
}

func (p *Provisioner) step(ctx context.Context, state State, dl *store.DeadLetter) error {
	switch state {
	case Unregistered:
		addr, err := p.node.RegisterContract(ctx, p.opts.AdminAccount, p.opts.SwapContractPath)
		if err != nil {
			return err
		}
		if addr == "" {
			return ErrEmptyContractAddress
		}
		dl.SwapAddr = addr
		log.Info().Msgf("Swap contract %s deployed for %s", addr, dl.Owner)
		return nil
	case Deployed:
		return p.submitAndConfirm(ctx, dl, true, true,
			p.opts.AdminAccount, dl.SwapAddr, methodInitConfig, rpcclient.JoinArgs(dl.Owner, p.opts.TokenAddr, 0))
	case Initialized:
		return p.submitAndConfirm(ctx, dl, false, true,
			p.opts.ReceiveAccount, p.opts.TokenAddr, methodTransfer, rpcclient.JoinArgs(dl.SwapAddr, dl.Amount))
	case Funded:
		return p.submitAndConfirm(ctx, dl, false, false,
			p.opts.AdminAccount, p.opts.FactoryAddr, methodSetSimpleSwap, rpcclient.JoinArgs(dl.Owner, dl.SwapAddr))
	default:
		return fmt.Errorf("no step from state %s", state)
	}
}

// submitAndConfirm sends the invocation unless dl already carries a pending
// transaction for it, then waits until the transaction is in a block.
func (p *Provisioner) submitAndConfirm(
	ctx context.Context,
	dl *store.DeadLetter,
	waitBefore, waitAfter bool,
	account, contract, method, args string,
) error {
	if dl.PendingTx == "" {
		if waitBefore {
			if err := p.heights.WaitForAdvance(ctx, p.opts.BlockWait); err != nil {
				return err
			}
		}
		txID, err := p.node.InvokeContract(ctx, account, contract, method, args)
		if err != nil {
			return err
		}
		if txID == "" {
			return fmt.Errorf("%s: %w", method, ErrEmptyTxID)
		}
		log.Debug().Msgf("%s sent, tx: %s, contract: %s, args: %s", method, txID, contract, args)
		dl.PendingTx = txID
	}
	if waitAfter {
		if err := p.heights.WaitForAdvance(ctx, p.opts.BlockWait); err != nil {
			return err
		}
	}
	block, err := p.confirmer.AwaitConfirmation(ctx, dl.PendingTx)
	if err != nil {
		return err
	}
	log.Info().Msgf("%s tx %s included in block %d", method, dl.PendingTx, block)
	return nil
}

// abandon records dl and returns cause wrapped with the stage it stopped at.
func (p *Provisioner) abandon(ctx context.Context, dl *store.DeadLetter, cause error) error {
	putCtx := ctx
	if ctx.Err() != nil {
		putCtx = context.WithoutCancel(ctx)
		dl.Reason = "interrupted: " + cause.Error()
	} else {
		dl.Reason = cause.Error()
		dl.Attempts++
	}
	dl.UpdatedAt = p.opts.Now()

	err := fmt.Errorf("provision swap for %s stopped at %s: %w", dl.Owner, dl.Stage, cause)
	if putErr := p.opts.DeadLetters.Put(putCtx, dl); putErr != nil {
		log.Error().Err(putErr).Str("id", dl.ID).Msg("failed to record dead letter")
		return errors.Join(err, storeError("record dead letter "+dl.ID, putErr))
	}
	log.Warn().Err(cause).Str("owner", dl.Owner).Str("swap", dl.SwapAddr).Str("id", dl.ID).
		Msgf("provisioning dead-lettered at %s", dl.Stage)
	return err
}

func (p *Provisioner) resolve(ctx context.Context, dl *store.DeadLetter) error {
	err := p.opts.DeadLetters.Delete(ctx, dl.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeError("delete dead letter "+dl.ID, err)
	}
	return nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDeadLetterStore, err)
}
