// Package pricer periodically adjusts the amount a miner has to stake,
// following the number of miners registered with the staking contract.
package pricer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/penguintop/penguin/pkg/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPeriod       = 13 * 24 * time.Hour
	DefaultPollInterval = 30 * time.Second

	methodInfo         = "info"
	methodSetNeedAmout = "setStakingNeedAmount"
)

var (
	// ErrMissingMinerCount is returned when the staking contract info has no
	// totalMinerCount.
	ErrMissingMinerCount = errors.New("totalMinerCount not found in staking info")
	ErrEmptyTxID         = errors.New("empty transaction id")
)

type node interface {
	InvokeContractOffline(ctx context.Context, caller, contract, method, args string) (string, error)
	InvokeContract(ctx context.Context, account, contract, method, args string) (string, error)
}

type confirmer interface {
	AwaitConfirmation(ctx context.Context, txID string) (uint64, error)
}

type UpdateStore interface {
	SaveLastUpdate(ctx context.Context, t time.Time) error
}

type Options struct {
	CallerAccount   string
	AdminAccount    string
	StakingContract string
	Period          time.Duration
	PollInterval    time.Duration
	LastUpdate      time.Time
	Store           UpdateStore
	Clock           mclock.Clock
	Now             func() time.Time
	Metrics         *metrics.Metrics
}

type Pricer struct {
	node       node
	confirmer  confirmer
	opts       Options
	lastUpdate time.Time
}

func New(node node, confirmer confirmer, opts Options) *Pricer {
	if opts.Period == 0 {
		opts.Period = DefaultPeriod
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = mclock.System{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pricer{
		node:       node,
		confirmer:  confirmer,
		opts:       opts,
		lastUpdate: opts.LastUpdate,
	}
}

// NeedAmount is the stake required when count miners are registered:
// (350 * 1.008^(-count/2000) + 50) * 1e8, rounded down.
func NeedAmount(count int64) int64 {
	v := (350*math.Pow(1.008, -float64(count)/2000) + 50) * 1e8
	return int64(math.Floor(v))
}

// Start runs the job in a goroutine; the channel closes when it stops.
func (p *Pricer) Start(ctx context.Context) <-chan struct{} {
	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		p.Run(ctx)
	}()
	return doneChan
}

// Run checks every PollInterval whether more than Period has passed since
// the last update and, if so, sets a new price. It returns when ctx is done.
func (p *Pricer) Run(ctx context.Context) {
	log.Info().Msgf("Price oracle started, last update: %s", p.lastUpdate.Format(time.RFC3339))
	for {
		if p.Due() {
			if err := p.Update(ctx); err != nil {
				if ctx.Err() != nil {
					log.Info().Msg("Price oracle shutting down")
					return
				}
				log.Warn().Err(err).Msg("staking price update failed, retrying on next poll")
			}
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Price oracle shutting down")
			return
		case <-p.opts.Clock.After(p.opts.PollInterval):
		}
	}
}

// Due reports whether the price is older than Period.
func (p *Pricer) Due() bool {
	return p.opts.Now().Sub(p.lastUpdate) > p.opts.Period
}

// Update reads the miner count, submits the new stake amount and waits for
// the transaction to be included before recording the update time.
func (p *Pricer) Update(ctx context.Context) error {
	info, err := p.node.InvokeContractOffline(ctx, p.opts.CallerAccount, p.opts.StakingContract, methodInfo, "")
	if err != nil {
		return fmt.Errorf("query staking info: %w", err)
	}
	count, err := parseMinerCount(info)
	if err != nil {
		return err
	}

	amount := NeedAmount(count)
	log.Info().Msgf("setStakingNeedAmount %d for %d miners", amount, count)
	txID, err := p.node.InvokeContract(ctx, p.opts.AdminAccount, p.opts.StakingContract, methodSetNeedAmout,
		strconv.FormatInt(amount, 10))
	if err != nil {
		return err
	}
	if txID == "" {
		return fmt.Errorf("%s: %w", methodSetNeedAmout, ErrEmptyTxID)
	}
	if _, err := p.confirmer.AwaitConfirmation(ctx, txID); err != nil {
		return err
	}
	log.Info().Msg("Update price success")

	p.lastUpdate = p.opts.Now()
	p.opts.Metrics.PriceUpdated()
	if p.opts.Store != nil {
		if err := p.opts.Store.SaveLastUpdate(ctx, p.lastUpdate); err != nil {
			log.Error().Err(err).Msg("failed to save staking price update time")
		}
	}
	return nil
}

func parseMinerCount(info string) (int64, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(info), &obj); err != nil {
		return 0, fmt.Errorf("decode staking info: %w", err)
	}
	raw, ok := obj["totalMinerCount"]
	if !ok {
		return 0, ErrMissingMinerCount
	}
	s := strings.Trim(string(raw), `"`)
	count, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode totalMinerCount %s: %w", raw, err)
	}
	return count, nil
}
