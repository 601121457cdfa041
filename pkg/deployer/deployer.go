// Package deployer wires the node client, stores and workers of each
// process and stops them together.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/penguintop/penguin/pkg/agent"
	"github.com/penguintop/penguin/pkg/chain"
	"github.com/penguintop/penguin/pkg/config"
	"github.com/penguintop/penguin/pkg/confirm"
	"github.com/penguintop/penguin/pkg/height"
	"github.com/penguintop/penguin/pkg/metrics"
	"github.com/penguintop/penguin/pkg/pricer"
	"github.com/penguintop/penguin/pkg/provisioner"
	"github.com/penguintop/penguin/pkg/rpcclient"
	"github.com/penguintop/penguin/pkg/scanner"
	"github.com/penguintop/penguin/pkg/store"
	"github.com/penguintop/penguin/pkg/store/file"
	"github.com/penguintop/penguin/pkg/store/postgres"
	"github.com/rs/zerolog/log"
)

const closeTimeout = 10 * time.Second

type Options struct {
	Config *config.Config
	// ConfigPath is where the cursor and the price update time are written
	// back when no database is configured.
	ConfigPath string
	Metrics    *metrics.Metrics
	Datadog    *metrics.DatadogReporter
}

// Stores are the durable state of the deposit agent.
type Stores struct {
	Cursor      store.CursorStore
	DeadLetters store.DeadLetterStore
	pool        *postgres.Pool
}

// OpenStores uses Postgres when a DSN is configured and the config and
// dead-letter files otherwise.
func OpenStores(ctx context.Context, cfg *config.Config, configPath string) (*Stores, error) {
	if cfg.PostgresDSN == "" {
		return &Stores{
			Cursor:      config.NewCursorStore(configPath),
			DeadLetters: file.NewDeadLetterStore(cfg.DeadLetterPath),
		}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Stores{
		Cursor:      postgres.NewCursorStore(pool),
		DeadLetters: postgres.NewDeadLetterStore(pool),
		pool:        pool,
	}, nil
}

func (s *Stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// NewNode builds the retrying node client from the connection settings.
func NewNode(cfg *config.Config, m *metrics.Metrics) *chain.Node {
	policy := rpcclient.RetryPolicy{
		Backoff:    config.Seconds(cfg.RPCRetrySec),
		MaxBackoff: config.Seconds(cfg.RPCMaxRetrySec),
	}
	if cfg.RPCMaxRetrySec > cfg.RPCRetrySec {
		policy.Multiplier = 2
	}
	rpc := rpcclient.New(
		rpcclient.Endpoint(cfg.RPCAddr, cfg.RPCPort),
		rpcclient.WithBasicAuth(cfg.RPCUser, cfg.RPCPassword),
		rpcclient.WithRetryPolicy(policy),
		rpcclient.WithMetrics(m),
	)
	return chain.NewNode(rpc)
}

type Deployer struct {
	// Closes ctx's Done channel and waits for all goroutines to close.
	waitOnCloseRoutines func()
	stores              *Stores
}

// NewDeployer starts the deposit agent and, if configured, the metrics
// server. Config must have passed CheckDeployer.
func NewDeployer(opts *Options) (*Deployer, error) {
	cfg := opts.Config
	ctx, cancel := context.WithCancel(context.Background())

	stores, err := OpenStores(ctx, cfg, opts.ConfigPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stores: %w", err)
	}

	node := NewNode(cfg, opts.Metrics)
	tracker := height.NewTracker(node, height.Options{
		MaxLag:       cfg.MaxHeightLag,
		PollInterval: config.Seconds(cfg.HeightPollSec),
	})
	waiter := confirm.NewWaiter(node, config.Seconds(cfg.ConfirmPollSec), nil)
	prov := provisioner.New(node, waiter, tracker, provisioner.Options{
		CallerAccount:     cfg.CallerAccountName,
		AdminAccount:      cfg.AdminAccountName,
		ReceiveAccount:    cfg.ReceiveAccountName,
		FactoryAddr:       cfg.FactoryAddr,
		TokenAddr:         cfg.TokenAddr,
		SwapContractPath:  cfg.SwapContractPath,
		BlockWait:         cfg.BlockWait,
		FundExistingSwaps: cfg.FundExistingSwaps,
		DeadLetters:       stores.DeadLetters,
	})
	a := agent.New(tracker, scanner.New(node, cfg.TokenAddr, cfg.ReceiveAddr), prov,
		stores.Cursor, stores.DeadLetters, agent.Options{
			StartHeight:           cfg.BlockHeight,
			SaveEveryBlocks:       cfg.SaveEveryBlocks,
			IdleInterval:          config.Seconds(cfg.IdleIntervalSec),
			DeadLetterMaxAttempts: cfg.DeadLetterMaxAttempts,
			Metrics:               opts.Metrics,
			Datadog:               opts.Datadog,
		})

	log.Info().Msgf("Watching deposits of %s to %s", cfg.TokenAddr, cfg.ReceiveAddr)
	agentClosed := a.Start(ctx)
	srv := startMetricsServer(cfg.MetricsAddr, opts.Metrics)

	closeAll := closer(cancel, srv, agentClosed)
	return &Deployer{
		waitOnCloseRoutines: func() {
			closeAll()
			opts.Datadog.Wait()
		},
		stores: stores,
	}, nil
}

// NewPriceOracle starts the staking price job. Config must have passed
// CheckPriceOracle.
func NewPriceOracle(opts *Options) *Deployer {
	cfg := opts.Config
	ctx, cancel := context.WithCancel(context.Background())

	node := NewNode(cfg, opts.Metrics)
	p := pricer.New(node, confirm.NewWaiter(node, config.Seconds(cfg.ConfirmPollSec), nil), pricer.Options{
		CallerAccount:   cfg.CallerAccountName,
		AdminAccount:    cfg.AdminAccountName,
		StakingContract: cfg.StakingContract,
		Period:          time.Duration(cfg.StakingPeriodSec) * time.Second,
		PollInterval:    config.Seconds(cfg.StakingPollSec),
		LastUpdate:      time.Unix(cfg.LastStakingPriceUpdateTime, 0),
		Store:           config.NewPriceUpdateStore(opts.ConfigPath),
		Metrics:         opts.Metrics,
	})

	pricerClosed := p.Start(ctx)
	srv := startMetricsServer(cfg.MetricsAddr, opts.Metrics)
	return &Deployer{waitOnCloseRoutines: closer(cancel, srv, pricerClosed)}
}

func startMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	if addr == "" || m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func closer(cancel context.CancelFunc, srv *http.Server, workers ...<-chan struct{}) func() {
	return func() {
		cancel()

		if srv != nil {
			ctx, stop := context.WithTimeout(context.Background(), closeTimeout)
			defer stop()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to stop metrics server")
			}
		}
		for _, done := range workers {
			<-done
		}
	}
}

// TryCloseAll attempts to close all workers and the database connection.
func (d *Deployer) TryCloseAll() (err error) {
	log.Debug().Msg("closing all workers and db connection")
	defer func() {
		if d.stores != nil {
			d.stores.Close()
		}
	}()

	workersClosed := make(chan struct{})
	go func() {
		defer close(workersClosed)
		d.waitOnCloseRoutines()
	}()

	select {
	case <-workersClosed:
		log.Info().Msg("all workers closed")
		return nil
	case <-time.After(closeTimeout):
		msg := "failed to close all workers in 10 sec"
		log.Error().Msg(msg)
		return errors.New(msg)
	}
}
