package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/penguintop/penguin/pkg/config"
	"github.com/penguintop/penguin/pkg/deployer"
	"github.com/penguintop/penguin/pkg/logging"
	"github.com/penguintop/penguin/pkg/metrics"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	optionConfig = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to deployer config file",
		Required: true,
		EnvVars:  []string{"SWAP_DEPLOYER_CONFIG"},
	}
	optionDelete = &cli.StringFlag{
		Name:  "delete",
		Usage: "remove the dead letter with this id",
	}
)

func main() {
	app := &cli.App{
		Name:  "swap-deployer",
		Usage: "Provisions a swap contract for every token deposit to the deposit address",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Scan blocks and provision swaps",
				Flags: []cli.Flag{
					optionConfig,
				},
				Action: func(c *cli.Context) error {
					return start(c)
				},
			},
			{
				Name:  "price-oracle",
				Usage: "Adjust the staking amount to the miner count periodically",
				Flags: []cli.Flag{
					optionConfig,
				},
				Action: func(c *cli.Context) error {
					return startPriceOracle(c)
				},
			},
			{
				Name:  "dead-letters",
				Usage: "List abandoned provisioning passes",
				Flags: []cli.Flag{
					optionConfig,
					optionDelete,
				},
				Action: func(c *cli.Context) error {
					return deadLetters(c)
				},
			},
		}}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "exited with error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context, check func(*config.Config) error) (*config.Config, string) {
	path := c.String(optionConfig.Name)
	log.Info().Str("config_file", path).Msg("loading config")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config provided as file")
	}
	if err := check(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	return cfg, path
}

func setupLogging(cfg *config.Config) io.Closer {
	closer, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	return closer
}

func newOptions(cfg *config.Config, path string) *deployer.Options {
	return &deployer.Options{
		Config:     cfg,
		ConfigPath: path,
		Metrics:    metrics.New(),
		Datadog: metrics.NewDatadogReporter(
			os.Getenv("DD_API_KEY"),
			os.Getenv("DD_APP_KEY"),
			[]string{"service:swap-deployer", "factory:" + cfg.FactoryAddr},
		),
	}
}

func start(c *cli.Context) error {
	cfg, path := loadConfig(c, (*config.Config).CheckDeployer)
	logCloser := setupLogging(cfg)
	defer logCloser.Close()

	d, err := deployer.NewDeployer(newOptions(cfg, path))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start deployer")
	}
	waitAndClose(c, d)
	return nil
}

func startPriceOracle(c *cli.Context) error {
	cfg, path := loadConfig(c, (*config.Config).CheckPriceOracle)
	logCloser := setupLogging(cfg)
	defer logCloser.Close()

	waitAndClose(c, deployer.NewPriceOracle(newOptions(cfg, path)))
	return nil
}

func waitAndClose(c *cli.Context, d *deployer.Deployer) {
	interruptSigChan := make(chan os.Signal, 1)
	signal.Notify(interruptSigChan, os.Interrupt, syscall.SIGTERM)

	// Block until interrupt signal OR context's Done channel is closed.
	select {
	case <-interruptSigChan:
	case <-c.Done():
	}
	fmt.Fprintf(c.App.Writer, "shutting down...\n")

	closedAllSuccessfully := make(chan struct{})
	go func() {
		defer close(closedAllSuccessfully)

		err := d.TryCloseAll()
		if err != nil {
			log.Error().Err(err).Msg("failed to close all routines and db connection")
		}
	}()
	select {
	case <-closedAllSuccessfully:
	case <-time.After(15 * time.Second):
		log.Error().Msg("failed to close all in time")
	}
}

func deadLetters(c *cli.Context) error {
	cfg, path := loadConfig(c, (*config.Config).CheckDeployer)
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	stores, err := deployer.OpenStores(ctx, cfg, path)
	if err != nil {
		return err
	}
	defer stores.Close()

	if id := c.String(optionDelete.Name); id != "" {
		if err := stores.DeadLetters.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete dead letter %s: %w", id, err)
		}
		fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
		return nil
	}

	letters, err := stores.DeadLetters.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHEIGHT\tOWNER\tAMOUNT\tSTAGE\tSWAP\tATTEMPTS\tREASON")
	for _, dl := range letters {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			dl.ID, dl.Height, dl.Owner, dl.Amount, dl.Stage, dl.SwapAddr, dl.Attempts, dl.Reason)
	}
	return w.Flush()
}
