// Package config loads the deployer's YAML configuration and writes the
// fields the processes own back to the same file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/penguintop/penguin/pkg/fsutil"
	"gopkg.in/yaml.v2"
)

const (
	DefaultRPCUser          = "a"
	DefaultRPCPassword      = "b"
	DefaultSwapContractPath = "XRC20SimpleSwap.glua.gpc"
	DefaultDeadLetterPath   = "dead_letters.yaml"
	DefaultStakingPeriod    = 13 * 24 * time.Hour
)

type Config struct {
	RPCAddr     string `yaml:"rpc_addr"`
	RPCPort     int    `yaml:"rpc_port"`
	RPCUser     string `yaml:"rpc_user"`
	RPCPassword string `yaml:"rpc_password"`

	CallerAccountName  string `yaml:"caller_account_name"`
	AdminAccountName   string `yaml:"admin_account_name"`
	ReceiveAccountName string `yaml:"receive_account_name"`
	FactoryAddr        string `yaml:"factory_addr"`
	TokenAddr          string `yaml:"token_addr"`
	ReceiveAddr        string `yaml:"receive_addr"`
	SwapContractPath   string `yaml:"swap_contract_path"`

	// BlockHeight is the last fully processed block.
	BlockHeight uint64 `yaml:"block_height"`

	SaveEveryBlocks uint64 `yaml:"save_every_blocks"`
	IdleIntervalSec int    `yaml:"idle_interval_sec"`
	RPCRetrySec     int    `yaml:"rpc_retry_sec"`
	RPCMaxRetrySec  int    `yaml:"rpc_max_retry_sec"`
	ConfirmPollSec  int    `yaml:"confirm_poll_sec"`
	HeightPollSec   int    `yaml:"height_poll_sec"`
	BlockWait       uint64 `yaml:"block_wait"`
	MaxHeightLag    uint64 `yaml:"max_height_lag"`

	FundExistingSwaps     bool   `yaml:"fund_existing_swaps"`
	DeadLetterPath        string `yaml:"dead_letter_path"`
	DeadLetterMaxAttempts int    `yaml:"dead_letter_max_attempts"`
	PostgresDSN           string `yaml:"postgres_dsn"`

	LogLevel    string `yaml:"log_level"`
	LogDir      string `yaml:"log_dir"`
	MetricsAddr string `yaml:"metrics_addr"`

	StakingContract            string `yaml:"staking_contract"`
	StakingPeriodSec           int64  `yaml:"staking_period_sec"`
	StakingPollSec             int    `yaml:"staking_poll_sec"`
	LastStakingPriceUpdateTime int64  `yaml:"last_staking_price_update_time"`
}

// Load reads the file at path. Environment variables fill the secrets the
// file leaves empty.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at: %s, %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file at: %s, %w", path, err)
	}
	if cfg.RPCPassword == "" {
		cfg.RPCPassword = os.Getenv("SWAP_DEPLOYER_RPC_PASSWORD")
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = os.Getenv("SWAP_DEPLOYER_POSTGRES_DSN")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = os.Getenv("LOG_LEVEL")
	}
	return cfg, nil
}

// CheckNode validates the settings every process needs to reach the node
// and fills their defaults.
func (c *Config) CheckNode() error {
	if c.RPCAddr == "" {
		return fmt.Errorf("rpc_addr is required")
	}
	if c.RPCPort == 0 {
		return fmt.Errorf("rpc_port is required")
	}
	if c.RPCUser == "" {
		c.RPCUser = DefaultRPCUser
	}
	if c.RPCPassword == "" {
		c.RPCPassword = DefaultRPCPassword
	}
	if c.CallerAccountName == "" {
		return fmt.Errorf("caller_account_name is required")
	}
	if c.AdminAccountName == "" {
		return fmt.Errorf("admin_account_name is required")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.RPCRetrySec == 0 {
		c.RPCRetrySec = 10
	}
	if c.RPCMaxRetrySec < c.RPCRetrySec {
		c.RPCMaxRetrySec = c.RPCRetrySec
	}
	if c.ConfirmPollSec == 0 {
		c.ConfirmPollSec = 10
	}
	if c.HeightPollSec == 0 {
		c.HeightPollSec = 6
	}
	if c.MaxHeightLag == 0 {
		c.MaxHeightLag = 1000
	}
	return nil
}

// CheckDeployer validates the settings of the deposit agent.
func (c *Config) CheckDeployer() error {
	if err := c.CheckNode(); err != nil {
		return err
	}
	if c.ReceiveAccountName == "" {
		return fmt.Errorf("receive_account_name is required")
	}
	if c.FactoryAddr == "" {
		return fmt.Errorf("factory_addr is required")
	}
	if c.TokenAddr == "" {
		return fmt.Errorf("token_addr is required")
	}
	if c.ReceiveAddr == "" {
		return fmt.Errorf("receive_addr is required")
	}
	if c.SwapContractPath == "" {
		c.SwapContractPath = DefaultSwapContractPath
	}
	if c.SaveEveryBlocks == 0 {
		c.SaveEveryBlocks = 10
	}
	if c.IdleIntervalSec == 0 {
		c.IdleIntervalSec = 10
	}
	if c.BlockWait == 0 {
		c.BlockWait = 2
	}
	if c.DeadLetterPath == "" {
		c.DeadLetterPath = DefaultDeadLetterPath
	}
	if c.DeadLetterMaxAttempts == 0 {
		c.DeadLetterMaxAttempts = 5
	}
	return nil
}

// CheckPriceOracle validates the settings of the staking price job.
func (c *Config) CheckPriceOracle() error {
	if err := c.CheckNode(); err != nil {
		return err
	}
	if c.StakingContract == "" {
		return fmt.Errorf("staking_contract is required")
	}
	if c.StakingPeriodSec == 0 {
		c.StakingPeriodSec = int64(DefaultStakingPeriod / time.Second)
	}
	if c.StakingPollSec == 0 {
		c.StakingPollSec = 30
	}
	return nil
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// SetField replaces a single top-level key in the file at path and leaves
// every other key as it was. The file is replaced atomically.
func SetField(path, key string, value any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file at: %s, %w", path, err)
	}
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal config file at: %s, %w", path, err)
	}

	found := false
	for i := range doc {
		if k, ok := doc[i].Key.(string); ok && k == key {
			doc[i].Value = value
			found = true
			break
		}
	}
	if !found {
		doc = append(doc, yaml.MapItem{Key: key, Value: value})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return fsutil.WriteFileAtomic(path, out, 0o644)
}
