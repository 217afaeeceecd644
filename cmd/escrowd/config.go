package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/trustflow/escrowd/chainsync"
	"github.com/trustflow/escrowd/escrow"
	"github.com/trustflow/escrowd/metrics"
)

// Config is the full daemon configuration, loadable from a TOML file and
// overridable by flags. Flags win.
type Config struct {
	RPCURL                string
	RPCRateLimit          float64 // requests per second, 0 disables
	ChainID               uint64
	EscrowContractAddress string
	DatabaseURL           string

	StartBlock           uint64
	SyncIntervalSeconds  uint64
	Confirmations        uint64
	ReorgBuffer          uint64
	MaxBlocksPerFetch    uint64
	MaxBatchesPerSession int

	SessionCleanupIntervalSeconds uint64
	StopTimeoutSeconds            uint64

	Metrics metrics.Config
}

// DefaultConfig mirrors the development defaults of the platform.
var DefaultConfig = Config{
	RPCURL:                        "http://localhost:8545",
	ChainID:                       31337,
	DatabaseURL:                   "escrowd.db",
	SyncIntervalSeconds:           15,
	Confirmations:                 2,
	ReorgBuffer:                   10,
	MaxBlocksPerFetch:             1000,
	MaxBatchesPerSession:          20,
	SessionCleanupIntervalSeconds: 6 * 3600,
	StopTimeoutSeconds:            10,
	Metrics:                       metrics.DefaultConfig,
}

// Validate refuses configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("config: rpc url is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("config: database url is required")
	}
	if c.ChainID == 0 {
		return errors.New("config: chain id is required")
	}
	if c.EscrowContractAddress == "" {
		return errors.New("config: escrow contract address is required")
	}
	addr, err := escrow.NormalizeAddress(c.EscrowContractAddress)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.EscrowContractAddress = addr
	return nil
}

// SyncConfig derives the sync worker parameters.
func (c *Config) SyncConfig() chainsync.Config {
	return chainsync.Config{
		ChainID:              c.ChainID,
		ContractAddress:      c.EscrowContractAddress,
		StartBlock:           c.StartBlock,
		PollInterval:         time.Duration(c.SyncIntervalSeconds) * time.Second,
		Confirmations:        c.Confirmations,
		ReorgBuffer:          c.ReorgBuffer,
		MaxBlocksPerFetch:    c.MaxBlocksPerFetch,
		MaxBatchesPerSession: c.MaxBatchesPerSession,
	}
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// makeConfig assembles the effective configuration: defaults, then the
// optional TOML file, then explicit flags.
func makeConfig(ctx *cli.Context) (*Config, error) {
	cfg := DefaultConfig
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet(rpcURLFlag.Name) {
		cfg.RPCURL = ctx.String(rpcURLFlag.Name)
	}
	if ctx.IsSet(rpcRateLimitFlag.Name) {
		cfg.RPCRateLimit = ctx.Float64(rpcRateLimitFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.ChainID = ctx.Uint64(chainIDFlag.Name)
	}
	if ctx.IsSet(contractFlag.Name) {
		cfg.EscrowContractAddress = ctx.String(contractFlag.Name)
	}
	if ctx.IsSet(databaseURLFlag.Name) {
		cfg.DatabaseURL = ctx.String(databaseURLFlag.Name)
	}
	if ctx.IsSet(startBlockFlag.Name) {
		cfg.StartBlock = ctx.Uint64(startBlockFlag.Name)
	}
	if ctx.IsSet(syncIntervalFlag.Name) {
		cfg.SyncIntervalSeconds = ctx.Uint64(syncIntervalFlag.Name)
	}
	if ctx.IsSet(confirmationsFlag.Name) {
		cfg.Confirmations = ctx.Uint64(confirmationsFlag.Name)
	}
	if ctx.IsSet(reorgBufferFlag.Name) {
		cfg.ReorgBuffer = ctx.Uint64(reorgBufferFlag.Name)
	}
	if ctx.IsSet(maxBlocksFlag.Name) {
		cfg.MaxBlocksPerFetch = ctx.Uint64(maxBlocksFlag.Name)
	}
	if ctx.IsSet(maxBatchesFlag.Name) {
		cfg.MaxBatchesPerSession = ctx.Int(maxBatchesFlag.Name)
	}
	if ctx.IsSet(cleanupIntervalFlag.Name) {
		cfg.SessionCleanupIntervalSeconds = ctx.Uint64(cleanupIntervalFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Metrics.Enabled = ctx.Bool(metricsFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = ctx.String(metricsAddrFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// dumpConfig prints the effective configuration as TOML so a deployment
// can bootstrap its config file.
func dumpConfig(ctx *cli.Context) error {
	cfg := DefaultConfig
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return err
		}
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
