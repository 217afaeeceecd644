// escrowd is the off-chain synchronization daemon of the TrustFlow escrow
// platform. It tails the TrustFlowEscrow contract, maintains the event
// ledger and drives agreement and dispute state from on-chain facts.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/trustflow/escrowd/chain"
	"github.com/trustflow/escrowd/chainsync"
	"github.com/trustflow/escrowd/escrowdb"
	"github.com/trustflow/escrowd/metrics"
	"github.com/trustflow/escrowd/node"
)

const version = "0.3.0"

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc.url",
		Usage: "Blockchain JSON-RPC endpoint",
	}
	rpcRateLimitFlag = &cli.Float64Flag{
		Name:  "rpc.ratelimit",
		Usage: "Maximum RPC requests per second (0 = unlimited)",
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chainid",
		Usage: "Chain id the sync cursor belongs to",
	}
	contractFlag = &cli.StringFlag{
		Name:  "contract",
		Usage: "TrustFlowEscrow contract address",
	}
	databaseURLFlag = &cli.StringFlag{
		Name:  "db.url",
		Usage: "Database URL (postgres://... or a SQLite path)",
	}
	startBlockFlag = &cli.Uint64Flag{
		Name:  "sync.startblock",
		Usage: "Block to start scanning from when no cursor exists",
	}
	syncIntervalFlag = &cli.Uint64Flag{
		Name:  "sync.interval",
		Usage: "Seconds between sync polls",
	}
	confirmationsFlag = &cli.Uint64Flag{
		Name:  "sync.confirmations",
		Usage: "Required block-height lag from the chain tip",
	}
	reorgBufferFlag = &cli.Uint64Flag{
		Name:  "sync.reorgbuffer",
		Usage: "Blocks kept for a future reorg rescan window",
	}
	maxBlocksFlag = &cli.Uint64Flag{
		Name:  "sync.maxblocks",
		Usage: "Maximum blocks fetched per batch",
	}
	maxBatchesFlag = &cli.IntFlag{
		Name:  "sync.maxbatches",
		Usage: "Maximum batches per sync session",
	}
	cleanupIntervalFlag = &cli.Uint64Flag{
		Name:  "cleanup.interval",
		Usage: "Seconds between expired-session sweeps",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable the Prometheus exposition server",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Listen address of the exposition server",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:    "escrowd",
		Usage:   "TrustFlow escrow chain synchronization daemon",
		Version: version,
		Flags: []cli.Flag{
			configFileFlag, rpcURLFlag, rpcRateLimitFlag, chainIDFlag,
			contractFlag, databaseURLFlag, startBlockFlag, syncIntervalFlag,
			confirmationsFlag, reorgBufferFlag, maxBlocksFlag, maxBatchesFlag,
			cleanupIntervalFlag, metricsFlag, metricsAddrFlag, verbosityFlag,
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "dumpconfig",
				Usage:  "Print the effective configuration as TOML",
				Flags:  []cli.Flag{configFileFlag},
				Action: dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Fatal:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogging(ctx.Int(verbosityFlag.Name))

	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	store, err := escrowdb.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx.Context); err != nil {
		return err
	}
	log.Info("Storage ready", "dialect", store.Dialect())

	// Dialing is lazy for HTTP endpoints; an unreachable node surfaces in
	// the worker loop as a transient error, not at boot.
	client, err := chain.DialContext(ctx.Context, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()
	if cfg.RPCRateLimit > 0 {
		client.SetRequestLimit(cfg.RPCRateLimit, 1)
	}
	if head, err := client.BlockNumber(ctx.Context); err != nil {
		log.Warn("Blockchain not reachable at boot, will retry", "rpc", cfg.RPCURL, "err", err)
	} else {
		log.Info("Connected to blockchain", "rpc", cfg.RPCURL, "head", head)
	}

	syncWorker, err := chainsync.NewWorker(cfg.SyncConfig(), client, store)
	if err != nil {
		return err
	}

	stack := node.New()
	stack.SetStopTimeout(time.Duration(cfg.StopTimeoutSeconds) * time.Second)
	stack.Register(metrics.NewServer(cfg.Metrics))
	stack.Register(syncWorker)
	stack.Register(chainsync.NewCleanupWorker(store,
		time.Duration(cfg.SessionCleanupIntervalSeconds)*time.Second))

	if err := stack.Start(); err != nil {
		return err
	}
	stack.Wait()
	return stack.Stop()
}

func setupLogging(verbosity int) {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), false)
	log.SetDefault(log.NewLogger(handler))
}
