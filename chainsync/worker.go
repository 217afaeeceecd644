package chainsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/trustflow/escrowd/chain"
	"github.com/trustflow/escrowd/escrow"
	"github.com/trustflow/escrowd/escrowdb"
	"github.com/trustflow/escrowd/metrics"
)

// ChainReader is the worker's view of the blockchain, satisfied by
// *chain.Client.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, from, to uint64, contract common.Address) ([]types.Log, error)
}

// Config parameterizes one sync worker. Exactly one worker should run per
// (chain id, contract address); a second is safe but wastes RPC work.
type Config struct {
	ChainID         uint64
	ContractAddress string // canonical lowercase hex
	StartBlock      uint64

	PollInterval  time.Duration
	Confirmations uint64
	// ReorgBuffer is persisted with the cursor for a future rescan window;
	// the present worker does not rescan.
	ReorgBuffer uint64

	MaxBlocksPerFetch    uint64
	MaxBatchesPerSession int
}

const (
	defaultMaxBlocksPerFetch    = 1000
	defaultMaxBatchesPerSession = 20
	defaultPollInterval         = 15 * time.Second
)

// Worker tails the escrow contract and keeps the off-chain tables
// consistent with the chain. It implements node.Lifecycle.
type Worker struct {
	cfg      Config
	client   ChainReader
	store    *escrowdb.Store
	decoder  *chain.Decoder
	proj     *Projector
	contract common.Address
	log      log.Logger

	quit chan struct{}
	done chan struct{}
}

// NewWorker wires a sync worker from explicit collaborators.
func NewWorker(cfg Config, client ChainReader, store *escrowdb.Store) (*Worker, error) {
	if cfg.ContractAddress == "" {
		return nil, errors.New("chainsync: contract address not configured")
	}
	addr, err := escrow.NormalizeAddress(cfg.ContractAddress)
	if err != nil {
		return nil, err
	}
	cfg.ContractAddress = addr
	if cfg.MaxBlocksPerFetch == 0 {
		cfg.MaxBlocksPerFetch = defaultMaxBlocksPerFetch
	}
	if cfg.MaxBatchesPerSession == 0 {
		cfg.MaxBatchesPerSession = defaultMaxBatchesPerSession
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	dec, err := chain.NewDecoder()
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:      cfg,
		client:   client,
		store:    store,
		decoder:  dec,
		proj:     NewProjector(),
		contract: common.HexToAddress(addr),
		log:      log.New("worker", "sync", "chain", cfg.ChainID),
	}, nil
}

// Start launches the polling loop. An unreachable RPC endpoint is not
// fatal here; the loop logs and retries every tick.
func (w *Worker) Start() error {
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	w.log.Info("Chain sync worker started",
		"contract", w.cfg.ContractAddress, "confirmations", w.cfg.Confirmations)
	return nil
}

// Stop signals the loop and waits for it to drain. Cancellation is honored
// between batches; an in-flight batch either commits or rolls back whole.
func (w *Worker) Stop() error {
	close(w.quit)
	<-w.done
	w.log.Info("Chain sync worker stopped")
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.quit
		cancel()
	}()

	timer := time.NewTimer(0) // first pass immediately
	defer timer.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-timer.C:
		}
		w.runSession(ctx)
		timer.Reset(w.cfg.PollInterval)
	}
}

// runSession processes up to MaxBatchesPerSession batches back to back,
// bounding how much work a single wake performs before yielding resources.
func (w *Worker) runSession(ctx context.Context) {
	for i := 0; i < w.cfg.MaxBatchesPerSession; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		blocks, reachedTop, err := w.processBatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				metrics.BatchErrors.Inc()
				w.log.Error("Sync batch failed", "err", err)
			}
			return
		}
		if blocks > 0 {
			w.log.Info("Processed batch", "batch", i+1, "blocks", blocks)
		}
		if reachedTop || blocks == 0 {
			w.log.Debug("Reached chain tip")
			return
		}
	}
}

// processBatch runs one fetch-decode-apply-commit cycle inside a single
// transaction. The cursor update commits atomically with the batch's
// ledger inserts and projections, so a crash rewinds to exactly the last
// committed position.
func (w *Worker) processBatch(ctx context.Context) (blocks uint64, reachedTop bool, err error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, false, err
	}
	var tip uint64
	if head > w.cfg.Confirmations {
		tip = head - w.cfg.Confirmations
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	st, err := tx.GetOrInitSyncState(ctx, w.cfg.ChainID, w.cfg.ContractAddress,
		w.cfg.StartBlock, w.cfg.Confirmations, w.cfg.ReorgBuffer)
	if err != nil {
		return 0, false, err
	}
	if tip <= st.LastProcessedBlock {
		tx.Rollback()
		return 0, true, nil
	}

	from := st.LastProcessedBlock + 1
	to := from + w.cfg.MaxBlocksPerFetch - 1
	if to > tip {
		to = tip
	}

	logs, err := w.client.FilterLogs(ctx, from, to, w.contract)
	if err != nil {
		return 0, false, err
	}
	// Never trust remote ordering.
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for i := range logs {
		if err := w.processLog(ctx, tx, &logs[i]); err != nil {
			return 0, false, err
		}
	}

	st.LastProcessedBlock = to
	st.LastFinalizedBlock = to
	if err := tx.CommitSyncState(ctx, st); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}

	blocks = to - from + 1
	metrics.BlocksProcessed.Add(float64(blocks))
	metrics.BatchesCommitted.Inc()
	metrics.LastProcessedBlock.Set(float64(to))
	return blocks, to >= tip, nil
}

// processLog decodes one log and applies it under a savepoint. Decode
// failures and orphaned events are isolated; any other storage fault
// escalates and aborts the batch.
func (w *Worker) processLog(ctx context.Context, tx *escrowdb.Tx, lg *types.Log) error {
	ev, err := w.decoder.Decode(*lg)
	if errors.Is(err, chain.ErrUnknownEvent) {
		metrics.EventsSkipped.WithLabelValues("unknown").Inc()
		return nil
	}
	if err != nil {
		metrics.EventsSkipped.WithLabelValues("undecodable").Inc()
		w.log.Warn("Failed to decode known event", "tx", lg.TxHash, "index", lg.Index, "err", err)
		return nil
	}

	rec, err := w.ledgerRecord(ev)
	if err != nil {
		return err
	}

	err = tx.WithSavepoint(ctx, func() error {
		inserted, err := tx.InsertEventIfAbsent(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			metrics.EventsSkipped.WithLabelValues("duplicate").Inc()
			w.log.Debug("Event already processed", "tx", rec.TxHash, "logIndex", rec.LogIndex)
			return nil
		}
		metrics.EventsApplied.WithLabelValues(string(ev.Name)).Inc()
		return w.proj.Apply(ctx, tx, ev, rec.ProcessedAt)
	})
	if err != nil {
		if escrowdb.IsFKViolation(err) {
			metrics.EventsSkipped.WithLabelValues("orphaned").Inc()
			w.log.Warn("Skipping orphaned on-chain event",
				"agreementId", rec.AgreementID, "tx", rec.TxHash)
			return nil
		}
		return fmt.Errorf("apply event %s (tx %s, log %d): %w", ev.Name, rec.TxHash, rec.LogIndex, err)
	}
	return nil
}

// ledgerRecord builds the append-only ledger row for a decoded event.
func (w *Worker) ledgerRecord(ev *chain.DecodedEvent) (*escrow.OnchainEvent, error) {
	rec := &escrow.OnchainEvent{
		ChainID:         w.cfg.ChainID,
		ContractAddress: strings.ToLower(ev.Log.Address.Hex()),
		TxHash:          ev.Log.TxHash.Hex(),
		LogIndex:        uint32(ev.Log.Index),
		EventName:       ev.Name,
		AgreementID:     ev.AgreementID,
		BlockNumber:     ev.Log.BlockNumber,
		BlockHash:       ev.Log.BlockHash.Hex(),
		ProcessedAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(map[string]interface{}{
		"chainId":         rec.ChainID,
		"address":         rec.ContractAddress,
		"transactionHash": rec.TxHash,
		"logIndex":        rec.LogIndex,
		"blockNumber":     rec.BlockNumber,
		"blockHash":       rec.BlockHash,
		"event":           string(ev.Name),
		"args":            ev.Args(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	rec.Payload = payload
	return rec, nil
}
