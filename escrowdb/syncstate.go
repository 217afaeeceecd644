package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trustflow/escrowd/escrow"
)

// GetOrInitSyncState loads the cursor for (chainID, contract), creating it
// at startBlock with the given confirmation settings when absent.
func (q queries) GetOrInitSyncState(ctx context.Context, chainID uint64, contract string, startBlock, confirmations, reorgBuffer uint64) (*escrow.ChainSyncState, error) {
	st, err := q.getSyncState(ctx, chainID, contract)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO chain_sync_state (chain_id, contract_address,
			last_processed_block, last_finalized_block, confirmations, reorg_buffer, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, contract_address) DO NOTHING`,
		chainID, contract, startBlock, startBlock, confirmations, reorgBuffer, now)
	if err != nil {
		return nil, fmt.Errorf("escrowdb: init sync state: %w", err)
	}
	return q.getSyncState(ctx, chainID, contract)
}

func (q queries) getSyncState(ctx context.Context, chainID uint64, contract string) (*escrow.ChainSyncState, error) {
	var st escrow.ChainSyncState
	err := q.q.QueryRowContext(ctx, `
		SELECT id, chain_id, contract_address, last_processed_block,
			last_finalized_block, confirmations, reorg_buffer, updated_at
		FROM chain_sync_state WHERE chain_id = $1 AND contract_address = $2`,
		chainID, contract).
		Scan(&st.ID, &st.ChainID, &st.ContractAddress, &st.LastProcessedBlock,
			&st.LastFinalizedBlock, &st.Confirmations, &st.ReorgBuffer, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrowdb: scan sync state: %w", err)
	}
	return &st, nil
}

// CommitSyncState persists the cursor position. It runs inside the batch
// transaction so that the cursor only ever advances together with the
// batch's ledger inserts and projections.
func (q queries) CommitSyncState(ctx context.Context, st *escrow.ChainSyncState) error {
	st.UpdatedAt = time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
		UPDATE chain_sync_state SET last_processed_block = $1,
			last_finalized_block = $2, updated_at = $3
		WHERE id = $4`,
		st.LastProcessedBlock, st.LastFinalizedBlock, st.UpdatedAt, st.ID)
	if err != nil {
		return fmt.Errorf("escrowdb: commit sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
