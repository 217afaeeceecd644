package escrowdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trustflow/escrowd/escrow"
)

// InsertEventIfAbsent appends ev to the event ledger. The insert is a
// single conflict-do-nothing statement on the idempotency key
// (chain_id, tx_hash, log_index); a read-then-write would let two workers
// both insert after both reading nothing. Returns false when the event was
// already recorded. A foreign-key failure here means the event references
// an agreement this platform never drafted (an orphaned event).
func (q queries) InsertEventIfAbsent(ctx context.Context, ev *escrow.OnchainEvent) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO onchain_events (chain_id, contract_address, tx_hash, log_index,
			event_name, agreement_id, block_number, block_hash, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
		ev.ChainID, ev.ContractAddress, ev.TxHash, ev.LogIndex,
		string(ev.EventName), ev.AgreementID, ev.BlockNumber, ev.BlockHash,
		string(ev.Payload), ev.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("escrowdb: insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("escrowdb: insert event: %w", err)
	}
	return n > 0, nil
}

// LatestProcessedBlock returns the highest block number present in the
// ledger for a contract, 0 when the ledger is empty. Diagnostic read; the
// sync cursor is the authority for resume position.
func (q queries) LatestProcessedBlock(ctx context.Context, chainID uint64, contract string) (uint64, error) {
	var max sql.NullInt64
	err := q.q.QueryRowContext(ctx, `
		SELECT MAX(block_number) FROM onchain_events
		WHERE chain_id = $1 AND contract_address = $2`, chainID, contract).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("escrowdb: latest processed block: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// CountEventsForAgreement returns the number of ledger rows referencing an
// agreement.
func (q queries) CountEventsForAgreement(ctx context.Context, agreementID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM onchain_events WHERE agreement_id = $1`, agreementID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("escrowdb: count events: %w", err)
	}
	return n, nil
}
