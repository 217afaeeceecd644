package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/trustflow/escrowd/escrow"
)

const agreementColumns = `
	agreement_id, payer_id, payee_id, arbitrator_id, arbitration_policy,
	amount_wei, status, created_tx_hash, funded_tx_hash, released_tx_hash,
	refunded_tx_hash, created_onchain_at, funded_at, released_at, refunded_at,
	created_at, updated_at`

// CreateDraftAgreement inserts a new agreement in DRAFT state. This is the
// write path of the HTTP surface; the projector never creates agreements.
func (q queries) CreateDraftAgreement(ctx context.Context, a *escrow.Agreement) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	a.Status = escrow.StatusDraft
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO agreements (agreement_id, payer_id, payee_id, arbitrator_id,
			arbitration_policy, amount_wei, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.AgreementID, a.PayerID, a.PayeeID, nullUUID(a.ArbitratorID),
		string(a.Policy), a.AmountWei.Dec(), string(a.Status), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrowdb: create agreement: %w", err)
	}
	return nil
}

// FindAgreement returns the agreement with the given canonical id, or
// ErrNotFound.
func (q queries) FindAgreement(ctx context.Context, id string) (*escrow.Agreement, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM agreements WHERE agreement_id = $1`, id)

	var (
		a                                  escrow.Agreement
		arbitrator                         uuid.NullUUID
		amount, policy, status             string
		createdTx, fundedTx, relTx, refTx  sql.NullString
		onchainAt, fundedAt, relAt, refAt  sql.NullTime
	)
	err := row.Scan(&a.AgreementID, &a.PayerID, &a.PayeeID, &arbitrator, &policy,
		&amount, &status, &createdTx, &fundedTx, &relTx, &refTx,
		&onchainAt, &fundedAt, &relAt, &refAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrowdb: scan agreement: %w", err)
	}
	if arbitrator.Valid {
		id := arbitrator.UUID
		a.ArbitratorID = &id
	}
	a.AmountWei = new(uint256.Int)
	if err := a.AmountWei.SetFromDecimal(amount); err != nil {
		return nil, fmt.Errorf("escrowdb: corrupt amount %q: %w", amount, err)
	}
	a.Policy = escrow.ArbitrationPolicy(policy)
	a.Status = escrow.AgreementStatus(status)
	a.CreatedTxHash = createdTx.String
	a.FundedTxHash = fundedTx.String
	a.ReleasedTxHash = relTx.String
	a.RefundedTxHash = refTx.String
	a.CreatedOnchainAt = nullableTime(onchainAt)
	a.FundedAt = nullableTime(fundedAt)
	a.ReleasedAt = nullableTime(relAt)
	a.RefundedAt = nullableTime(refAt)
	return &a, nil
}

// UpdateAgreementProjection persists the projector-owned columns of a:
// status, the transaction hashes and the on-chain timestamps. Lifecycle
// ownership of these columns belongs exclusively to the state projector.
func (q queries) UpdateAgreementProjection(ctx context.Context, a *escrow.Agreement) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
		UPDATE agreements SET
			status = $1,
			created_tx_hash = $2, funded_tx_hash = $3,
			released_tx_hash = $4, refunded_tx_hash = $5,
			created_onchain_at = $6, funded_at = $7,
			released_at = $8, refunded_at = $9,
			updated_at = $10
		WHERE agreement_id = $11`,
		string(a.Status), nullString(a.CreatedTxHash), nullString(a.FundedTxHash),
		nullString(a.ReleasedTxHash), nullString(a.RefundedTxHash),
		nullTime(a.CreatedOnchainAt), nullTime(a.FundedAt),
		nullTime(a.ReleasedAt), nullTime(a.RefundedAt),
		a.UpdatedAt, a.AgreementID)
	if err != nil {
		return fmt.Errorf("escrowdb: update agreement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
