package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustflow/escrowd/escrow"
)

// CreateDispute inserts an OPEN dispute for an agreement. The unique
// constraint on agreement_id enforces the one-dispute-per-agreement rule.
func (q queries) CreateDispute(ctx context.Context, d *escrow.Dispute) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.OpenedAt.IsZero() {
		d.OpenedAt = time.Now().UTC()
	}
	d.Status = escrow.DisputeOpen
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO disputes (id, agreement_id, opened_by, status, opened_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.AgreementID, d.OpenedBy, string(d.Status), d.OpenedAt)
	if err != nil {
		return fmt.Errorf("escrowdb: create dispute: %w", err)
	}
	return nil
}

// FindDisputeByAgreement returns the dispute of an agreement, or
// ErrNotFound.
func (q queries) FindDisputeByAgreement(ctx context.Context, agreementID string) (*escrow.Dispute, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT id, agreement_id, opened_by, status, resolution,
			resolution_tx_hash, justification, opened_at, resolved_at
		FROM disputes WHERE agreement_id = $1`, agreementID)

	var (
		d                                escrow.Dispute
		status                           string
		resolution, resTx, justification sql.NullString
		resolvedAt                       sql.NullTime
	)
	err := row.Scan(&d.ID, &d.AgreementID, &d.OpenedBy, &status, &resolution,
		&resTx, &justification, &d.OpenedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrowdb: scan dispute: %w", err)
	}
	d.Status = escrow.DisputeStatus(status)
	d.Resolution = escrow.DisputeResolution(resolution.String)
	d.ResolutionTxHash = resTx.String
	d.Justification = justification.String
	d.ResolvedAt = nullableTime(resolvedAt)
	return &d, nil
}

// ResolveDispute marks d RESOLVED with the given on-chain outcome. The
// justification stays untouched; the arbitrator supplies it later through
// the HTTP surface.
func (q queries) ResolveDispute(ctx context.Context, d *escrow.Dispute, resolution escrow.DisputeResolution, txHash string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2,
			resolution_tx_hash = $3, resolved_at = $4
		WHERE id = $5`,
		string(escrow.DisputeResolved), string(resolution), txHash, at, d.ID)
	if err != nil {
		return fmt.Errorf("escrowdb: resolve dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	d.Status = escrow.DisputeResolved
	d.Resolution = resolution
	d.ResolutionTxHash = txHash
	d.ResolvedAt = &at
	return nil
}

// SetDisputeJustification records the arbitrator's written justification.
func (q queries) SetDisputeJustification(ctx context.Context, id uuid.UUID, justification string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE disputes SET justification = $1 WHERE id = $2`, justification, id)
	if err != nil {
		return fmt.Errorf("escrowdb: set justification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
