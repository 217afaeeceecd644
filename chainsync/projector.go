// Package chainsync contains the chain synchronization subsystem: the sync
// worker that tails the escrow contract, the state projector that advances
// agreements and disputes in response to decoded events, and the session
// cleanup worker that shares the same lifecycle contract.
package chainsync

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trustflow/escrowd/chain"
	"github.com/trustflow/escrowd/escrow"
	"github.com/trustflow/escrowd/escrowdb"
)

// openerCacheSize bounds the wallet→user lookup cache.
const openerCacheSize = 1024

// Projector applies decoded events to the agreement and dispute tables. It
// owns every lifecycle column of both. Idempotency is the caller's duty:
// Apply runs only after the event ledger reported a fresh insert, so each
// (chain id, tx hash, log index) is projected at most once.
type Projector struct {
	log     log.Logger
	openers *lru.Cache[string, uuid.UUID]
}

// NewProjector creates a projector.
func NewProjector() *Projector {
	cache, _ := lru.New[string, uuid.UUID](openerCacheSize)
	return &Projector{
		log:     log.New("worker", "sync"),
		openers: cache,
	}
}

// Apply projects ev onto the agreement and dispute tables inside tx. All
// writes of one call share the caller's savepoint, so a failure leaves no
// partial projection behind.
func (p *Projector) Apply(ctx context.Context, tx *escrowdb.Tx, ev *chain.DecodedEvent, processedAt time.Time) error {
	switch ev.Name {
	case escrow.EventAgreementCreated:
		return p.applyAgreementCreated(ctx, tx, ev, processedAt)
	case escrow.EventPaymentFunded:
		return p.applyPaymentFunded(ctx, tx, ev, processedAt)
	case escrow.EventDisputeOpened:
		return p.applyDisputeOpened(ctx, tx, ev, processedAt)
	case escrow.EventPaymentReleased:
		return p.applyTerminal(ctx, tx, ev, processedAt, escrow.StatusReleased, escrow.ResolutionRelease)
	case escrow.EventPaymentRefunded:
		return p.applyTerminal(ctx, tx, ev, processedAt, escrow.StatusRefunded, escrow.ResolutionRefund)
	}
	return fmt.Errorf("chainsync: unhandled event %q", ev.Name)
}

func (p *Projector) applyAgreementCreated(ctx context.Context, tx *escrowdb.Tx, ev *chain.DecodedEvent, at time.Time) error {
	a, err := tx.FindAgreement(ctx, ev.AgreementID)
	if err == escrowdb.ErrNotFound {
		// Created on-chain without a matching off-chain draft. The ledger
		// insert already failed its FK check before we got here; this guard
		// only matters for direct Apply calls.
		p.log.Warn("No draft for on-chain agreement", "agreementId", ev.AgreementID)
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != escrow.StatusDraft {
		p.log.Debug("Replayed creation for advanced agreement",
			"agreementId", a.AgreementID, "status", a.Status)
		return nil
	}
	a.Status = escrow.StatusCreated
	a.CreatedTxHash = txHash(ev)
	a.CreatedOnchainAt = &at
	return tx.UpdateAgreementProjection(ctx, a)
}

func (p *Projector) applyPaymentFunded(ctx context.Context, tx *escrowdb.Tx, ev *chain.DecodedEvent, at time.Time) error {
	a, err := tx.FindAgreement(ctx, ev.AgreementID)
	if err == escrowdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != escrow.StatusCreated {
		p.log.Debug("Funding event ignored", "agreementId", a.AgreementID, "status", a.Status)
		return nil
	}
	a.Status = escrow.StatusFunded
	a.FundedTxHash = txHash(ev)
	a.FundedAt = &at
	return tx.UpdateAgreementProjection(ctx, a)
}

func (p *Projector) applyDisputeOpened(ctx context.Context, tx *escrowdb.Tx, ev *chain.DecodedEvent, at time.Time) error {
	a, err := tx.FindAgreement(ctx, ev.AgreementID)
	if err == escrowdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		p.log.Error("Dispute opened against settled agreement",
			"agreementId", a.AgreementID, "status", a.Status)
		return nil
	}
	if a.Status != escrow.StatusDisputed {
		a.Status = escrow.StatusDisputed
		if err := tx.UpdateAgreementProjection(ctx, a); err != nil {
			return err
		}
	}

	// The dispute row is convenience metadata; the chain's fact is the
	// status change above. An opener wallet nobody registered leaves the
	// agreement DISPUTED with no dispute row.
	openerID, ok, err := p.lookupOpener(ctx, tx, ev.OpenedBy)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("Dispute opener has no registered wallet",
			"agreementId", a.AgreementID, "openedBy", ev.OpenedBy)
		return nil
	}
	if _, err := tx.FindDisputeByAgreement(ctx, a.AgreementID); err == nil {
		return nil // never overwrite the original opener
	} else if err != escrowdb.ErrNotFound {
		return err
	}
	return tx.CreateDispute(ctx, &escrow.Dispute{
		AgreementID: a.AgreementID,
		OpenedBy:    openerID,
		OpenedAt:    at,
	})
}

// applyTerminal handles PAYMENT_RELEASED and PAYMENT_REFUNDED. The chain
// has settled the agreement, so the transition applies over any prior
// non-terminal status, even when an intermediate event was missed.
func (p *Projector) applyTerminal(ctx context.Context, tx *escrowdb.Tx, ev *chain.DecodedEvent, at time.Time, status escrow.AgreementStatus, resolution escrow.DisputeResolution) error {
	a, err := tx.FindAgreement(ctx, ev.AgreementID)
	if err == escrowdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status.Terminal() && a.Status != status {
		p.log.Error("Conflicting terminal transition kept at authoritative state",
			"agreementId", a.AgreementID, "status", a.Status, "event", ev.Name)
		return nil
	}
	a.Status = status
	if status == escrow.StatusReleased {
		a.ReleasedTxHash = txHash(ev)
		a.ReleasedAt = &at
	} else {
		a.RefundedTxHash = txHash(ev)
		a.RefundedAt = &at
	}
	if err := tx.UpdateAgreementProjection(ctx, a); err != nil {
		return err
	}

	d, err := tx.FindDisputeByAgreement(ctx, a.AgreementID)
	if err == escrowdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Resolution != "" {
		return nil
	}
	// Justification stays empty until the arbitrator files one.
	return tx.ResolveDispute(ctx, d, resolution, txHash(ev), at)
}

func (p *Projector) lookupOpener(ctx context.Context, tx *escrowdb.Tx, wallet string) (uuid.UUID, bool, error) {
	if id, ok := p.openers.Get(wallet); ok {
		return id, true, nil
	}
	u, err := tx.FindUserByWallet(ctx, wallet)
	if err == escrowdb.ErrNotFound {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	p.openers.Add(wallet, u.ID)
	return u.ID, true, nil
}

func txHash(ev *chain.DecodedEvent) string {
	return ev.Log.TxHash.Hex()
}
