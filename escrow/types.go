// Package escrow defines the off-chain domain model of the TrustFlow escrow
// platform: agreements, disputes, users and the records the chain
// synchronization subsystem maintains alongside them.
package escrow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AgreementStatus is the lifecycle state of an escrow agreement. DRAFT rows
// are created by the HTTP surface; every later transition is driven by the
// state projector in response to on-chain events.
type AgreementStatus string

const (
	StatusDraft    AgreementStatus = "DRAFT"
	StatusCreated  AgreementStatus = "CREATED"
	StatusFunded   AgreementStatus = "FUNDED"
	StatusDisputed AgreementStatus = "DISPUTED"
	StatusReleased AgreementStatus = "RELEASED"
	StatusRefunded AgreementStatus = "REFUNDED"
)

// Terminal reports whether s is an absorbing state.
func (s AgreementStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// rank orders statuses along the forward lifecycle. Used to detect replays
// of creation events against already-advanced agreements.
func (s AgreementStatus) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusCreated:
		return 1
	case StatusFunded:
		return 2
	case StatusDisputed:
		return 3
	case StatusReleased, StatusRefunded:
		return 4
	}
	return -1
}

// AtLeast reports whether s has progressed to other or beyond.
func (s AgreementStatus) AtLeast(other AgreementStatus) bool {
	return s.rank() >= other.rank()
}

// ArbitrationPolicy selects whether a third party may settle disputes.
type ArbitrationPolicy string

const (
	PolicyNone           ArbitrationPolicy = "NONE"
	PolicyWithArbitrator ArbitrationPolicy = "WITH_ARBITRATOR"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// DisputeResolution records how a dispute was settled on-chain.
type DisputeResolution string

const (
	ResolutionRelease DisputeResolution = "RELEASE"
	ResolutionRefund  DisputeResolution = "REFUND"
)

// EventName identifies a decoded TrustFlowEscrow contract event.
type EventName string

const (
	EventAgreementCreated EventName = "AGREEMENT_CREATED"
	EventPaymentFunded    EventName = "PAYMENT_FUNDED"
	EventDisputeOpened    EventName = "DISPUTE_OPENED"
	EventPaymentReleased  EventName = "PAYMENT_RELEASED"
	EventPaymentRefunded  EventName = "PAYMENT_REFUNDED"
)

// User is a registered platform participant. The wallet address, when
// present, links the user to their on-chain identity.
type User struct {
	ID            uuid.UUID
	Email         string
	WalletAddress string // 0x + 40 lowercase hex, empty when unlinked
	OAuthProvider string
	OAuthID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Agreement is one escrow contract instance between a payer and a payee.
// The projector owns status, the *TxHash columns and every timestamp other
// than CreatedAt/UpdatedAt.
type Agreement struct {
	AgreementID  string // 0x + 64 lowercase hex, assigned on-chain
	PayerID      uuid.UUID
	PayeeID      uuid.UUID
	ArbitratorID *uuid.UUID
	Policy       ArbitrationPolicy
	AmountWei    *uint256.Int
	Status       AgreementStatus

	CreatedTxHash  string
	FundedTxHash   string
	ReleasedTxHash string
	RefundedTxHash string

	CreatedOnchainAt *time.Time
	FundedAt         *time.Time
	ReleasedAt       *time.Time
	RefundedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the invariants a draft must satisfy before it is stored.
func (a *Agreement) Validate() error {
	if err := ValidateAgreementID(a.AgreementID); err != nil {
		return err
	}
	if a.PayerID == a.PayeeID {
		return fmt.Errorf("escrow: payer and payee must differ")
	}
	if a.AmountWei == nil || a.AmountWei.IsZero() {
		return fmt.Errorf("escrow: amount must be positive")
	}
	switch a.Policy {
	case PolicyNone:
		if a.ArbitratorID != nil {
			return fmt.Errorf("escrow: policy NONE forbids an arbitrator")
		}
	case PolicyWithArbitrator:
		if a.ArbitratorID == nil {
			return fmt.Errorf("escrow: policy WITH_ARBITRATOR requires an arbitrator")
		}
	default:
		return fmt.Errorf("escrow: unknown arbitration policy %q", a.Policy)
	}
	return nil
}

// Dispute is the off-chain record of an on-chain dispute. At most one per
// agreement. Justification is supplied later by the arbitrator and may stay
// empty even after resolution.
type Dispute struct {
	ID               uuid.UUID
	AgreementID      string
	OpenedBy         uuid.UUID
	Status           DisputeStatus
	Resolution       DisputeResolution // empty while open
	ResolutionTxHash string
	Justification    string
	OpenedAt         time.Time
	ResolvedAt       *time.Time
}

// OnchainEvent is one row of the append-only event ledger. The triple
// (ChainID, TxHash, LogIndex) is the idempotency key.
type OnchainEvent struct {
	ID              int64
	ChainID         uint64
	ContractAddress string
	TxHash          string
	LogIndex        uint32
	EventName       EventName
	AgreementID     string
	BlockNumber     uint64
	BlockHash       string
	Payload         []byte // JSON-encoded decoded event
	ProcessedAt     time.Time
}

// ChainSyncState is the per-(chain, contract) cursor owned by the sync
// worker. ReorgBuffer is persisted for a future rescan window and is not
// consulted by the present worker.
type ChainSyncState struct {
	ID                 int64
	ChainID            uint64
	ContractAddress    string
	LastProcessedBlock uint64
	LastFinalizedBlock uint64
	Confirmations      uint64
	ReorgBuffer        uint64
	UpdatedAt          time.Time
}

// Session is a refresh-token session minted by the auth surface. The sync
// subsystem only ever deletes expired rows.
type Session struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	RefreshTokenHash string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	LastUsedAt       *time.Time
}
