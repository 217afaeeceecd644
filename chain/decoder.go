package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/trustflow/escrowd/escrow"
)

// ErrUnknownEvent marks a log whose first topic matches no TrustFlowEscrow
// event. The sync worker skips such logs without failing the batch.
var ErrUnknownEvent = errors.New("unknown event topic")

// trustflowEscrowABI is the event schema of the TrustFlowEscrow contract.
const trustflowEscrowABI = `[
  {"anonymous": false, "type": "event", "name": "AgreementCreated", "inputs": [
    {"indexed": true,  "name": "agreementId", "type": "bytes32"},
    {"indexed": true,  "name": "payer",       "type": "address"},
    {"indexed": true,  "name": "payee",       "type": "address"},
    {"indexed": false, "name": "amount",      "type": "uint256"},
    {"indexed": false, "name": "policy",      "type": "uint8"},
    {"indexed": false, "name": "arbitrator",  "type": "address"}]},
  {"anonymous": false, "type": "event", "name": "PaymentFunded", "inputs": [
    {"indexed": true,  "name": "agreementId", "type": "bytes32"},
    {"indexed": true,  "name": "payer",       "type": "address"},
    {"indexed": false, "name": "amount",      "type": "uint256"}]},
  {"anonymous": false, "type": "event", "name": "DisputeOpened", "inputs": [
    {"indexed": true,  "name": "agreementId", "type": "bytes32"},
    {"indexed": true,  "name": "openedBy",    "type": "address"}]},
  {"anonymous": false, "type": "event", "name": "PaymentReleased", "inputs": [
    {"indexed": true,  "name": "agreementId", "type": "bytes32"},
    {"indexed": true,  "name": "payee",       "type": "address"},
    {"indexed": false, "name": "amount",      "type": "uint256"}]},
  {"anonymous": false, "type": "event", "name": "PaymentRefunded", "inputs": [
    {"indexed": true,  "name": "agreementId", "type": "bytes32"},
    {"indexed": true,  "name": "payer",       "type": "address"},
    {"indexed": false, "name": "amount",      "type": "uint256"}]}
]`

// eventNames maps solidity event names to ledger event names.
var eventNames = map[string]escrow.EventName{
	"AgreementCreated": escrow.EventAgreementCreated,
	"PaymentFunded":    escrow.EventPaymentFunded,
	"DisputeOpened":    escrow.EventDisputeOpened,
	"PaymentReleased":  escrow.EventPaymentReleased,
	"PaymentRefunded":  escrow.EventPaymentRefunded,
}

// DecodedEvent is a typed TrustFlowEscrow log. Address fields are canonical
// lowercase hex and populated only where the event declares them.
type DecodedEvent struct {
	Name        escrow.EventName
	AgreementID string // canonical 0x + 64 lowercase hex

	Payer      string
	Payee      string
	OpenedBy   string
	Arbitrator string

	Amount *uint256.Int // nil for DisputeOpened
	Policy uint8        // AgreementCreated only

	Log types.Log
}

// Args returns the decoded arguments as a JSON-ready map, mirroring the
// shape stored in the event ledger payload column.
func (ev *DecodedEvent) Args() map[string]interface{} {
	args := map[string]interface{}{"agreementId": ev.AgreementID}
	if ev.Payer != "" {
		args["payer"] = ev.Payer
	}
	if ev.Payee != "" {
		args["payee"] = ev.Payee
	}
	if ev.OpenedBy != "" {
		args["openedBy"] = ev.OpenedBy
	}
	if ev.Name == escrow.EventAgreementCreated {
		args["arbitrator"] = ev.Arbitrator
		args["policy"] = ev.Policy
	}
	if ev.Amount != nil {
		args["amount"] = ev.Amount.Dec()
	}
	return args
}

// Decoder maps raw logs to named TrustFlowEscrow events by matching the
// first topic against a table precomputed from the contract schema.
type Decoder struct {
	abi     abi.ABI
	byTopic map[common.Hash]abi.Event
}

// NewDecoder builds the topic table. The schema is compiled in, so failure
// is a programming error.
func NewDecoder() (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(trustflowEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}
	d := &Decoder{abi: parsed, byTopic: make(map[common.Hash]abi.Event)}
	for _, ev := range parsed.Events {
		d.byTopic[ev.ID] = ev
	}
	return d, nil
}

// Decode transforms lg into a DecodedEvent. It returns ErrUnknownEvent for
// logs of other contracts or event types, and a plain error when a known
// event carries a malformed payload.
func (d *Decoder) Decode(lg types.Log) (*DecodedEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	spec, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}
	// Every escrow event declares agreementId plus one address as indexed
	// parameters, in that order.
	indexed := 2
	if spec.Name == "AgreementCreated" {
		indexed = 3
	}
	if len(lg.Topics) != indexed+1 {
		return nil, fmt.Errorf("event %s: have %d topics, want %d", spec.Name, len(lg.Topics), indexed+1)
	}

	ev := &DecodedEvent{
		Name:        eventNames[spec.Name],
		AgreementID: strings.ToLower(lg.Topics[1].Hex()),
		Log:         lg,
	}
	addr := func(t common.Hash) string {
		return strings.ToLower(common.BytesToAddress(t.Bytes()).Hex())
	}

	switch spec.Name {
	case "AgreementCreated":
		ev.Payer = addr(lg.Topics[2])
		ev.Payee = addr(lg.Topics[3])
		vals, err := d.abi.Unpack(spec.Name, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("event %s: unpack data: %w", spec.Name, err)
		}
		ev.Amount, err = amountFromUnpacked(vals[0])
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", spec.Name, err)
		}
		ev.Policy = vals[1].(uint8)
		ev.Arbitrator = strings.ToLower(vals[2].(common.Address).Hex())

	case "DisputeOpened":
		ev.OpenedBy = addr(lg.Topics[2])
		if len(lg.Data) != 0 {
			return nil, fmt.Errorf("event %s: unexpected data payload", spec.Name)
		}

	case "PaymentFunded", "PaymentRefunded":
		ev.Payer = addr(lg.Topics[2])
		vals, err := d.abi.Unpack(spec.Name, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("event %s: unpack data: %w", spec.Name, err)
		}
		ev.Amount, err = amountFromUnpacked(vals[0])
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", spec.Name, err)
		}

	case "PaymentReleased":
		ev.Payee = addr(lg.Topics[2])
		vals, err := d.abi.Unpack(spec.Name, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("event %s: unpack data: %w", spec.Name, err)
		}
		ev.Amount, err = amountFromUnpacked(vals[0])
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", spec.Name, err)
		}
	}
	return ev, nil
}

// Topics returns the precomputed topic hashes, keyed by ledger event name.
// Exposed for diagnostics and tests.
func (d *Decoder) Topics() map[escrow.EventName]common.Hash {
	out := make(map[escrow.EventName]common.Hash, len(d.byTopic))
	for topic, spec := range d.byTopic {
		out[eventNames[spec.Name]] = topic
	}
	return out
}

func amountFromUnpacked(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("amount has unexpected type %T", v)
	}
	amount, overflow := uint256.FromBig(b)
	if overflow || b.Sign() < 0 {
		return nil, fmt.Errorf("amount out of uint256 range")
	}
	return amount, nil
}
