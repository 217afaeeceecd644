package chain

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trustflow/escrowd/escrow"
)

var (
	testAgreementID = common.HexToHash("0x" + strings.Repeat("ab", 32))
	testPayer       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPayee       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testArbitrator  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return d
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func word(v *big.Int) []byte {
	return common.BigToHash(v).Bytes()
}

func TestTopicsMatchEventSignatures(t *testing.T) {
	d := newTestDecoder(t)
	topics := d.Topics()

	sigs := map[escrow.EventName]string{
		escrow.EventAgreementCreated: "AgreementCreated(bytes32,address,address,uint256,uint8,address)",
		escrow.EventPaymentFunded:    "PaymentFunded(bytes32,address,uint256)",
		escrow.EventDisputeOpened:    "DisputeOpened(bytes32,address)",
		escrow.EventPaymentReleased:  "PaymentReleased(bytes32,address,uint256)",
		escrow.EventPaymentRefunded:  "PaymentRefunded(bytes32,address,uint256)",
	}
	if len(topics) != len(sigs) {
		t.Fatalf("have %d topics, want %d", len(topics), len(sigs))
	}
	for name, sig := range sigs {
		if topics[name] != TopicHash(sig) {
			t.Errorf("%s: topic %s does not match signature hash %s", name, topics[name], TopicHash(sig))
		}
	}
}

func TestDecodeAgreementCreated(t *testing.T) {
	d := newTestDecoder(t)
	amount := new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	data := append(word(amount), word(big.NewInt(1))...) // policy WITH_ARBITRATOR
	data = append(data, common.BytesToHash(testArbitrator.Bytes()).Bytes()...)

	lg := types.Log{
		Topics: []common.Hash{
			d.Topics()[escrow.EventAgreementCreated],
			testAgreementID,
			addrTopic(testPayer),
			addrTopic(testPayee),
		},
		Data:        data,
		BlockNumber: 100,
	}
	ev, err := d.Decode(lg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Name != escrow.EventAgreementCreated {
		t.Errorf("name = %s", ev.Name)
	}
	if want := "0x" + strings.Repeat("ab", 32); ev.AgreementID != want {
		t.Errorf("agreementId = %s, want %s", ev.AgreementID, want)
	}
	if ev.Payer != strings.ToLower(testPayer.Hex()) || ev.Payee != strings.ToLower(testPayee.Hex()) {
		t.Errorf("payer/payee = %s/%s", ev.Payer, ev.Payee)
	}
	if ev.Arbitrator != strings.ToLower(testArbitrator.Hex()) {
		t.Errorf("arbitrator = %s", ev.Arbitrator)
	}
	if ev.Amount.Dec() != "5000000000000000000" {
		t.Errorf("amount = %s", ev.Amount.Dec())
	}
	if ev.Policy != 1 {
		t.Errorf("policy = %d", ev.Policy)
	}

	args := ev.Args()
	if args["amount"] != "5000000000000000000" {
		t.Errorf("args amount = %v", args["amount"])
	}
	if _, ok := args["openedBy"]; ok {
		t.Errorf("args should not carry openedBy")
	}
}

func TestDecodePaymentFunded(t *testing.T) {
	d := newTestDecoder(t)
	lg := types.Log{
		Topics: []common.Hash{
			d.Topics()[escrow.EventPaymentFunded],
			testAgreementID,
			addrTopic(testPayer),
		},
		Data: word(big.NewInt(42)),
	}
	ev, err := d.Decode(lg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Name != escrow.EventPaymentFunded || ev.Payer != strings.ToLower(testPayer.Hex()) {
		t.Errorf("name/payer = %s/%s", ev.Name, ev.Payer)
	}
	if ev.Amount.Uint64() != 42 {
		t.Errorf("amount = %s", ev.Amount.Dec())
	}
}

func TestDecodeDisputeOpened(t *testing.T) {
	d := newTestDecoder(t)
	lg := types.Log{
		Topics: []common.Hash{
			d.Topics()[escrow.EventDisputeOpened],
			testAgreementID,
			addrTopic(testPayer),
		},
	}
	ev, err := d.Decode(lg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.OpenedBy != strings.ToLower(testPayer.Hex()) {
		t.Errorf("openedBy = %s", ev.OpenedBy)
	}
	if ev.Amount != nil {
		t.Errorf("dispute event should carry no amount")
	}

	// A data payload on a data-less event is malformed.
	lg.Data = word(big.NewInt(1))
	if _, err := d.Decode(lg); err == nil {
		t.Fatalf("want error for unexpected data payload")
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	d := newTestDecoder(t)

	if _, err := d.Decode(types.Log{}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("no topics: err = %v, want ErrUnknownEvent", err)
	}

	lg := types.Log{
		Topics: []common.Hash{TopicHash("Transfer(address,address,uint256)")},
	}
	if _, err := d.Decode(lg); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("foreign topic: err = %v, want ErrUnknownEvent", err)
	}
}

func TestDecodeWrongTopicCount(t *testing.T) {
	d := newTestDecoder(t)
	lg := types.Log{
		Topics: []common.Hash{
			d.Topics()[escrow.EventPaymentReleased],
			testAgreementID,
		},
		Data: word(big.NewInt(1)),
	}
	_, err := d.Decode(lg)
	if err == nil || errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want topic count error", err)
	}
}

func TestDecodeMalformedData(t *testing.T) {
	d := newTestDecoder(t)
	lg := types.Log{
		Topics: []common.Hash{
			d.Topics()[escrow.EventPaymentReleased],
			testAgreementID,
			addrTopic(testPayee),
		},
		Data: []byte{0x01, 0x02}, // truncated word
	}
	_, err := d.Decode(lg)
	if err == nil || errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want unpack error", err)
	}
}

func TestTopicHashKnownValue(t *testing.T) {
	// The canonical ERC-20 Transfer topic pins the hashing scheme.
	want := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	if got := TopicHash("Transfer(address,address,uint256)"); got != want {
		t.Fatalf("TopicHash = %s, want %s", got, want)
	}
}
