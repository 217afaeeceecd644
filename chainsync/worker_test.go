package chainsync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/trustflow/escrowd/chain"
	"github.com/trustflow/escrowd/escrow"
	"github.com/trustflow/escrowd/escrowdb"
)

var (
	testContract   = common.HexToAddress("0x" + strings.Repeat("ee", 20))
	payerAddr      = common.HexToAddress("0x" + strings.Repeat("11", 20))
	payeeAddr      = common.HexToAddress("0x" + strings.Repeat("22", 20))
	arbitratorAddr = common.HexToAddress("0x" + strings.Repeat("33", 20))
	strangerAddr   = common.HexToAddress("0x" + strings.Repeat("99", 20))

	agreementA = "0x" + strings.Repeat("aa", 32)
	agreementB = "0x" + strings.Repeat("bb", 32)
	agreementC = "0x" + strings.Repeat("cc", 32)

	oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	eventTopics = mustTopics()
)

func mustTopics() map[escrow.EventName]common.Hash {
	d, err := chain.NewDecoder()
	if err != nil {
		panic(err)
	}
	return d.Topics()
}

// fakeChain is an in-memory ChainReader serving a fixed log set.
type fakeChain struct {
	head    uint64
	logs    []types.Log
	headErr error
	logsErr error

	queries [][2]uint64
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeChain) FilterLogs(ctx context.Context, from, to uint64, contract common.Address) ([]types.Log, error) {
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.Address == contract && lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

type syncEnv struct {
	store  *escrowdb.Store
	chain  *fakeChain
	worker *Worker

	payer, payee, arbitrator *escrow.User
}

func newSyncEnv(t *testing.T, cfg Config) *syncEnv {
	t.Helper()
	store, err := escrowdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	env := &syncEnv{store: store, chain: &fakeChain{}}
	env.payer = env.seedUser(t, "payer@example.com", payerAddr)
	env.payee = env.seedUser(t, "payee@example.com", payeeAddr)
	env.arbitrator = env.seedUser(t, "arbitrator@example.com", arbitratorAddr)

	cfg.ChainID = 31337
	cfg.ContractAddress = strings.ToLower(testContract.Hex())
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	env.worker, err = NewWorker(cfg, env.chain, store)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return env
}

func (e *syncEnv) seedUser(t *testing.T, email string, wallet common.Address) *escrow.User {
	t.Helper()
	u := &escrow.User{Email: email, WalletAddress: strings.ToLower(wallet.Hex())}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return u
}

func (e *syncEnv) seedDraft(t *testing.T, id string, arbitrated bool) {
	t.Helper()
	a := &escrow.Agreement{
		AgreementID: id,
		PayerID:     e.payer.ID,
		PayeeID:     e.payee.ID,
		Policy:      escrow.PolicyNone,
		AmountWei:   uint256.MustFromBig(oneEther),
	}
	if arbitrated {
		a.Policy = escrow.PolicyWithArbitrator
		a.ArbitratorID = &e.arbitrator.ID
	}
	if err := e.store.CreateDraftAgreement(context.Background(), a); err != nil {
		t.Fatalf("seed draft %s: %v", id, err)
	}
}

func (e *syncEnv) agreement(t *testing.T, id string) *escrow.Agreement {
	t.Helper()
	a, err := e.store.FindAgreement(context.Background(), id)
	if err != nil {
		t.Fatalf("find agreement %s: %v", id, err)
	}
	return a
}

func (e *syncEnv) cursor(t *testing.T) uint64 {
	t.Helper()
	st, err := e.store.GetOrInitSyncState(context.Background(), 31337,
		strings.ToLower(testContract.Hex()), 0, 0, 0)
	if err != nil {
		t.Fatalf("read sync state: %v", err)
	}
	return st.LastProcessedBlock
}

func (e *syncEnv) eventCount(t *testing.T, id string) int {
	t.Helper()
	n, err := e.store.CountEventsForAgreement(context.Background(), id)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func word(v *big.Int) []byte {
	return common.BigToHash(v).Bytes()
}

func addrWord(a common.Address) []byte {
	return common.BytesToHash(a.Bytes()).Bytes()
}

func txOf(block uint64, index uint) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%064x", block*1000+uint64(index)+1))
}

func baseLog(name escrow.EventName, agreementID string, block uint64, index uint) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{eventTopics[name], common.HexToHash(agreementID)},
		BlockNumber: block,
		BlockHash:   common.HexToHash(fmt.Sprintf("0x%064x", block)),
		TxHash:      txOf(block, index),
		Index:       index,
	}
}

func createdLog(agreementID string, policy uint8, arbitrator common.Address, block uint64, index uint) types.Log {
	lg := baseLog(escrow.EventAgreementCreated, agreementID, block, index)
	lg.Topics = append(lg.Topics, common.BytesToHash(payerAddr.Bytes()), common.BytesToHash(payeeAddr.Bytes()))
	lg.Data = append(word(oneEther), word(big.NewInt(int64(policy)))...)
	lg.Data = append(lg.Data, addrWord(arbitrator)...)
	return lg
}

func fundedLog(agreementID string, block uint64, index uint) types.Log {
	lg := baseLog(escrow.EventPaymentFunded, agreementID, block, index)
	lg.Topics = append(lg.Topics, common.BytesToHash(payerAddr.Bytes()))
	lg.Data = word(oneEther)
	return lg
}

func disputeLog(agreementID string, openedBy common.Address, block uint64, index uint) types.Log {
	lg := baseLog(escrow.EventDisputeOpened, agreementID, block, index)
	lg.Topics = append(lg.Topics, common.BytesToHash(openedBy.Bytes()))
	return lg
}

func releasedLog(agreementID string, block uint64, index uint) types.Log {
	lg := baseLog(escrow.EventPaymentReleased, agreementID, block, index)
	lg.Topics = append(lg.Topics, common.BytesToHash(payeeAddr.Bytes()))
	lg.Data = word(oneEther)
	return lg
}

func refundedLog(agreementID string, block uint64, index uint) types.Log {
	lg := baseLog(escrow.EventPaymentRefunded, agreementID, block, index)
	lg.Topics = append(lg.Topics, common.BytesToHash(payerAddr.Bytes()))
	lg.Data = word(oneEther)
	return lg
}

func TestSyncHappyPath(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 102
	// Delivered out of order; the worker must sort by (block, log index).
	env.chain.logs = []types.Log{
		releasedLog(agreementA, 102, 0),
		createdLog(agreementA, 0, common.Address{}, 100, 0),
		fundedLog(agreementA, 101, 0),
	}

	env.worker.runSession(context.Background())

	a := env.agreement(t, agreementA)
	if a.Status != escrow.StatusReleased {
		t.Fatalf("status = %s, want RELEASED", a.Status)
	}
	if a.CreatedTxHash != txOf(100, 0).Hex() || a.FundedTxHash != txOf(101, 0).Hex() ||
		a.ReleasedTxHash != txOf(102, 0).Hex() {
		t.Errorf("tx hashes = %s/%s/%s", a.CreatedTxHash, a.FundedTxHash, a.ReleasedTxHash)
	}
	if a.CreatedOnchainAt == nil || a.FundedAt == nil || a.ReleasedAt == nil {
		t.Errorf("missing lifecycle timestamps")
	}
	if a.RefundedTxHash != "" || a.RefundedAt != nil {
		t.Errorf("refund columns must stay empty")
	}
	if n := env.eventCount(t, agreementA); n != 3 {
		t.Errorf("ledger has %d events, want 3", n)
	}
	if got := env.cursor(t); got != 102 {
		t.Errorf("cursor = %d, want 102", got)
	}
	if _, err := env.store.FindDisputeByAgreement(context.Background(), agreementA); !errors.Is(err, escrowdb.ErrNotFound) {
		t.Errorf("unexpected dispute row, err = %v", err)
	}
}

func TestSyncDisputeThenRelease(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementB, true)
	env.chain.head = 103
	env.chain.logs = []types.Log{
		createdLog(agreementB, 1, arbitratorAddr, 100, 0),
		fundedLog(agreementB, 101, 0),
		disputeLog(agreementB, payerAddr, 102, 0),
		releasedLog(agreementB, 103, 0),
	}

	env.worker.runSession(context.Background())

	a := env.agreement(t, agreementB)
	if a.Status != escrow.StatusReleased {
		t.Fatalf("status = %s, want RELEASED", a.Status)
	}
	d, err := env.store.FindDisputeByAgreement(context.Background(), agreementB)
	if err != nil {
		t.Fatalf("find dispute: %v", err)
	}
	if d.OpenedBy != env.payer.ID {
		t.Errorf("dispute opener = %s, want payer", d.OpenedBy)
	}
	if d.Status != escrow.DisputeResolved || d.Resolution != escrow.ResolutionRelease {
		t.Errorf("dispute = %s/%s, want RESOLVED/RELEASE", d.Status, d.Resolution)
	}
	if d.ResolutionTxHash != txOf(103, 0).Hex() {
		t.Errorf("resolution tx = %s", d.ResolutionTxHash)
	}
	if d.Justification != "" {
		t.Errorf("justification must stay empty, got %q", d.Justification)
	}
}

func TestSyncDisputeThenRefund(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementB, true)
	env.chain.head = 103
	env.chain.logs = []types.Log{
		createdLog(agreementB, 1, arbitratorAddr, 100, 0),
		fundedLog(agreementB, 101, 0),
		disputeLog(agreementB, payeeAddr, 102, 0),
		refundedLog(agreementB, 103, 0),
	}

	env.worker.runSession(context.Background())

	a := env.agreement(t, agreementB)
	if a.Status != escrow.StatusRefunded {
		t.Fatalf("status = %s, want REFUNDED", a.Status)
	}
	d, err := env.store.FindDisputeByAgreement(context.Background(), agreementB)
	if err != nil {
		t.Fatalf("find dispute: %v", err)
	}
	if d.OpenedBy != env.payee.ID || d.Resolution != escrow.ResolutionRefund {
		t.Errorf("dispute = opener %s, resolution %s", d.OpenedBy, d.Resolution)
	}
}

func TestSyncIdempotentReplay(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 102
	env.chain.logs = []types.Log{
		createdLog(agreementA, 0, common.Address{}, 100, 0),
		fundedLog(agreementA, 101, 0),
		releasedLog(agreementA, 102, 0),
	}

	env.worker.runSession(context.Background())
	released := env.agreement(t, agreementA)

	// Rewind the cursor as if another worker had never seen the range, then
	// replay the identical logs.
	ctx := context.Background()
	st, err := env.store.GetOrInitSyncState(ctx, 31337, strings.ToLower(testContract.Hex()), 0, 0, 0)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	st.LastProcessedBlock = 0
	st.LastFinalizedBlock = 0
	if err := env.store.CommitSyncState(ctx, st); err != nil {
		t.Fatalf("rewind cursor: %v", err)
	}

	env.worker.runSession(ctx)

	if n := env.eventCount(t, agreementA); n != 3 {
		t.Fatalf("ledger has %d events after replay, want 3", n)
	}
	replayed := env.agreement(t, agreementA)
	if replayed.Status != escrow.StatusReleased {
		t.Fatalf("status after replay = %s", replayed.Status)
	}
	if replayed.ReleasedTxHash != released.ReleasedTxHash {
		t.Errorf("replay rewrote released tx hash")
	}
	if !replayed.UpdatedAt.Equal(released.UpdatedAt) {
		t.Errorf("replay touched the projection")
	}
	if got := env.cursor(t); got != 102 {
		t.Errorf("cursor = %d, want 102", got)
	}
}

func TestSyncOrphanedEventSkipped(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 100
	env.chain.logs = []types.Log{
		createdLog(agreementC, 0, common.Address{}, 100, 0), // no off-chain draft
		createdLog(agreementA, 0, common.Address{}, 100, 1),
	}

	env.worker.runSession(context.Background())

	if n := env.eventCount(t, agreementC); n != 0 {
		t.Errorf("orphaned event landed in the ledger, count = %d", n)
	}
	if a := env.agreement(t, agreementA); a.Status != escrow.StatusCreated {
		t.Errorf("sibling event not applied, status = %s", a.Status)
	}
	if got := env.cursor(t); got != 100 {
		t.Errorf("cursor = %d, want 100", got)
	}
}

func TestSyncConfirmationLag(t *testing.T) {
	env := newSyncEnv(t, Config{Confirmations: 2})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 102 // tip = 100
	env.chain.logs = []types.Log{
		createdLog(agreementA, 0, common.Address{}, 100, 0),
		fundedLog(agreementA, 101, 0),
		releasedLog(agreementA, 102, 0),
	}

	env.worker.runSession(context.Background())

	if a := env.agreement(t, agreementA); a.Status != escrow.StatusCreated {
		t.Fatalf("status = %s, want CREATED", a.Status)
	}
	if got := env.cursor(t); got != 100 {
		t.Fatalf("cursor = %d, want 100", got)
	}

	// Two more blocks mature the remaining events.
	env.chain.head = 104
	env.worker.runSession(context.Background())

	if a := env.agreement(t, agreementA); a.Status != escrow.StatusReleased {
		t.Fatalf("status = %s, want RELEASED", a.Status)
	}
	if got := env.cursor(t); got != 102 {
		t.Fatalf("cursor = %d, want 102", got)
	}
}

func TestSyncBatchWindowing(t *testing.T) {
	env := newSyncEnv(t, Config{MaxBlocksPerFetch: 10})
	env.chain.head = 35

	env.worker.runSession(context.Background())

	want := [][2]uint64{{1, 10}, {11, 20}, {21, 30}, {31, 35}}
	if len(env.chain.queries) != len(want) {
		t.Fatalf("queries = %v, want %v", env.chain.queries, want)
	}
	for i, q := range want {
		if env.chain.queries[i] != q {
			t.Fatalf("query %d = %v, want %v", i, env.chain.queries[i], q)
		}
	}
	if got := env.cursor(t); got != 35 {
		t.Fatalf("cursor = %d, want 35", got)
	}
}

func TestSyncSessionBatchCap(t *testing.T) {
	env := newSyncEnv(t, Config{MaxBlocksPerFetch: 10, MaxBatchesPerSession: 2})
	env.chain.head = 100

	env.worker.runSession(context.Background())

	if len(env.chain.queries) != 2 {
		t.Fatalf("ran %d batches, want 2", len(env.chain.queries))
	}
	if got := env.cursor(t); got != 20 {
		t.Fatalf("cursor = %d, want 20", got)
	}
}

func TestSyncAtChainTipDoesNothing(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.chain.head = 50

	env.worker.runSession(context.Background())
	queriesAfterCatchup := len(env.chain.queries)

	env.worker.runSession(context.Background())
	if len(env.chain.queries) != queriesAfterCatchup {
		t.Fatalf("tip session issued %d extra log queries",
			len(env.chain.queries)-queriesAfterCatchup)
	}
	if got := env.cursor(t); got != 50 {
		t.Fatalf("cursor = %d, want 50", got)
	}
}

func TestSyncForeignLogIgnored(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementA, false)
	transfer := types.Log{
		Address:     testContract,
		Topics:      []common.Hash{chain.TopicHash("Transfer(address,address,uint256)")},
		BlockNumber: 100,
		TxHash:      txOf(100, 7),
		Index:       7,
	}
	env.chain.head = 100
	env.chain.logs = []types.Log{
		transfer,
		createdLog(agreementA, 0, common.Address{}, 100, 0),
	}

	env.worker.runSession(context.Background())

	if n := env.eventCount(t, agreementA); n != 1 {
		t.Errorf("ledger has %d events, want 1", n)
	}
	if a := env.agreement(t, agreementA); a.Status != escrow.StatusCreated {
		t.Errorf("status = %s, want CREATED", a.Status)
	}
}

func TestSyncRPCFailureLeavesCursorUntouched(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 100
	env.chain.logs = []types.Log{createdLog(agreementA, 0, common.Address{}, 100, 0)}
	env.chain.logsErr = errors.New("connection reset")

	env.worker.runSession(context.Background())

	if got := env.cursor(t); got != 0 {
		t.Fatalf("cursor = %d, want 0", got)
	}
	if a := env.agreement(t, agreementA); a.Status != escrow.StatusDraft {
		t.Fatalf("status = %s, want DRAFT", a.Status)
	}

	// The next tick recovers.
	env.chain.logsErr = nil
	env.worker.runSession(context.Background())
	if a := env.agreement(t, agreementA); a.Status != escrow.StatusCreated {
		t.Fatalf("status after recovery = %s, want CREATED", a.Status)
	}
}

// TestSyncCrashMidBatch simulates a worker dying before its batch commits:
// the open transaction is rolled back, and a fresh worker re-processes the
// same range to the identical result.
func TestSyncCrashMidBatch(t *testing.T) {
	env := newSyncEnv(t, Config{})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 102
	env.chain.logs = []types.Log{
		createdLog(agreementA, 0, common.Address{}, 100, 0),
		fundedLog(agreementA, 101, 0),
		releasedLog(agreementA, 102, 0),
	}

	ctx := context.Background()
	tx, err := env.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Two of three events applied, then the process "dies".
	for i := range env.chain.logs[:2] {
		if err := env.worker.processLog(ctx, tx, &env.chain.logs[i]); err != nil {
			t.Fatalf("process log %d: %v", i, err)
		}
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if n := env.eventCount(t, agreementA); n != 0 {
		t.Fatalf("ledger has %d events after rollback, want 0", n)
	}
	if a := env.agreement(t, agreementA); a.Status != escrow.StatusDraft {
		t.Fatalf("status after rollback = %s, want DRAFT", a.Status)
	}
	if got := env.cursor(t); got != 0 {
		t.Fatalf("cursor after rollback = %d, want 0", got)
	}

	env.worker.runSession(ctx)

	if a := env.agreement(t, agreementA); a.Status != escrow.StatusReleased {
		t.Fatalf("status after restart = %s, want RELEASED", a.Status)
	}
	if n := env.eventCount(t, agreementA); n != 3 {
		t.Fatalf("ledger has %d events after restart, want 3", n)
	}
	if got := env.cursor(t); got != 102 {
		t.Fatalf("cursor after restart = %d, want 102", got)
	}
}

func TestSyncStartStop(t *testing.T) {
	env := newSyncEnv(t, Config{PollInterval: 10 * time.Millisecond})
	env.seedDraft(t, agreementA, false)
	env.chain.head = 100
	env.chain.logs = []types.Log{createdLog(agreementA, 0, common.Address{}, 100, 0)}

	if err := env.worker.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if a := env.agreement(t, agreementA); a.Status == escrow.StatusCreated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never applied the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := env.worker.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
