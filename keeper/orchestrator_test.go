package keeper

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var errTransient = errors.New("connection reset")

// testChain is a fake chain whose head advances by one block on every WaitForBlock call
type testChain struct {
	mu       sync.Mutex
	head     uint64
	baseFee  *big.Int
	nonce    uint64
	nonceErr error
	// hashes in included have receipts
	included map[common.Hash]bool
	// nonce increments every time NonceAt is called, mimicking a previous burst landing
	nonceCalls int
}

func newTestChain() *testChain {
	return &testChain{
		head:     100,
		baseFee:  big.NewInt(10_000_000_000),
		included: make(map[common.Hash]bool),
	}
}

func (c *testChain) header() *types.Header {
	return &types.Header{Number: new(big.Int).SetUint64(c.head), BaseFee: new(big.Int).Set(c.baseFee)}
}

func (c *testChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header(), nil
}

func (c *testChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonceCalls++
	if c.nonceErr != nil {
		return 0, c.nonceErr
	}
	return c.nonce, nil
}

func (c *testChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.included[hash] {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: new(big.Int).SetUint64(c.head)}, nil
	}
	return nil, ethereum.NotFound
}

func (c *testChain) WaitForBlock(ctx context.Context, after uint64) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if after != 0 && c.head <= after {
		c.head = after + 1
	}
	return c.header(), nil
}

func (c *testChain) setNonce(nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = nonce
}

func (c *testChain) include(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.included[hash] = true
}

// testSubmitter records bursts and answers with the configured results in order
type testSubmitter struct {
	mu      sync.Mutex
	bursts  []Burst
	results []SubmissionResult
	onBurst func(burst Burst)
}

func (s *testSubmitter) Submit(ctx context.Context, burst Burst) SubmissionResult {
	s.mu.Lock()
	idx := len(s.bursts)
	s.bursts = append(s.bursts, burst)
	onBurst := s.onBurst
	var res SubmissionResult
	if idx < len(s.results) {
		res = s.results[idx]
	} else {
		for _, b := range burst {
			res.Bundles = append(res.Bundles, BundleResult{Relay: "test", BlockNumber: b.BlockNumber, Accepted: true})
		}
	}
	s.mu.Unlock()

	if onBurst != nil {
		onBurst(burst)
	}
	return res
}

func (s *testSubmitter) submitted() []Burst {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Burst(nil), s.bursts...)
}

type testStore struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (s *testStore) InsertAttempt(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *attempt)
	return nil
}

// countingWorkable is workable for the first n checks
func countingWorkable(n int) (func(ctx context.Context) (bool, error), func() int) {
	var (
		mu    sync.Mutex
		calls int
	)
	workable := func(ctx context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls <= n, nil
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	return workable, count
}

func testWorkItem(workable func(ctx context.Context) (bool, error)) WorkItem {
	return WorkItem{
		Key:      "pool:1",
		Contract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		GasLimit: 700_000,
		Calldata: func() ([]byte, error) {
			return []byte{0x01}, nil
		},
		Workable: workable,
	}
}

type orchestratorTest struct {
	chain     *testChain
	submitter *testSubmitter
	gate      *MemoryGate
	store     *testStore
	signer    *TxSigner
	o         *Orchestrator
}

func newOrchestratorTest(t *testing.T, cfg OrchestratorConfig) *orchestratorTest {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	if cfg.PriorityFeeWei == nil {
		cfg.PriorityFeeWei = big.NewInt(2_000_000_000)
	}
	if cfg.FutureBlocks == 0 {
		cfg.FutureBlocks = DefaultFutureBlocks
	}
	if cfg.BlockWaitTimeout == 0 {
		cfg.BlockWaitTimeout = time.Second
	}

	test := &orchestratorTest{
		chain:     newTestChain(),
		submitter: &testSubmitter{},
		gate:      NewMemoryGate(),
		store:     &testStore{},
		signer:    NewTxSigner(key, big.NewInt(1)),
	}
	test.o, err = NewOrchestrator(zap.NewNop(), test.chain, test.chain, test.submitter, test.gate, test.signer, test.store, cfg)
	require.NoError(t, err)
	return test
}

func TestOrchestratorNeverSubmitsWhenNotWorkable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	for i := 0; i < 2; i++ {
		workable, calls := countingWorkable(0)
		res, err := test.o.Work(context.Background(), testWorkItem(workable))
		require.NoError(t, err)
		require.Equal(t, OutcomeNotWorkable, res.Outcome)
		require.Equal(t, 0, res.Attempts)
		require.Equal(t, 1, calls())
	}
	require.Empty(t, test.submitter.submitted())
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorSubmitsUntilNotWorkable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{BurstSize: 3, NewBurstSize: 2})

	// every burst lands a transaction of someone else, moving the nonce
	test.submitter.onBurst = func(burst Burst) {
		test.chain.setNonce(burst[0].Txs[0].Nonce() + 1)
	}

	workable, _ := countingWorkable(2)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotWorkable, res.Outcome)
	require.Equal(t, 2, res.Attempts)

	bursts := test.submitter.submitted()
	require.Len(t, bursts, 2)

	// first burst: head 100, future blocks 1, burst size 3
	require.Len(t, bursts[0], 3)
	require.Equal(t, uint64(101), bursts[0].FirstBlock())
	require.Equal(t, uint64(103), bursts[0].LastBlock())
	// later bursts use the new burst size and a newer head
	require.Len(t, bursts[1], 2)
	require.Greater(t, bursts[1].FirstBlock(), bursts[0].FirstBlock())

	// nonce fetched fresh for every attempt
	require.Equal(t, uint64(0), bursts[0][0].Txs[0].Nonce())
	require.Equal(t, uint64(1), bursts[1][0].Txs[0].Nonce())
	require.Equal(t, 2, test.chain.nonceCalls)

	for _, burst := range bursts {
		tx := burst[0].Txs[0]
		for _, bundle := range burst {
			require.Equal(t, tx.Hash(), bundle.Txs[0].Hash())
		}
		require.Equal(t, uint64(700_000), tx.Gas())
	}
	require.Equal(t, bursts[1][0].Txs[0].Hash(), res.LastTxHash)

	require.Len(t, test.store.attempts, 2)
	require.Equal(t, 1, test.store.attempts[0].Number)
	require.Equal(t, 2, test.store.attempts[1].Number)
	require.Equal(t, "pool:1", test.store.attempts[0].Key)
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorMaxFeeCoversBurst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{BurstSize: 3, FutureBlocks: 1})

	workable, _ := countingWorkable(1)
	_, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)

	bursts := test.submitter.submitted()
	require.Len(t, bursts, 1)
	plan, err := ComputeGasPlan(test.chain.baseFee, 4, big.NewInt(2_000_000_000))
	require.NoError(t, err)
	tx := bursts[0][0].Txs[0]
	require.Zero(t, plan.MaxFeePerGas.Cmp(tx.GasFeeCap()))
	require.Zero(t, big.NewInt(2_000_000_000).Cmp(tx.GasTipCap()))
}

func TestOrchestratorBusyKey(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	require.True(t, test.gate.TryAdmit("pool:1"))

	workable, calls := countingWorkable(10)
	_, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.ErrorIs(t, err, ErrWorkInProgress)
	require.Equal(t, 0, calls())
	require.Empty(t, test.submitter.submitted())

	// the key is still held by the first admission
	require.Equal(t, 1, test.gate.InFlight())
	test.gate.Release("pool:1")
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorRetriesRejectedBurst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{BurstSize: 1})
	test.submitter.results = []SubmissionResult{
		{Bundles: []BundleResult{{Relay: "test", BlockNumber: 101, Err: ErrRelayUnavailable}}},
	}

	workable, _ := countingWorkable(2)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotWorkable, res.Outcome)
	require.Equal(t, 2, res.Attempts)
	require.Len(t, test.submitter.submitted(), 2)

	require.Len(t, test.store.attempts, 2)
	require.Equal(t, 1, test.store.attempts[0].Rejected)
	require.Equal(t, 0, test.store.attempts[0].Accepted)
	require.Equal(t, 1, test.store.attempts[1].Accepted)
}

func TestOrchestratorTransientNonceError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})
	test.chain.nonceErr = errTransient

	// the node recovers after the first failed nonce call
	workable := func(ctx context.Context) (bool, error) {
		test.chain.mu.Lock()
		defer test.chain.mu.Unlock()
		if test.chain.nonceCalls > 0 {
			test.chain.nonceErr = nil
		}
		return test.chain.nonceCalls < 2, nil
	}

	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotWorkable, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.Len(t, test.submitter.submitted(), 1)
}

func TestOrchestratorWorkableErrorIsTransient(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	var calls int
	workable := func(ctx context.Context) (bool, error) {
		calls++
		switch calls {
		case 1:
			return false, errTransient
		case 2:
			return true, nil
		default:
			return false, nil
		}
	}

	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotWorkable, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 3, calls)
}

func TestOrchestratorFatalCalldataError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	workable, _ := countingWorkable(10)
	item := testWorkItem(workable)
	item.Calldata = func() ([]byte, error) {
		return nil, errors.New("cannot encode observations")
	}

	res, err := test.o.Work(context.Background(), item)
	require.ErrorIs(t, err, ErrFatal)
	require.Equal(t, 0, res.Attempts)
	require.Empty(t, test.submitter.submitted())
	// the key is released on the error path
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorFatalWorkableError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	var calls int
	workable := func(ctx context.Context) (bool, error) {
		calls++
		return false, errors.Join(errors.New("unexpected call output"), ErrFatal)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := test.o.Work(ctx, testWorkItem(workable))
	require.ErrorIs(t, err, ErrFatal)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, res.Attempts)
	require.Empty(t, test.submitter.submitted())
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorUnauthorizedRelays(t *testing.T) {
	test := newOrchestratorTest(t, OrchestratorConfig{BurstSize: 2, MaxAttempts: 3})
	test.submitter.results = []SubmissionResult{{Bundles: []BundleResult{
		{Relay: "first", BlockNumber: 101, Err: ErrRelayUnauthorized},
		{Relay: "second", BlockNumber: 101, Err: ErrRelayUnauthorized},
		{Relay: "first", BlockNumber: 102, Err: ErrRelayUnauthorized},
		{Relay: "second", BlockNumber: 102, Err: ErrRelayUnauthorized},
	}}}

	workable, calls := countingWorkable(100)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.ErrorIs(t, err, ErrFatal)
	require.ErrorIs(t, err, ErrRelayUnauthorized)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, calls())
	require.Len(t, test.submitter.submitted(), 1)
	require.Len(t, test.store.attempts, 1)
	require.Equal(t, 4, test.store.attempts[0].Rejected)
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorUnauthorizedRelayEndpoint(t *testing.T) {
	relayKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	relay := &testRelay{respond: respondForbidden}
	server := httptest.NewServer(relay)
	defer server.Close()

	test := newOrchestratorTest(t, OrchestratorConfig{BurstSize: 1, MaxAttempts: 3})
	client, err := NewRelayClient(zap.NewNop(), []RelayEndpoint{{Name: "forbidden", URL: server.URL}}, relayKey)
	require.NoError(t, err)
	test.o.relay = client

	workable, _ := countingWorkable(100)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.ErrorIs(t, err, ErrFatal)
	require.ErrorIs(t, err, ErrRelayUnauthorized)
	require.Equal(t, 1, res.Attempts)
	require.NotEqual(t, OutcomeAbandoned, res.Outcome)
	require.Len(t, relay.blocks(), 1)
}

func TestOrchestratorPartiallyUnauthorizedRelaysRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{BurstSize: 1})
	test.submitter.results = []SubmissionResult{{Bundles: []BundleResult{
		{Relay: "first", BlockNumber: 101, Err: ErrRelayUnauthorized},
		{Relay: "second", BlockNumber: 101, Accepted: true},
	}}}

	workable, _ := countingWorkable(2)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeNotWorkable, res.Outcome)
	require.Equal(t, 2, res.Attempts)
}

func TestOrchestratorInvalidWorkItem(t *testing.T) {
	test := newOrchestratorTest(t, OrchestratorConfig{})

	item := testWorkItem(nil)
	_, err := test.o.Work(context.Background(), item)
	require.ErrorIs(t, err, ErrInvalidWorkItem)
	require.ErrorIs(t, err, ErrFatal)

	workable, _ := countingWorkable(1)
	item = testWorkItem(workable)
	item.Key = ""
	_, err = test.o.Work(context.Background(), item)
	require.ErrorIs(t, err, ErrInvalidWorkItem)

	item = testWorkItem(workable)
	item.Contract = common.Address{}
	_, err = test.o.Work(context.Background(), item)
	require.ErrorIs(t, err, ErrInvalidWorkItem)
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorIncluded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})
	test.submitter.onBurst = func(burst Burst) {
		test.chain.include(burst[0].Txs[0].Hash())
	}

	workable, _ := countingWorkable(100)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeIncluded, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, test.submitter.submitted()[0][0].Txs[0].Hash(), res.LastTxHash)
}

func TestOrchestratorMaxAttempts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{MaxAttempts: 3})

	workable, _ := countingWorkable(100)
	res, err := test.o.Work(context.Background(), testWorkItem(workable))
	require.NoError(t, err)
	require.Equal(t, OutcomeAbandoned, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Len(t, test.submitter.submitted(), 3)
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	test.submitter.onBurst = func(Burst) {
		cancel()
	}

	workable, _ := countingWorkable(100)
	res, err := test.o.Work(ctx, testWorkItem(workable))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 0, test.gate.InFlight())
}

func TestOrchestratorIndependentKeys(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	test := newOrchestratorTest(t, OrchestratorConfig{})

	var wg sync.WaitGroup
	results := make([]Result, 3)
	errs := make([]error, 3)
	for i, key := range []string{"a", "b", "c"} {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()
			workable, _ := countingWorkable(1)
			item := testWorkItem(workable)
			item.Key = key
			results[i], errs[i] = test.o.Work(context.Background(), item)
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, OutcomeNotWorkable, results[i].Outcome)
		require.Equal(t, 1, results[i].Attempts)
	}
	require.Len(t, test.submitter.submitted(), 3)
}

func TestNewOrchestratorInvalidConfig(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewTxSigner(key, big.NewInt(1))
	chain := newTestChain()

	_, err = NewOrchestrator(zap.NewNop(), chain, chain, &testSubmitter{}, NewMemoryGate(), signer, nil, OrchestratorConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOrchestrator(zap.NewNop(), chain, chain, &testSubmitter{}, NewMemoryGate(), signer, nil, OrchestratorConfig{
		PriorityFeeWei: big.NewInt(1),
		BurstSize:      -1,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOrchestrator(zap.NewNop(), chain, chain, &testSubmitter{}, NewMemoryGate(), signer, nil, OrchestratorConfig{
		PriorityFeeWei: big.NewInt(1),
		MaxAttempts:    -1,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
