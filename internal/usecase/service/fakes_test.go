package service

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/evm"
	"escrowgo/internal/cmd/juno"
	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository/memory"
	"escrowgo/internal/repository/rediscache"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChain is an in-memory escrow contract plus token.
type fakeChain struct {
	mu         sync.Mutex
	bridge     common.Address
	escrowAddr common.Address
	token      common.Address
	decimals   uint8
	balance    *big.Int
	allowance  *big.Int
	nonce      uint64
	nextID     int64
	states     map[string]evm.EscrowState
	createdIDs map[string]*big.Int
	releases   map[string]string
	receipts   map[string]*types.Receipt
	pending    map[string]bool
	calls      []evm.Call
	unsent     map[string]evm.Call
	nonceUsed  map[string]bool
	sendFail   map[string]int
	// ambiguous sends land on chain but still report a send error
	ambiguous      map[string]int
	reverts        map[string]int
	hold           map[string]int
	rebroadcasts   int
	rebroadcastErr int
	stateErr       error
	stateBlock     bool
	balanceDelay   time.Duration
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		bridge:     common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		escrowAddr: common.HexToAddress("0x00000000000000000000000000000000000000e5"),
		token:      common.HexToAddress("0x0000000000000000000000000000000000000070"),
		decimals:   6,
		balance:    big.NewInt(10_000_000_000),
		allowance:  big.NewInt(0),
		nextID:     1,
		states:     make(map[string]evm.EscrowState),
		createdIDs: make(map[string]*big.Int),
		releases:   make(map[string]string),
		receipts:   make(map[string]*types.Receipt),
		pending:    make(map[string]bool),
		unsent:     make(map[string]evm.Call),
		nonceUsed:  make(map[string]bool),
		sendFail:   make(map[string]int),
		ambiguous:  make(map[string]int),
		reverts:    make(map[string]int),
		hold:       make(map[string]int),
	}
}

func (c *fakeChain) BridgeAddress() common.Address { return c.bridge }
func (c *fakeChain) EscrowAddress() common.Address { return c.escrowAddr }
func (c *fakeChain) TokenAddress() common.Address  { return c.token }

func (c *fakeChain) Submit(_ context.Context, call evm.Call, beforeSend func(*evm.SignedTx) error) (*evm.SignedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce++
	hash := common.BigToHash(new(big.Int).SetUint64(c.nonce)).Hex()
	signed := &evm.SignedTx{Hash: hash, Nonce: c.nonce, Raw: []byte(hash)}
	if beforeSend != nil {
		if err := beforeSend(signed); err != nil {
			return nil, err
		}
	}
	if c.sendFail[call.Method] > 0 {
		c.sendFail[call.Method]--
		c.unsent[hash] = call
		return signed, apperror.New(apperror.Chain, apperror.CodeSend, "send "+call.Method)
	}
	c.land(call, hash)
	if c.ambiguous[call.Method] > 0 {
		c.ambiguous[call.Method]--
		return signed, apperror.New(apperror.Chain, apperror.CodeSend, "send "+call.Method+": i/o timeout")
	}
	return signed, nil
}

// land puts a transaction on chain. Callers hold c.mu.
func (c *fakeChain) land(call evm.Call, hash string) {
	c.calls = append(c.calls, call)
	r := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash(hash)}
	if c.reverts[call.Method] > 0 {
		c.reverts[call.Method]--
		r.Status = types.ReceiptStatusFailed
	} else {
		c.apply(call, hash)
	}
	c.receipts[hash] = r
	if c.hold[call.Method] > 0 {
		c.hold[call.Method]--
		c.pending[hash] = true
	}
}

func (c *fakeChain) apply(call evm.Call, hash string) {
	switch call.Method {
	case "createEscrow":
		id := big.NewInt(c.nextID)
		c.nextID++
		c.states[id.String()] = evm.StateCreated
		c.createdIDs[hash] = id
	case "approve":
		c.allowance = new(big.Int).Set(call.Args[1].(*big.Int))
	case "fundEscrow":
		c.states[call.Args[0].(*big.Int).String()] = evm.StateFunded
	case "release":
		id := call.Args[0].(*big.Int).String()
		c.states[id] = evm.StateReleased
		c.releases[id] = hash
	case "dispute":
		c.states[call.Args[0].(*big.Int).String()] = evm.StateDisputed
	case "resolveDispute":
		id := call.Args[0].(*big.Int).String()
		if call.Args[1].(bool) {
			c.states[id] = evm.StateReleased
			c.releases[id] = hash
		} else {
			c.states[id] = evm.StateRefunded
		}
	case "transfer":
		c.balance = new(big.Int).Sub(c.balance, call.Args[1].(*big.Int))
	}
}

// Rebroadcast lands a signed transaction the node never received. A known
// transaction is a no-op, as with "already known" from a real node.
func (c *fakeChain) Rebroadcast(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebroadcasts++
	hash := string(raw)
	if c.rebroadcastErr > 0 {
		c.rebroadcastErr--
		return apperror.New(apperror.Chain, apperror.CodeSend, "rebroadcast "+hash)
	}
	if c.nonceUsed[hash] {
		return evm.ErrNonceUsed
	}
	if call, ok := c.unsent[hash]; ok {
		delete(c.unsent, hash)
		c.land(call, hash)
	}
	return nil
}

func (c *fakeChain) Receipt(_ context.Context, hash string) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok || c.pending[hash] {
		return nil, evm.ErrPending
	}
	return r, nil
}

func (c *fakeChain) WaitReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	r, err := c.Receipt(ctx, hash)
	if err != nil {
		return nil, apperror.Wrap(apperror.Chain, apperror.CodeNotConfirmed, "no receipt for "+hash, err)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return r, apperror.New(apperror.Chain, apperror.CodeReverted, "transaction "+hash+" reverted")
	}
	return r, nil
}

func (c *fakeChain) EscrowIDFromReceipt(r *types.Receipt) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.createdIDs[r.TxHash.Hex()]
	if !ok {
		return nil, evm.ErrNoCreatedEvent
	}
	return id, nil
}

func (c *fakeChain) EscrowState(ctx context.Context, id *big.Int) (evm.EscrowState, error) {
	c.mu.Lock()
	block, err := c.stateBlock, c.stateErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return evm.StateNone, ctx.Err()
	}
	if err != nil {
		return evm.StateNone, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[id.String()], nil
}

func (c *fakeChain) ReleaseTxHash(_ context.Context, id *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.releases[id.String()]
	if !ok {
		return "", evm.ErrNoReleaseLog
	}
	return h, nil
}

func (c *fakeChain) Decimals(context.Context) (uint8, error) { return c.decimals, nil }

func (c *fakeChain) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	time.Sleep(c.balanceDelay)
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.allowance), nil
}

func (c *fakeChain) sent(method string) []evm.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []evm.Call
	for _, call := range c.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *fakeChain) balanceNow() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance)
}

func (c *fakeChain) mine(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, hash)
}

func (c *fakeChain) setState(id string, s evm.EscrowState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[id] = s
}

// fakeRail records every request and fails legs on demand. Errors queued for
// a leg are returned by its next calls, oldest first.
type fakeRail struct {
	mu          sync.Mutex
	deposits    []juno.Deposit
	feedErr     error
	failNext    map[entity.PayoutLeg][]error
	payouts     []juno.PayoutRequest
	redemptions []string
	feedCalls   int
}

func newFakeRail() *fakeRail {
	return &fakeRail{failNext: make(map[entity.PayoutLeg][]error)}
}

func legOf(originID string) entity.PayoutLeg {
	parts := strings.Split(originID, "-")
	if len(parts) < 3 {
		return ""
	}
	return entity.PayoutLeg(parts[1])
}

func (r *fakeRail) RecentDeposits(context.Context, int) ([]juno.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedCalls++
	return r.deposits, r.feedErr
}

func (r *fakeRail) popErr(leg entity.PayoutLeg) error {
	if errs := r.failNext[leg]; len(errs) > 0 {
		r.failNext[leg] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *fakeRail) Payout(_ context.Context, req juno.PayoutRequest) (*juno.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payouts = append(r.payouts, req)
	if err := r.popErr(legOf(req.OriginID)); err != nil {
		return nil, err
	}
	return &juno.Receipt{ID: "po-" + req.OriginID, Status: "pending", OriginID: req.OriginID}, nil
}

func (r *fakeRail) Redeem(_ context.Context, amount decimal.Decimal, originID string) (*juno.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redemptions = append(r.redemptions, originID)
	if err := r.popErr(entity.LegRedemption); err != nil {
		return nil, err
	}
	return &juno.Receipt{ID: "rd-" + originID, Status: "pending", OriginID: originID}, nil
}

func (r *fakeRail) payoutsFor(leg entity.PayoutLeg) []juno.PayoutRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []juno.PayoutRequest
	for _, p := range r.payouts {
		if legOf(p.OriginID) == leg {
			out = append(out, p)
		}
	}
	return out
}

type collectSink struct {
	mu     sync.Mutex
	events []*entity.PaymentEvent
}

func (s *collectSink) Publish(_ context.Context, ev *entity.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Chain.TokenDecimals = 6
	cfg.Chain.MaxTxAttempts = 3
	cfg.Chain.RetryBackoff = time.Millisecond
	cfg.Chain.OfframpAddress = "0x00000000000000000000000000000000000000ff"
	cfg.Sweeps.FeedSize = 50
	cfg.Sweeps.StaleDepositAfter = 72 * time.Hour
	cfg.Sweeps.PaymentTimeout = 5 * time.Minute
	return cfg
}

type harness struct {
	cfg        *config.Config
	ledger     *memory.Ledger
	chain      *fakeChain
	rail       *fakeRail
	sink       *collectSink
	rec        *Recorder
	deposits   *DepositWatcher
	escrows    *EscrowGateway
	custody    *CustodyScheduler
	bridge     *BridgeSettlement
	payouts    *PayoutGateway
	reconciler *Reconciler
	service    *PaymentService
	now        time.Time
}

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	h := &harness{
		cfg:    testConfig(),
		ledger: memory.NewLedger(),
		chain:  newFakeChain(),
		rail:   newFakeRail(),
		sink:   &collectSink{},
	}
	cache := rediscache.New(rdb, logger)
	h.rec = NewRecorder(h.ledger, h.sink, logger)
	h.deposits = NewDepositWatcher(h.cfg, h.ledger, h.rail, cache, h.rec, logger)
	h.escrows = NewEscrowGateway(h.cfg, h.ledger, h.chain, cache, h.rec, logger)
	h.custody = NewCustodyScheduler(h.cfg, h.ledger, h.escrows, logger)
	h.bridge = NewBridgeSettlement(h.cfg, h.ledger, h.chain, cache, h.rec, logger)
	h.payouts = NewPayoutGateway(h.cfg, h.ledger, h.rail, h.bridge, h.rec, logger)
	h.reconciler = NewReconciler(h.ledger, h.chain, h.rec, logger)
	h.service = NewPaymentService(h.ledger, h.escrows, h.payouts, h.reconciler, h.rec, logger)
	h.setNow(t0)
	return h
}

func (h *harness) setNow(now time.Time) {
	h.now = now
	clock := func() time.Time { return h.now }
	h.ledger.SetClock(clock)
	h.deposits.now = clock
	h.escrows.now = clock
	h.custody.now = clock
	h.reconciler.now = clock
}

func (h *harness) advance(d time.Duration) {
	h.setNow(h.now.Add(d))
}

// scenarioPayment is 1000 MXN with half held for a week and a 2% commission.
func scenarioPayment() *entity.Payment {
	return &entity.Payment{
		Amount:            decimal.RequireFromString("1000.00"),
		PaymentType:       "real_estate",
		PayerEmail:        "payer@example.com",
		PayeeEmail:        "payee@example.com",
		PayeeName:         "Ana Torres",
		PayeeRFC:          "TOAA800101AB1",
		PayoutClabe:       "012180001234567891",
		CommissionEmail:   "broker@example.com",
		CommissionName:    "Broker SA",
		CommissionClabe:   "012180009876543210",
		CommissionPercent: decimal.NewFromInt(2),
		CustodyPercent:    decimal.NewFromInt(50),
		CustodyDays:       7,
		DepositClabe:      "710969000000000001",
	}
}

func (h *harness) create(t *testing.T, p *entity.Payment) *entity.Payment {
	t.Helper()
	require.NoError(t, h.ledger.CreatePayment(context.Background(), p))
	return p
}

func (h *harness) reload(t *testing.T, id string) *entity.Payment {
	t.Helper()
	p, err := h.ledger.GetPaymentByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) escrowOf(t *testing.T, id string) *entity.Escrow {
	t.Helper()
	e, err := h.ledger.GetEscrowByPaymentID(context.Background(), id)
	require.NoError(t, err)
	return e
}

// escrowed brings a fresh payment straight to escrowed.
func (h *harness) escrowed(t *testing.T, p *entity.Payment) *entity.Payment {
	t.Helper()
	p.Status = entity.StatusFunded
	h.create(t, p)
	_, err := h.escrows.CreateAndFundEscrow(context.Background(), h.reload(t, p.ID))
	require.NoError(t, err)
	return h.reload(t, p.ID)
}

func (h *harness) events(t *testing.T, id string, typ entity.EventType) []*entity.PaymentEvent {
	t.Helper()
	all, err := h.ledger.ListEvents(context.Background(), id)
	require.NoError(t, err)
	var out []*entity.PaymentEvent
	for _, ev := range all {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
