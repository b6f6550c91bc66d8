package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/evm"
	entity "escrowgo/internal/entity"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func funded(t *testing.T, h *harness) *entity.Payment {
	t.Helper()
	p := scenarioPayment()
	p.Status = entity.StatusFunded
	return h.create(t, p)
}

func TestCreateEscrowInsufficientBalanceIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.balance.SetInt64(499_999_999)
	p := funded(t, h)

	_, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.Chain, apperror.CodeInsufficient))
	assert.False(t, apperror.IsRetryable(err))
	assert.Empty(t, h.chain.sent("createEscrow"))

	errs := h.events(t, p.ID, entity.EventEscrowError)
	require.Len(t, errs, 1)
	assert.True(t, errs[0].IsError)
	assert.Equal(t, entity.StatusFunded, h.reload(t, p.ID).Status)
	assert.Equal(t, entity.EscrowPending, h.escrowOf(t, p.ID).Status)

	// The same failure on the next sweep is not written twice.
	n, err := h.escrows.FundEscrows(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.events(t, p.ID, entity.EventEscrowError), 1)
}

func TestCreateEscrowDecimalsMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.decimals = 18
	p := funded(t, h)

	_, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.Config, apperror.CodeDecimals))
	assert.Empty(t, h.chain.calls)
	assert.Len(t, h.events(t, p.ID, entity.EventEscrowError), 1)
}

func TestFundRevertIsRetriedWithFreshTx(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.reverts["fundEscrow"] = 1
	p := funded(t, h)

	escrow, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, entity.EscrowFunded, escrow.Status)
	assert.Len(t, h.chain.sent("fundEscrow"), 2)

	var funds []*entity.ChainTx
	for _, tx := range h.ledger.ChainTxs(p.ID) {
		if tx.Kind == entity.TxFundEscrow {
			funds = append(funds, tx)
		}
	}
	require.Len(t, funds, 2)
	assert.Equal(t, entity.ChainTxReverted, funds[0].Status)
	assert.Equal(t, entity.ChainTxMined, funds[1].Status)
	assert.Equal(t, funds[1].Hash, *escrow.BlockchainTxHash)
}

func TestSendFailureResumesSameTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.sendFail["createEscrow"] = 1
	h.chain.rebroadcastErr = 5
	p := funded(t, h)

	_, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.Chain, apperror.CodeSend))
	assert.Equal(t, 2, h.chain.rebroadcasts)
	assert.Empty(t, h.chain.sent("createEscrow"))

	txs := h.ledger.ChainTxs(p.ID)
	require.Len(t, txs, 1, "a failed send is never re-signed")
	assert.Equal(t, entity.ChainTxSubmitted, txs[0].Status)
	assert.Len(t, h.events(t, p.ID, entity.EventEscrowError), 1)

	h.chain.rebroadcastErr = 0
	escrow, err := h.escrows.CreateAndFundEscrow(ctx, h.reload(t, p.ID))
	require.NoError(t, err)
	assert.Equal(t, entity.EscrowFunded, escrow.Status)
	assert.Len(t, h.chain.sent("createEscrow"), 1)

	txs = h.ledger.ChainTxs(p.ID)
	assert.Equal(t, entity.ChainTxMined, txs[0].Status)
}

func TestAmbiguousSendDoesNotTransferTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.ambiguous["transfer"] = 1
	p := h.create(t, scenarioPayment())
	before := h.chain.balanceNow()

	hash, err := h.bridge.TransferToOfframp(ctx, p.ID, decimal.RequireFromString("500.00"))
	require.NoError(t, err)

	assert.Len(t, h.chain.sent("transfer"), 1)
	drop := new(big.Int).Sub(before, h.chain.balanceNow())
	assert.Equal(t, int64(500_000_000), drop.Int64())
	assert.Len(t, h.events(t, p.ID, entity.EventBridgeTransfer), 1)

	txs := h.ledger.ChainTxs(p.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, hash, txs[0].Hash)
	assert.Equal(t, entity.ChainTxMined, txs[0].Status)
}

func TestSpentNonceSignsReplacement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.sendFail["createEscrow"] = 1
	// The first signed create gets nonce 1; another transaction took it.
	h.chain.nonceUsed[common.BigToHash(big.NewInt(1)).Hex()] = true
	p := funded(t, h)

	escrow, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, entity.EscrowFunded, escrow.Status)
	assert.Len(t, h.chain.sent("createEscrow"), 1)

	var creates []*entity.ChainTx
	for _, tx := range h.ledger.ChainTxs(p.ID) {
		if tx.Kind == entity.TxCreateEscrow {
			creates = append(creates, tx)
		}
	}
	require.Len(t, creates, 2)
	assert.Equal(t, entity.ChainTxDropped, creates[0].Status)
	assert.Equal(t, entity.ChainTxMined, creates[1].Status)
}

func TestConcurrentFundingSendsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.balanceDelay = 20 * time.Millisecond
	p := funded(t, h)
	snapshots := []*entity.Payment{h.reload(t, p.ID), h.reload(t, p.ID)}

	var wg sync.WaitGroup
	errs := make([]error, len(snapshots))
	for i, snap := range snapshots {
		wg.Add(1)
		go func(i int, snap *entity.Payment) {
			defer wg.Done()
			_, errs[i] = h.escrows.CreateAndFundEscrow(ctx, snap)
		}(i, snap)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, apperror.CodeBusy, apperror.CodeOf(err))
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.Len(t, h.chain.sent("createEscrow"), 1)
	assert.Len(t, h.chain.sent("fundEscrow"), 1)
	assert.Empty(t, h.events(t, p.ID, entity.EventEscrowError))
	assert.Equal(t, entity.StatusEscrowed, h.reload(t, p.ID).Status)
}

func TestCreateEscrowResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.hold["createEscrow"] = 1
	p := funded(t, h)

	_, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.Chain, apperror.CodeNotConfirmed))
	txs := h.ledger.ChainTxs(p.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, entity.ChainTxSubmitted, txs[0].Status)
	assert.NotEmpty(t, txs[0].Raw)

	h.chain.mine(txs[0].Hash)
	escrow, err := h.escrows.CreateAndFundEscrow(ctx, h.reload(t, p.ID))
	require.NoError(t, err)

	assert.Len(t, h.chain.sent("createEscrow"), 1)
	assert.Equal(t, "1", *escrow.SmartContractEscrowID)
	assert.Equal(t, entity.StatusEscrowed, h.reload(t, p.ID).Status)
	assert.Len(t, h.events(t, p.ID, entity.EventEscrowCreated), 1)
	assert.Len(t, h.events(t, p.ID, entity.EventEscrowFunded), 1)
}

func TestEscrowIDPersistedBeforeFunding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.sendFail["fundEscrow"] = 1
	h.chain.rebroadcastErr = 2
	p := funded(t, h)

	_, err := h.escrows.CreateAndFundEscrow(ctx, p)
	require.Error(t, err)

	escrow := h.escrowOf(t, p.ID)
	assert.Equal(t, entity.EscrowCreated, escrow.Status)
	require.NotNil(t, escrow.SmartContractEscrowID)
	got := h.reload(t, p.ID)
	assert.Equal(t, entity.StatusFunded, got.Status)
	require.NotNil(t, got.EscrowID)

	escrow, err = h.escrows.CreateAndFundEscrow(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, entity.EscrowFunded, escrow.Status)
	assert.Len(t, h.chain.sent("createEscrow"), 1)
}

func TestCreateAndFundRejectsWrongStatus(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, scenarioPayment())
	_, err := h.escrows.CreateAndFundEscrow(context.Background(), p)
	assert.Equal(t, apperror.Consistency, apperror.KindOf(err))
	assert.Empty(t, h.chain.calls)
}

func TestDisputeSellerWinsContinuesPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.escrowed(t, scenarioPayment())

	require.NoError(t, h.service.RaiseDispute(ctx, p.ID, "goods <b>not</b> delivered"))
	assert.Equal(t, entity.StatusDisputed, h.reload(t, p.ID).Status)
	assert.Equal(t, entity.EscrowDisputed, h.escrowOf(t, p.ID).Status)
	disputes := h.events(t, p.ID, entity.EventEscrowDisputed)
	require.Len(t, disputes, 1)
	assert.False(t, disputes[0].IsAutomatic)
	assert.NotContains(t, disputes[0].Description, "<b>")

	// A disputed escrow is never released by the scheduler.
	h.advance(8 * 24 * time.Hour)
	n, err := h.custody.ReleaseExpiredCustodies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	hash, err := h.service.ResolveDispute(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusReleased, h.reload(t, p.ID).Status)
	escrow := h.escrowOf(t, p.ID)
	assert.Equal(t, entity.EscrowReleased, escrow.Status)
	assert.Equal(t, hash, *escrow.ReleaseTxHash)

	_, err = h.payouts.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, h.reload(t, p.ID).Status)
}

func TestDisputeBuyerWinsFailsPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.escrowed(t, scenarioPayment())

	require.NoError(t, h.service.RaiseDispute(ctx, p.ID, "fraud"))
	_, err := h.service.ResolveDispute(ctx, p.ID, false)
	require.NoError(t, err)

	assert.Equal(t, entity.StatusFailed, h.reload(t, p.ID).Status)
	assert.Equal(t, entity.EscrowRefunded, h.escrowOf(t, p.ID).Status)
	assert.Equal(t, evm.StateRefunded, h.chain.states[*h.escrowOf(t, p.ID).SmartContractEscrowID])

	_, err = h.service.ResolveDispute(ctx, p.ID, true)
	assert.Equal(t, apperror.Consistency, apperror.KindOf(err))
}

func TestDisputeRejectedBeforeEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.create(t, scenarioPayment())

	err := h.service.RaiseDispute(ctx, p.ID, "too early")
	assert.Equal(t, apperror.Consistency, apperror.KindOf(err))
	assert.Empty(t, h.chain.calls)
}
