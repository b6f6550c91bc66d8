package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"escrowgo/internal/apperror"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// released brings a scenario payment to released with the immediate leg paid.
func (h *harness) released(t *testing.T, p *entity.Payment) *entity.Payment {
	t.Helper()
	ctx := context.Background()
	p = h.escrowed(t, p)
	require.NoError(t, h.payouts.PayImmediate(ctx, p))
	h.advance(8 * 24 * time.Hour)
	n, err := h.custody.ReleaseExpiredCustodies(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return h.reload(t, p.ID)
}

func payeeRows(t *testing.T, h *harness, paymentID string) []*entity.Payout {
	t.Helper()
	all, err := h.ledger.ListPayouts(context.Background(), paymentID)
	require.NoError(t, err)
	var out []*entity.Payout
	for _, po := range all {
		if po.Leg == entity.LegPayee {
			out = append(out, po)
		}
	}
	return out
}

func TestScenarioC_TimeoutRetriesWithSameOriginID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.released(t, scenarioPayment())
	h.rail.failNext[entity.LegPayee] = []error{
		apperror.New(apperror.Provider, apperror.CodeTimeout, "payouts timed out"),
	}

	_, err := h.payouts.RedeemAndPayout(ctx, p)
	require.Error(t, err)
	assert.Equal(t, entity.StatusReleased, h.reload(t, p.ID).Status)
	assert.Len(t, h.events(t, p.ID, entity.EventPayoutError), 1)
	rows := payeeRows(t, h, p.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.PayoutSubmitted, rows[0].Status)

	n, err := h.payouts.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	requests := h.rail.payoutsFor(entity.LegPayee)
	require.Len(t, requests, 2)
	assert.Equal(t, requests[0].OriginID, requests[1].OriginID)
	assert.Equal(t, entity.OriginID(p.ID, entity.LegPayee, 1), requests[0].OriginID)
	assert.Len(t, payeeRows(t, h, p.ID), 1)

	// The bridge transfer and the redemption are not repeated.
	assert.Len(t, h.chain.sent("transfer"), 1)
	assert.Len(t, h.rail.redemptions, 1)

	done := h.reload(t, p.ID)
	assert.Equal(t, entity.StatusCompleted, done.Status)
	assert.True(t, done.ReleaseAmount.Equal(done.CustodyAmount()))
	assert.Len(t, h.events(t, p.ID, entity.EventPaymentCompleted), 1)
}

func TestRejectedLegWaitsForOperatorRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.released(t, scenarioPayment())
	h.rail.failNext[entity.LegPayee] = []error{
		apperror.New(apperror.Provider, apperror.CodeRejected, "invalid clabe"),
	}

	_, err := h.payouts.ProcessPayouts(ctx)
	require.Error(t, err)
	rows := payeeRows(t, h, p.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.PayoutRejected, rows[0].Status)

	// Further sweeps do not call the provider for the rejected leg.
	_, err = h.payouts.ProcessPayouts(ctx)
	require.Error(t, err)
	assert.Len(t, h.rail.payoutsFor(entity.LegPayee), 1)
	assert.Equal(t, entity.StatusReleased, h.reload(t, p.ID).Status)

	_, err = h.service.RetryPayout(ctx, p.ID, entity.LegCommission)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	po, err := h.service.RetryPayout(ctx, p.ID, entity.LegPayee)
	require.NoError(t, err)
	assert.Equal(t, 2, po.Attempt)
	assert.Equal(t, entity.OriginID(p.ID, entity.LegPayee, 2), po.OriginID)

	n, err := h.payouts.ProcessPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	requests := h.rail.payoutsFor(entity.LegPayee)
	require.Len(t, requests, 2)
	assert.NotEqual(t, requests[0].OriginID, requests[1].OriginID)
	assert.Equal(t, entity.StatusCompleted, h.reload(t, p.ID).Status)
}

func TestRetryPayoutSendsCorrectedClabe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.released(t, scenarioPayment())
	h.rail.failNext[entity.LegPayee] = []error{
		apperror.New(apperror.Provider, apperror.CodeRejected, "invalid clabe"),
	}
	_, err := h.payouts.ProcessPayouts(ctx)
	require.Error(t, err)

	const fixed = "646180157000000004"
	require.NoError(t, h.ledger.EditPayment(p.ID, func(p *entity.Payment) {
		p.PayoutClabe = fixed
		p.PayeeName = "Ana Torres Ruiz"
	}))

	po, err := h.service.RetryPayout(ctx, p.ID, entity.LegPayee)
	require.NoError(t, err)
	assert.Equal(t, fixed, po.Clabe)
	assert.Equal(t, "Ana Torres Ruiz", po.Beneficiary)
	assert.True(t, po.Amount.Equal(p.PayeeNetAmount()))

	_, err = h.payouts.ProcessPayouts(ctx)
	require.NoError(t, err)
	requests := h.rail.payoutsFor(entity.LegPayee)
	require.Len(t, requests, 2)
	assert.Equal(t, "012180001234567891", requests[0].Clabe)
	assert.Equal(t, fixed, requests[1].Clabe)
	assert.Equal(t, "Ana Torres Ruiz", requests[1].Beneficiary)
	assert.Equal(t, entity.OriginID(p.ID, entity.LegPayee, 2), requests[1].OriginID)
	assert.Equal(t, entity.StatusCompleted, h.reload(t, p.ID).Status)
}

func TestRetryPayoutRefusesLiveLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.escrowed(t, scenarioPayment())
	require.NoError(t, h.payouts.PayImmediate(ctx, p))

	_, err := h.service.RetryPayout(ctx, p.ID, entity.LegImmediate)
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = h.service.RetryPayout(ctx, p.ID, entity.PayoutLeg("bonus"))
	assert.Equal(t, apperror.Consistency, apperror.KindOf(err))
}

func TestFullCustodySkipsImmediateLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := scenarioPayment()
	p.CustodyPercent = decimal.NewFromInt(100)
	p.CommissionClabe = ""
	p = h.escrowed(t, p)

	candidates, err := h.payouts.PayoutCandidates(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	h.advance(8 * 24 * time.Hour)
	_, err = h.custody.ReleaseExpiredCustodies(ctx)
	require.NoError(t, err)
	_, err = h.payouts.ProcessPayouts(ctx)
	require.NoError(t, err)

	assert.Empty(t, h.rail.payoutsFor(entity.LegImmediate))
	assert.Empty(t, h.rail.payoutsFor(entity.LegCommission))
	payee := h.rail.payoutsFor(entity.LegPayee)
	require.Len(t, payee, 1)
	assert.Equal(t, "1000.00", payee[0].Amount.StringFixed(2))
	assert.Equal(t, "1000.00", h.reload(t, p.ID).ReleaseAmount.StringFixed(2))
}

func TestBridgeTransferIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.escrowed(t, scenarioPayment())
	amount := decimal.RequireFromString("500.00")

	first, err := h.bridge.TransferToOfframp(ctx, p.ID, amount)
	require.NoError(t, err)
	second, err := h.bridge.TransferToOfframp(ctx, p.ID, amount)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, h.chain.sent("transfer"), 1)
	assert.Len(t, h.events(t, p.ID, entity.EventBridgeTransfer), 1)
}

func TestBridgeTransferFailsOnLowBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.released(t, scenarioPayment())
	h.chain.balance.SetInt64(1)

	_, err := h.payouts.RedeemAndPayout(ctx, p)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.Chain, apperror.CodeInsufficient))
	assert.Empty(t, h.chain.sent("transfer"))
	assert.Empty(t, h.rail.redemptions)
	assert.Len(t, h.events(t, p.ID, entity.EventBridgeTransferError), 1)
	assert.Equal(t, entity.StatusReleased, h.reload(t, p.ID).Status)
}

func TestBridgeTransferRecordsMissingEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.escrowed(t, scenarioPayment())
	amount := decimal.RequireFromString("500.00")

	// Mined, then the process died before writing the event.
	hash, err := h.bridge.transfer(ctx, p.ID, amount)
	require.NoError(t, err)
	assert.Empty(t, h.events(t, p.ID, entity.EventBridgeTransfer))

	got, err := h.bridge.TransferToOfframp(ctx, p.ID, amount)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
	events := h.events(t, p.ID, entity.EventBridgeTransfer)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Description, hash)

	_, err = h.bridge.TransferToOfframp(ctx, p.ID, amount)
	require.NoError(t, err)
	assert.Len(t, h.events(t, p.ID, entity.EventBridgeTransfer), 1)
	assert.Len(t, h.chain.sent("transfer"), 1)
}

func TestConcurrentBridgeTransfersSendOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.escrowed(t, scenarioPayment())
	h.chain.balanceDelay = 20 * time.Millisecond
	amount := decimal.RequireFromString("500.00")

	var wg sync.WaitGroup
	hashes := make([]string, 2)
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hashes[i], errs[i] = h.bridge.TransferToOfframp(ctx, p.ID, amount)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			assert.Equal(t, apperror.CodeBusy, apperror.CodeOf(err))
			assert.Empty(t, hashes[i])
		}
	}
	assert.Len(t, h.chain.sent("transfer"), 1)
	assert.Len(t, h.events(t, p.ID, entity.EventBridgeTransfer), 1)
	assert.Empty(t, h.events(t, p.ID, entity.EventBridgeTransferError))
}

func TestConcurrentRedeemAndPayoutPaysOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.released(t, scenarioPayment())
	h.chain.balanceDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.payouts.RedeemAndPayout(ctx, p)
		}(i)
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
	assert.Len(t, h.chain.sent("transfer"), 1)
	assert.Len(t, h.rail.redemptions, 1)
	assert.Len(t, h.rail.payoutsFor(entity.LegPayee), 1)
	assert.Len(t, h.rail.payoutsFor(entity.LegCommission), 1)
	assert.Len(t, h.events(t, p.ID, entity.EventPaymentCompleted), 1)
}
