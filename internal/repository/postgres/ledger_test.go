package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"
	"escrowgo/utils/connector"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestRepo runs against a real database and is skipped unless
// POSTGRES_TEST_DSN points at one.
func newTestRepo(t *testing.T) *LedgerRepository {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	logger := zap.NewNop()

	pool, err := connector.NewPostgresDSN(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, connector.MigratePostgres(ctx, pool, logger, os.DirFS("../../../app")))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLedgerRepository(pool, rdb, logger)
}

func seedEscrowed(t *testing.T, lr *LedgerRepository) (*entity.Payment, *entity.Escrow) {
	t.Helper()
	ctx := context.Background()
	p := &entity.Payment{
		Amount:         decimal.RequireFromString("1000.00"),
		CustodyPercent: decimal.NewFromInt(50),
		CustodyDays:    7,
		Status:         entity.StatusFunded,
	}
	require.NoError(t, lr.CreatePayment(ctx, p))

	e := &entity.Escrow{PaymentID: p.ID, CustodyAmount: p.CustodyAmount(), CustodyEnd: time.Now().Add(-time.Minute)}
	require.NoError(t, lr.CreateEscrow(ctx, e))
	require.NoError(t, lr.MarkEscrowCreated(ctx, e, "42",
		entity.NewEvent(p.ID, entity.EventEscrowCreated, "escrow 42 created", true)))
	require.NoError(t, lr.MarkEscrowFunded(ctx, e, "0xfund", time.Now(),
		entity.NewEvent(p.ID, entity.EventEscrowFunded, "escrow 42 funded", true)))
	return p, e
}

func TestLedgerEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	lr := newTestRepo(t)
	p, e := seedEscrowed(t, lr)

	err := lr.CreateEscrow(ctx, &entity.Escrow{PaymentID: p.ID, CustodyAmount: p.CustodyAmount(), CustodyEnd: time.Now()})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := lr.GetPaymentByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusEscrowed, got.Status)
	require.NotNil(t, got.EscrowID)
	assert.Equal(t, "42", *got.EscrowID)

	candidates, err := lr.ListReleasable(ctx, time.Now(), time.Now().Add(-5*time.Minute), 0)
	require.NoError(t, err)
	var found bool
	for _, c := range candidates {
		found = found || c.Escrow.ID == e.ID
	}
	assert.True(t, found)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := lr.ClaimEscrowForRelease(ctx, e.ID, time.Now().Add(-5*time.Minute))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	require.NoError(t, lr.MarkEscrowReleased(ctx, e, "0xrelease",
		entity.NewEvent(p.ID, entity.EventEscrowReleased, "released", true)))
	assert.Equal(t, entity.EscrowReleased, e.Status)

	done := entity.NewEvent(p.ID, entity.EventPaymentCompleted, "completed", true)
	require.NoError(t, lr.CompletePayment(ctx, p.ID, p.CustodyAmount(), done))
	again := entity.NewEvent(p.ID, entity.EventPaymentCompleted, "completed", true)
	assert.ErrorIs(t, lr.CompletePayment(ctx, p.ID, p.CustodyAmount(), again), repository.ErrConflict)

	got, err = lr.GetPaymentByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.True(t, got.ReleaseAmount.Equal(decimal.RequireFromString("500.00")))

	events, err := lr.ListEvents(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestLedgerPayoutAttempts(t *testing.T) {
	ctx := context.Background()
	lr := newTestRepo(t)
	p, _ := seedEscrowed(t, lr)
	tmpl := &entity.Payout{PaymentID: p.ID, Leg: entity.LegPayee, Amount: decimal.NewFromInt(490), Clabe: "012180001234567891", Beneficiary: "Ana Torres"}

	first, err := lr.EnsurePayout(ctx, tmpl)
	require.NoError(t, err)
	again, err := lr.EnsurePayout(ctx, tmpl)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, entity.OriginID(p.ID, entity.LegPayee, 1), again.OriginID)

	_, err = lr.RetryPayout(ctx, tmpl)
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, lr.MarkPayoutResult(ctx, first.ID, entity.PayoutRejected, nil, "invalid clabe"))
	corrected := *tmpl
	corrected.Clabe = "646180157000000004"
	next, err := lr.RetryPayout(ctx, &corrected)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "646180157000000004", next.Clabe)

	all, err := lr.ListPayouts(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLedgerChainTxs(t *testing.T) {
	ctx := context.Background()
	lr := newTestRepo(t)
	p, _ := seedEscrowed(t, lr)

	hash := "0x" + p.ID[:8] + "aa"
	require.NoError(t, lr.RecordChainTx(ctx, &entity.ChainTx{Hash: hash, PaymentID: p.ID, Kind: entity.TxRelease, Nonce: 9, Raw: []byte{1, 2}}))
	assert.ErrorIs(t, lr.RecordChainTx(ctx, &entity.ChainTx{Hash: hash, PaymentID: p.ID, Kind: entity.TxRelease}), repository.ErrConflict)

	tx, err := lr.LatestChainTx(ctx, p.ID, entity.TxRelease)
	require.NoError(t, err)
	assert.Equal(t, entity.ChainTxSubmitted, tx.Status)
	assert.Equal(t, []byte{1, 2}, tx.Raw)

	require.NoError(t, lr.UpdateChainTxStatus(ctx, hash, entity.ChainTxMined))
	tx, err = lr.LatestChainTx(ctx, p.ID, entity.TxRelease)
	require.NoError(t, err)
	assert.Equal(t, entity.ChainTxMined, tx.Status)

	_, err = lr.LatestChainTx(ctx, p.ID, entity.TxBridgeTransfer)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedgerLeases(t *testing.T) {
	ctx := context.Background()
	lr := newTestRepo(t)
	p, _ := seedEscrowed(t, lr)
	now := time.Now().UTC()

	ok, err := lr.AcquireLease(ctx, p.ID, "bridge", "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			ok, err := lr.AcquireLease(ctx, p.ID, "bridge", holder, now, now.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()
	assert.Zero(t, wins.Load())

	later := now.Add(2 * time.Minute)
	ok, err = lr.AcquireLease(ctx, p.ID, "bridge", "b", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lr.ReleaseLease(ctx, p.ID, "bridge", "a"))
	ok, err = lr.AcquireLease(ctx, p.ID, "bridge", "c", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a stale holder cannot release the new lease")

	require.NoError(t, lr.ReleaseLease(ctx, p.ID, "bridge", "b"))
	ok, err = lr.AcquireLease(ctx, p.ID, "bridge", "c", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}
