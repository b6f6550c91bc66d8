package service

import (
	"context"
	"math/big"

	"escrowgo/internal/cmd/evm"
	"escrowgo/internal/cmd/juno"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Chain is the escrow and token contract surface. *evm.Gateway implements it.
type Chain interface {
	BridgeAddress() common.Address
	EscrowAddress() common.Address
	TokenAddress() common.Address
	Submit(ctx context.Context, call evm.Call, beforeSend func(*evm.SignedTx) error) (*evm.SignedTx, error)
	Rebroadcast(ctx context.Context, raw []byte) error
	Receipt(ctx context.Context, hash string) (*types.Receipt, error)
	WaitReceipt(ctx context.Context, hash string) (*types.Receipt, error)
	EscrowIDFromReceipt(r *types.Receipt) (*big.Int, error)
	EscrowState(ctx context.Context, id *big.Int) (evm.EscrowState, error)
	ReleaseTxHash(ctx context.Context, id *big.Int) (string, error)
	Decimals(ctx context.Context) (uint8, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// FiatRail is the bank-side provider. *juno.Client implements it.
type FiatRail interface {
	RecentDeposits(ctx context.Context, limit int) ([]juno.Deposit, error)
	Payout(ctx context.Context, req juno.PayoutRequest) (*juno.Receipt, error)
	Redeem(ctx context.Context, amount decimal.Decimal, originID string) (*juno.Receipt, error)
}

// Cache holds cross-instance coordination state. *rediscache.Store implements it.
type Cache interface {
	ClaimDeposit(ctx context.Context, providerID, paymentID string) (bool, error)
	ReleaseDeposit(ctx context.Context, providerID, paymentID string) error
	Decimals(ctx context.Context, token string, load func(context.Context) (uint8, error)) (uint8, error)
}
