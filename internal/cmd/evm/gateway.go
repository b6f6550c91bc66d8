package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/config"
	"escrowgo/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	// ErrPending means the node does not know a receipt for the hash yet.
	ErrPending = errors.New("transaction not mined yet")
	// ErrNonceUsed means a rebroadcast was refused because its nonce is spent.
	ErrNonceUsed      = errors.New("nonce already used")
	ErrNoReleaseLog   = errors.New("no EscrowReleased log for escrow")
	ErrNoCreatedEvent = errors.New("receipt has no EscrowCreated log")
)

// Backend is the part of an RPC client the gateway needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SignedTx is a transaction signed but not necessarily broadcast.
type SignedTx struct {
	Hash  string
	Nonce uint64
	Raw   []byte
}

// Gateway signs with the bridge key and talks to the escrow and token contracts.
// Submissions are serialized so nonces stay contiguous.
type Gateway struct {
	backend        Backend
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	from           common.Address
	escrowAddr     common.Address
	tokenAddr      common.Address
	escrow         *bind.BoundContract
	token          *bind.BoundContract
	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *zap.Logger

	mu sync.Mutex
}

func Dial(ctx context.Context, cfg *config.Config, hexKey string, logger *zap.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return NewGateway(client, cfg, hexKey, logger)
}

func NewGateway(backend Backend, cfg *config.Config, hexKey string, logger *zap.Logger) (*Gateway, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, apperror.Wrap(apperror.Config, "bridge_key", "invalid bridge private key", err)
	}
	for _, addr := range []string{cfg.Chain.EscrowContract, cfg.Chain.TokenContract} {
		if !common.IsHexAddress(addr) {
			return nil, apperror.New(apperror.Config, "address", fmt.Sprintf("invalid contract address %q", addr))
		}
	}
	escrowAddr := common.HexToAddress(cfg.Chain.EscrowContract)
	tokenAddr := common.HexToAddress(cfg.Chain.TokenContract)

	return &Gateway{
		backend:        backend,
		chainID:        big.NewInt(cfg.Chain.ChainID),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		escrowAddr:     escrowAddr,
		tokenAddr:      tokenAddr,
		escrow:         bind.NewBoundContract(escrowAddr, EscrowABI, backend, backend, backend),
		token:          bind.NewBoundContract(tokenAddr, ERC20ABI, backend, backend, backend),
		pollInterval:   cfg.Chain.PollInterval,
		confirmTimeout: cfg.Chain.ConfirmTimeout,
		logger:         logger.With(zap.String("component", "evm_gateway")),
	}, nil
}

func (g *Gateway) BridgeAddress() common.Address { return g.from }
func (g *Gateway) EscrowAddress() common.Address { return g.escrowAddr }
func (g *Gateway) TokenAddress() common.Address  { return g.tokenAddr }

// Submit builds and signs call with fresh nonce and gas parameters, hands the
// signed transaction to beforeSend and only then broadcasts it. A beforeSend
// error aborts the broadcast.
func (g *Gateway) Submit(ctx context.Context, call Call, beforeSend func(*SignedTx) error) (*SignedTx, error) {
	contract := g.escrow
	if call.Target == TargetToken {
		contract = g.token
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return nil, apperror.Wrap(apperror.Config, "signer", "failed to build transactor", err)
	}
	opts.Context = ctx
	opts.NoSend = true

	tx, err := contract.Transact(opts, call.Method, call.Args...)
	if err != nil {
		metrics.IncChainTx(call.Method, "build_failed")
		return nil, apperror.Wrap(apperror.Chain, apperror.CodeReverted, "failed to build "+call.Method, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s tx: %w", call.Method, err)
	}
	signed := &SignedTx{Hash: tx.Hash().Hex(), Nonce: tx.Nonce(), Raw: raw}

	if beforeSend != nil {
		if err := beforeSend(signed); err != nil {
			return nil, fmt.Errorf("failed to persist %s tx before broadcast: %w", call.Method, err)
		}
	}

	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		metrics.IncChainTx(call.Method, "send_failed")
		g.logger.Warn("broadcast failed",
			zap.String("method", call.Method),
			zap.String("tx_hash", signed.Hash),
			zap.Uint64("nonce", signed.Nonce),
			zap.Error(err))
		return signed, apperror.Wrap(apperror.Chain, apperror.CodeSend, "failed to send "+call.Method, err)
	}
	metrics.IncChainTx(call.Method, "sent")
	g.logger.Info("transaction sent",
		zap.String("method", call.Method),
		zap.String("tx_hash", signed.Hash),
		zap.Uint64("nonce", signed.Nonce))
	return signed, nil
}

// Rebroadcast resends a previously signed transaction. A node that already
// has it is not an error.
func (g *Gateway) Rebroadcast(ctx context.Context, raw []byte) error {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("failed to decode stored tx: %w", err)
	}
	err := g.backend.SendTransaction(ctx, &tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%s: %w", tx.Hash().Hex(), ErrNonceUsed)
	}
	return apperror.Wrap(apperror.Chain, apperror.CodeSend, "failed to rebroadcast", err)
}

func (g *Gateway) Receipt(ctx context.Context, hash string) (*types.Receipt, error) {
	r, err := g.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", hash, err)
	}
	return r, nil
}

// WaitReceipt polls for a receipt until the confirm timeout. A reverted
// receipt is returned together with a chain error.
func (g *Gateway) WaitReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		r, err := g.Receipt(ctx, hash)
		switch {
		case err == nil && r.Status == types.ReceiptStatusSuccessful:
			return r, nil
		case err == nil:
			return r, apperror.New(apperror.Chain, apperror.CodeReverted, "transaction "+hash+" reverted")
		case !errors.Is(err, ErrPending) && ctx.Err() == nil:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, apperror.Wrap(apperror.Chain, apperror.CodeNotConfirmed, "no receipt for "+hash, ErrPending)
		case <-ticker.C:
		}
	}
}

func (g *Gateway) EscrowIDFromReceipt(r *types.Receipt) (*big.Int, error) {
	ev, err := ParseEscrowCreated(g.escrowAddr, r.Logs)
	if err != nil {
		return nil, err
	}
	return ev.EscrowId, nil
}

func (g *Gateway) EscrowState(ctx context.Context, id *big.Int) (EscrowState, error) {
	var out []interface{}
	if err := g.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "escrows", id); err != nil {
		return StateNone, fmt.Errorf("failed to read escrow %s: %w", id, err)
	}
	if len(out) != 6 {
		return StateNone, fmt.Errorf("unexpected escrows() output length %d", len(out))
	}
	status, ok := out[5].(uint8)
	if !ok {
		return StateNone, fmt.Errorf("unexpected escrows() status type %T", out[5])
	}
	return EscrowState(status), nil
}

// ReleaseTxHash finds the transaction that emitted EscrowReleased for id.
func (g *Gateway) ReleaseTxHash(ctx context.Context, id *big.Int) (string, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{g.escrowAddr},
		Topics:    [][]common.Hash{{EscrowABI.Events["EscrowReleased"].ID}, {common.BigToHash(id)}},
	}
	logs, err := g.backend.FilterLogs(ctx, q)
	if err != nil {
		return "", fmt.Errorf("failed to filter release logs: %w", err)
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("escrow %s: %w", id, ErrNoReleaseLog)
	}
	return logs[len(logs)-1].TxHash.Hex(), nil
}

func (g *Gateway) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := g.token.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("failed to read token decimals: %w", err)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals() type %T", out[0])
	}
	return d, nil
}

func (g *Gateway) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := g.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (g *Gateway) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := g.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	return out[0].(*big.Int), nil
}

// Ping reports whether the RPC endpoint answers.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.backend.HeaderByNumber(ctx, nil)
	return err
}
