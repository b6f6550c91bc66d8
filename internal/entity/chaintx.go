package entity

import "time"

type ChainTxKind string

const (
	TxCreateEscrow   ChainTxKind = "create_escrow"
	TxApprove        ChainTxKind = "approve"
	TxFundEscrow     ChainTxKind = "fund_escrow"
	TxRelease        ChainTxKind = "release"
	TxDispute        ChainTxKind = "dispute"
	TxResolveDispute ChainTxKind = "resolve_dispute"
	TxBridgeTransfer ChainTxKind = "bridge_transfer"
)

type ChainTxStatus string

const (
	ChainTxSubmitted ChainTxStatus = "submitted"
	ChainTxMined     ChainTxStatus = "mined"
	ChainTxReverted  ChainTxStatus = "reverted"
	ChainTxDropped   ChainTxStatus = "dropped"
)

// ChainTx is a signed transaction recorded before it is broadcast, so a
// crash between signing and confirmation can be resumed from the hash.
type ChainTx struct {
	Hash      string        `json:"hash" db:"hash"`
	PaymentID string        `json:"payment_id" db:"payment_id"`
	Kind      ChainTxKind   `json:"kind" db:"kind"`
	Nonce     uint64        `json:"nonce" db:"nonce"`
	Raw       []byte        `json:"-" db:"raw"`
	Status    ChainTxStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}
