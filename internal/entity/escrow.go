package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowCreated   EscrowStatus = "created"
	EscrowFunded    EscrowStatus = "funded"
	EscrowActive    EscrowStatus = "active"
	EscrowReleasing EscrowStatus = "releasing"
	EscrowReleased  EscrowStatus = "released"
	EscrowCompleted EscrowStatus = "completed"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowFailed    EscrowStatus = "failed"
)

// escrowRank orders the happy path; off-path states have no rank.
var escrowRank = map[EscrowStatus]int{
	EscrowPending:   0,
	EscrowCreated:   1,
	EscrowFunded:    2,
	EscrowActive:    3,
	EscrowReleasing: 4,
	EscrowReleased:  5,
	EscrowCompleted: 6,
}

// AtLeast reports whether s is on the happy path at or beyond other.
func (s EscrowStatus) AtLeast(other EscrowStatus) bool {
	a, ok := escrowRank[s]
	if !ok {
		return false
	}
	b, ok := escrowRank[other]
	return ok && a >= b
}

// Releasable reports whether the custody scheduler may claim the escrow.
func (s EscrowStatus) Releasable() bool {
	return s == EscrowFunded || s == EscrowActive
}

type Escrow struct {
	ID                    string          `json:"id" db:"id"`
	PaymentID             string          `json:"payment_id" db:"payment_id"`
	Status                EscrowStatus    `json:"status" db:"status"`
	SmartContractEscrowID *string         `json:"smart_contract_escrow_id" db:"smart_contract_escrow_id"`
	BlockchainTxHash      *string         `json:"blockchain_tx_hash" db:"blockchain_tx_hash"`
	ReleaseTxHash         *string         `json:"release_tx_hash" db:"release_tx_hash"`
	CustodyAmount         decimal.Decimal `json:"custody_amount" db:"custody_amount"`
	CustodyStart          *time.Time      `json:"custody_start" db:"custody_start"`
	CustodyEnd            time.Time       `json:"custody_end" db:"custody_end"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// ReleaseCandidate is an escrow joined with the approval state of its payment.
type ReleaseCandidate struct {
	Escrow  Escrow
	Payment Payment
}

// ReleaseDue reports whether the custody window has elapsed or both parties
// approved an early release the payment type allows.
func ReleaseDue(now time.Time, e *Escrow, p *Payment) bool {
	if !now.Before(e.CustodyEnd) {
		return true
	}
	return p.AllowEarlyRelease && p.BothApproved()
}
