package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending         PaymentStatus = "pending"
	StatusDepositDetected PaymentStatus = "deposit_detected"
	StatusFunded          PaymentStatus = "funded"
	StatusEscrowed        PaymentStatus = "escrowed"
	StatusReleased        PaymentStatus = "released"
	StatusCompleted       PaymentStatus = "completed"
	StatusFailed          PaymentStatus = "failed"
	StatusDisputed        PaymentStatus = "disputed"
)

const CurrencyMXN = "MXN"

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:         {StatusDepositDetected, StatusFailed},
	StatusDepositDetected: {StatusFunded, StatusFailed},
	StatusFunded:          {StatusEscrowed, StatusFailed},
	StatusEscrowed:        {StatusReleased, StatusDisputed, StatusFailed},
	StatusReleased:        {StatusCompleted, StatusDisputed, StatusFailed},
	StatusDisputed:        {StatusReleased, StatusFailed},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDepositDetected, StatusFunded, StatusEscrowed,
		StatusReleased, StatusCompleted, StatusFailed, StatusDisputed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the status machine allows s -> to.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Party string

const (
	PartyPayer Party = "payer"
	PartyPayee Party = "payee"
)

type Payment struct {
	ID                string          `json:"id" db:"id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	PaymentType       string          `json:"payment_type" db:"payment_type"`
	PayerEmail        string          `json:"payer_email" db:"payer_email"`
	PayeeEmail        string          `json:"payee_email" db:"payee_email"`
	PayeeName         string          `json:"payee_name" db:"payee_name"`
	PayeeRFC          string          `json:"payee_rfc" db:"payee_rfc"`
	PayoutClabe       string          `json:"payout_clabe" db:"payout_clabe"`
	CommissionEmail   string          `json:"commission_email" db:"commission_email"`
	CommissionName    string          `json:"commission_name" db:"commission_name"`
	CommissionRFC     string          `json:"commission_rfc" db:"commission_rfc"`
	CommissionClabe   string          `json:"commission_clabe" db:"commission_clabe"`
	CommissionPercent decimal.Decimal `json:"commission_percent" db:"commission_percent"`
	CustodyPercent    decimal.Decimal `json:"custody_percent" db:"custody_percent"`
	CustodyDays       int             `json:"custody_days" db:"custody_days"`
	AllowEarlyRelease bool            `json:"allow_early_release" db:"allow_early_release"`
	PayerApproval     bool            `json:"payer_approval" db:"payer_approval"`
	PayerApprovalAt   *time.Time      `json:"payer_approval_at" db:"payer_approval_at"`
	PayeeApproval     bool            `json:"payee_approval" db:"payee_approval"`
	PayeeApprovalAt   *time.Time      `json:"payee_approval_at" db:"payee_approval_at"`
	DepositClabe      string          `json:"deposit_clabe" db:"deposit_clabe"`
	Reference         *string         `json:"reference" db:"reference"`
	EscrowID          *string         `json:"escrow_id" db:"escrow_id"`
	ReleaseAmount     decimal.Decimal `json:"release_amount" db:"release_amount"`
	Status            PaymentStatus   `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// CustodyAmount is the part of the payment held on chain.
func (p *Payment) CustodyAmount() decimal.Decimal {
	return CustodyAmount(p.Amount, p.CustodyPercent)
}

// ImmediateAmount is the part paid out as soon as the escrow is funded.
func (p *Payment) ImmediateAmount() decimal.Decimal {
	return p.Amount.Sub(p.CustodyAmount())
}

// CommissionAmount is taken out of the released custody.
func (p *Payment) CommissionAmount() decimal.Decimal {
	if !p.HasCommission() {
		return decimal.Zero
	}
	return percentOf(p.CustodyAmount(), p.CommissionPercent)
}

// PayeeNetAmount is what the payee receives at release time.
func (p *Payment) PayeeNetAmount() decimal.Decimal {
	return p.CustodyAmount().Sub(p.CommissionAmount())
}

func (p *Payment) HasCommission() bool {
	return p.CommissionClabe != "" && p.CommissionPercent.IsPositive()
}

// BothApproved reports whether the payer and payee have each approved release.
func (p *Payment) BothApproved() bool {
	return p.PayerApproval && p.PayeeApproval
}

// AwaitingDeposit reports whether the watcher should look for a matching transfer.
func (p *Payment) AwaitingDeposit() bool {
	return p.Status == StatusPending && p.DepositClabe != "" && (p.Reference == nil || *p.Reference == "")
}
