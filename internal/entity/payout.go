package entity

import (
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PayoutLeg string

const (
	LegImmediate  PayoutLeg = "immediate"
	LegRedemption PayoutLeg = "redemption"
	LegPayee      PayoutLeg = "payee"
	LegCommission PayoutLeg = "commission"
)

func (l PayoutLeg) Valid() bool {
	switch l {
	case LegImmediate, LegRedemption, LegPayee, LegCommission:
		return true
	}
	return false
}

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutSubmitted PayoutStatus = "submitted"
	PayoutSucceeded PayoutStatus = "succeeded"
	PayoutRejected  PayoutStatus = "rejected"
)

// Payout is one provider money movement. The row and its origin id are written
// before the provider is called and reused by every retry of the same attempt.
type Payout struct {
	ID          string          `json:"id" db:"id"`
	PaymentID   string          `json:"payment_id" db:"payment_id"`
	Leg         PayoutLeg       `json:"leg" db:"leg"`
	Attempt     int             `json:"attempt" db:"attempt"`
	OriginID    string          `json:"origin_id" db:"origin_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Clabe       string          `json:"clabe" db:"clabe"`
	Beneficiary string          `json:"beneficiary" db:"beneficiary"`
	Status      PayoutStatus    `json:"status" db:"status"`
	ProviderID  *string         `json:"provider_id" db:"provider_id"`
	Detail      string          `json:"detail" db:"detail"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// OriginID derives the provider idempotency key from the payment id, the leg
// and the attempt counter.
func OriginID(paymentID string, leg PayoutLeg, attempt int) string {
	return fmt.Sprintf("%s-%s-%d", strings.ReplaceAll(paymentID, "-", ""), leg, attempt)
}

// NumericRef is the 7 digit SPEI numeric reference for a payment.
func NumericRef(paymentID string) string {
	return fmt.Sprintf("%07d", crc32.ChecksumIEEE([]byte(paymentID))%10000000)
}

// NotesRef is the SPEI concept shown on the beneficiary's statement.
func NotesRef(paymentID string, leg PayoutLeg) string {
	short := strings.ReplaceAll(paymentID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Pago %s %s", short, leg)
}
