package entity

import "time"

type EventType string

const (
	EventDepositDetected   EventType = "deposit_detected"
	EventEscrowCreated     EventType = "escrow_created"
	EventEscrowFunded      EventType = "escrow_funded"
	EventEscrowReleased    EventType = "escrow_released"
	EventBridgeTransfer    EventType = "bridge_transfer"
	EventMXNBRedeemed      EventType = "mxnb_redeemed"
	EventPayoutInitiated   EventType = "payout_initiated"
	EventPaymentCompleted  EventType = "payment_completed"
	EventEscrowDisputed    EventType = "escrow_disputed"
	EventDisputeResolved   EventType = "dispute_resolved"
	EventPaymentReconciled EventType = "payment_reconciled"
	EventApprovalRecorded  EventType = "approval_recorded"

	EventDepositError        EventType = "deposit_error"
	EventEscrowError         EventType = "escrow_error"
	EventReleaseError        EventType = "release_error"
	EventBridgeTransferError EventType = "bridge_transfer_error"
	EventRedemptionError     EventType = "redemption_error"
	EventPayoutError         EventType = "payout_error"
	EventReconciliationError EventType = "reconciliation_error"
)

func (t EventType) IsError() bool {
	switch t {
	case EventDepositError, EventEscrowError, EventReleaseError, EventBridgeTransferError,
		EventRedemptionError, EventPayoutError, EventReconciliationError:
		return true
	}
	return false
}

// PaymentEvent is an append-only audit record; rows are never updated.
type PaymentEvent struct {
	ID          string    `json:"id" db:"id"`
	PaymentID   string    `json:"payment_id" db:"payment_id"`
	Type        EventType `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	IsAutomatic bool      `json:"is_automatic" db:"is_automatic"`
	IsError     bool      `json:"is_error" db:"is_error"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NewEvent builds an event whose error flag follows its type.
func NewEvent(paymentID string, typ EventType, description string, automatic bool) *PaymentEvent {
	return &PaymentEvent{
		PaymentID:   paymentID,
		Type:        typ,
		Description: description,
		IsAutomatic: automatic,
		IsError:     typ.IsError(),
	}
}
