package entity

// ReconcileReport describes what a reconciliation pass found and changed.
type ReconcileReport struct {
	PaymentID     string        `json:"payment_id"`
	PaymentBefore PaymentStatus `json:"payment_before"`
	PaymentAfter  PaymentStatus `json:"payment_after"`
	EscrowBefore  EscrowStatus  `json:"escrow_before,omitempty"`
	EscrowAfter   EscrowStatus  `json:"escrow_after,omitempty"`
	ChainState    string        `json:"chain_state,omitempty"`
	Actions       []string      `json:"actions"`
}

func (r *ReconcileReport) Changed() bool {
	return len(r.Actions) > 0
}
