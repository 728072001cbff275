package models

import "time"

const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentCancelled = "cancelled"
	PaymentRefunded  = "refunded"
)

const (
	MethodStripe       = "stripe"
	MethodBankTransfer = "bank_transfer"
	MethodCash         = "cash"
	MethodOther        = "other"
)

type Payment struct {
	ID              string    `json:"id"`
	LicenseID       string    `json:"license_id"`
	CustomerID      string    `json:"customer_id"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Method          string    `json:"method"`
	Status          string    `json:"status"`
	PaidAt          time.Time `json:"paid_at"`
	ReceiptRef      string    `json:"receipt_ref,omitempty"`
	StripeSessionID string    `json:"stripe_session_id,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func IsValidPaymentStatus(status string) bool {
	switch status {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}
