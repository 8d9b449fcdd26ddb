package models

import "time"

// CarryOverBalance is reusable credit created from an overpayment.
// Amount + UsedAmount always equals OriginalAmount.
type CarryOverBalance struct {
	ID                string     `json:"id"`
	CustomerID        int64      `json:"customer_id"`
	SubscriptionID    *int64     `json:"subscription_id,omitempty"`
	OriginalAmount    int64      `json:"original_amount"`
	Amount            int64      `json:"amount"`
	UsedAmount        int64      `json:"used_amount"`
	Currency          string     `json:"currency"`
	OriginalPaymentID *string    `json:"original_payment_id,omitempty"`
	SourceBalanceID   *string    `json:"source_balance_id,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	IsUsed            bool       `json:"is_used"`
	UsedAt            *time.Time `json:"used_at,omitempty"`
	VoidReason        *string    `json:"void_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Available reports whether the balance can still be allocated at now.
func (b CarryOverBalance) Available(now time.Time) bool {
	return !b.IsUsed && b.Amount > 0 && b.ExpiresAt.After(now)
}

type CarryOverAction string

const (
	CarryOverCreated        CarryOverAction = "created"
	CarryOverConsumed       CarryOverAction = "consumed"
	CarryOverTransferredOut CarryOverAction = "transferred_out"
	CarryOverTransferredIn  CarryOverAction = "transferred_in"
	CarryOverVoided         CarryOverAction = "voided"
)

// VoidReasonExpired annotates balances voided by the expiry sweep.
const VoidReasonExpired = "voided - expired"

// CarryOverAudit is one append-only entry of the carry-over trail.
type CarryOverAudit struct {
	ID        string          `json:"id"`
	BalanceID string          `json:"balance_id"`
	Action    CarryOverAction `json:"action"`
	Amount    int64           `json:"amount"`
	InvoiceID *string         `json:"invoice_id,omitempty"`
	PaymentID *string         `json:"payment_id,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// BalanceUsage records how much one allocation step took from a balance.
type BalanceUsage struct {
	BalanceID string `json:"balance_id"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
	FullyUsed bool   `json:"fully_used"`
}
