package models

import "time"

// PaymentToken is a single-use payable link. When InvoiceID is nil the
// metadata fields describe the invoice to create on redemption.
type PaymentToken struct {
	ID             string     `json:"id"`
	Token          string     `json:"token"`
	InvoiceID      *string    `json:"invoice_id,omitempty"`
	CustomerID     int64      `json:"customer_id"`
	SubscriptionID *int64     `json:"subscription_id,omitempty"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	IsUsed         bool       `json:"is_used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
