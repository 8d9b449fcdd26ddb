package models

import "time"

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
)

// Invoice is a bill for one subscriber. Amounts are minor currency units.
type Invoice struct {
	ID              string        `json:"id"`
	InvoiceNumber   string        `json:"invoice_number"`
	CustomerID      int64         `json:"customer_id"`
	SubscriptionID  *int64        `json:"subscription_id,omitempty"`
	Currency        string        `json:"currency"`
	TotalAmount     int64         `json:"total_amount"`
	PaidAmount      int64         `json:"paid_amount"`
	CarryOverAmount int64         `json:"carry_over_amount"`
	Status          InvoiceStatus `json:"status"`
	Description     string        `json:"description,omitempty"`
	DueDate         time.Time     `json:"due_date"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Outstanding returns the part of the total not yet covered by payments or carry-over.
func (i Invoice) Outstanding() int64 {
	left := i.TotalAmount - i.PaidAmount - i.CarryOverAmount
	if left < 0 {
		return 0
	}
	return left
}

// SettledStatus derives the status from the covered amount. An invoice that
// has been touched by a settlement but is not fully covered is partial.
func (i Invoice) SettledStatus() InvoiceStatus {
	if i.PaidAmount+i.CarryOverAmount >= i.TotalAmount {
		return InvoiceStatusPaid
	}
	return InvoiceStatusPartial
}

// InvoiceStatusRank orders statuses so updates can refuse to regress.
func InvoiceStatusRank(s InvoiceStatus) int {
	switch s {
	case InvoiceStatusPending:
		return 0
	case InvoiceStatusPartial:
		return 1
	case InvoiceStatusPaid:
		return 2
	default:
		return -1
	}
}
