package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed
}

// Payment is the residual part of an invoice delegated to a gateway.
type Payment struct {
	ID             string        `json:"id"`
	CustomerID     int64         `json:"customer_id"`
	SubscriptionID *int64        `json:"subscription_id,omitempty"`
	InvoiceID      string        `json:"invoice_id"`
	Amount         int64         `json:"amount"`
	ReceivedAmount int64         `json:"received_amount"`
	Currency       string        `json:"currency"`
	Method         string        `json:"method"`
	Status         PaymentStatus `json:"status"`
	Reference      string        `json:"reference"`
	TransactionID  *string       `json:"transaction_id,omitempty"`
	FailureReason  *string       `json:"failure_reason,omitempty"`
	PaymentURL     string        `json:"payment_url,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
}

// PaymentCheck is a durable, re-entrant status re-check for a pending payment.
type PaymentCheck struct {
	ID          string     `json:"id"`
	PaymentID   string     `json:"payment_id"`
	Method      string     `json:"method"`
	RunAt       time.Time  `json:"run_at"`
	Attempts    int        `json:"attempts"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// StatisticsFilter narrows GetPaymentStatistics. Zero values mean "any".
type StatisticsFilter struct {
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Method     string     `json:"method,omitempty"`
	CustomerID int64      `json:"customer_id,omitempty"`
}

// StatusAggregate is a count and a sum for one status bucket.
type StatusAggregate struct {
	Count  int64 `json:"count"`
	Amount int64 `json:"amount"`
}

// PaymentStatistics aggregates the ledger for reporting.
type PaymentStatistics struct {
	Payments  map[PaymentStatus]StatusAggregate `json:"payments"`
	Invoices  map[InvoiceStatus]StatusAggregate `json:"invoices"`
	Received  int64                             `json:"received_amount"`
	CarryOver CarryOverTotals                   `json:"carry_over"`
}

// CarryOverTotals sums the carry-over ledger by state.
type CarryOverTotals struct {
	Available int64 `json:"available"`
	Consumed  int64 `json:"consumed"`
	Voided    int64 `json:"voided"`
	Issued    int64 `json:"issued"`
}
