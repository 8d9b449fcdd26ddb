package models

import (
	"encoding/json"
	"time"
)

const (
	OutboxKindNotification       = "notification"
	OutboxKindSubscriptionExtend = "subscription.extend"
	OutboxKindCarryOverCreated   = "carry_over.created"
)

// Notification templates enqueued by the settlement flow.
const (
	TemplateCarryOverApplied = "carry_over_applied"
	TemplateCarryOverCreated = "carry_over_created"
	TemplatePaymentSuccess   = "payment_success"
	TemplatePaymentFailed    = "payment_failed"
)

// OutboxEvent is a side effect persisted with the ledger change it depends on.
type OutboxEvent struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NotificationPayload is the body of notification and carry-over events.
type NotificationPayload struct {
	CustomerID int64          `json:"customer_id"`
	Template   string         `json:"template"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// SubscriptionExtendPayload is the body of subscription.extend events.
type SubscriptionExtendPayload struct {
	SubscriptionID int64  `json:"subscription_id"`
	AmountPaid     int64  `json:"amount_paid"`
	PaymentID      string `json:"payment_id"`
}
