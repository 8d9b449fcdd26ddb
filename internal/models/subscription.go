package models

import "time"

// Subscription is the recurring access plan a payment extends. The row is
// owned by the wider billing system; the ledger only reads and extends it.
type Subscription struct {
	ID         int64      `json:"id"`
	CustomerID int64      `json:"customer_id"`
	Price      int64      `json:"price"`
	PeriodDays int        `json:"period_days"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// ExtensionFor converts a paid amount into access time, proportional to the
// plan price. Hour precision keeps partial payments meaningful.
func (s Subscription) ExtensionFor(amountPaid int64) time.Duration {
	if s.Price <= 0 || s.PeriodDays <= 0 || amountPaid <= 0 {
		return 0
	}
	hours := amountPaid * int64(s.PeriodDays) * 24 / s.Price
	return time.Duration(hours) * time.Hour
}
