package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// SubscriptionRepository reads and extends subscriber plans. It doubles as
// the production SubscriptionExtender behind the outbox.
type SubscriptionRepository struct {
	Store *Store
}

func NewSubscriptionRepository(store *Store) *SubscriptionRepository {
	return &SubscriptionRepository{Store: store}
}

func scanSubscription(scanner interface{ Scan(dest ...any) error }) (models.Subscription, error) {
	var (
		sub     models.Subscription
		updated sql.NullTime
	)
	if err := scanner.Scan(&sub.ID, &sub.CustomerID, &sub.Price, &sub.PeriodDays, &sub.ExpiresAt, &updated); err != nil {
		return models.Subscription{}, err
	}
	sub.ExpiresAt = sub.ExpiresAt.UTC()
	sub.UpdatedAt = timePtr(updated)
	return sub, nil
}

func (r *SubscriptionRepository) Get(ctx context.Context, q Querier, id int64) (models.Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT id, customer_id, price, period_days, expires_at, updated_at FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Subscription{}, models.ErrNoRecord
	}
	return sub, err
}

// Save inserts or replaces a plan row. The wider billing system owns these
// rows; Save exists for provisioning imports.
func (r *SubscriptionRepository) Save(ctx context.Context, q Querier, sub models.Subscription) error {
	res, err := q.ExecContext(ctx, `UPDATE subscriptions SET customer_id = ?, price = ?, period_days = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		sub.CustomerID, sub.Price, sub.PeriodDays, sub.ExpiresAt.UTC(), q.Now(), sub.ID)
	if err != nil {
		return err
	}
	if ok, err := expectOneRow(res); err != nil || ok {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO subscriptions (id, customer_id, price, period_days, expires_at, updated_at) VALUES (?,?,?,?,?,?)`,
		sub.ID, sub.CustomerID, sub.Price, sub.PeriodDays, sub.ExpiresAt.UTC(), q.Now())
	return err
}

// Extend adds access time proportional to amountPaid, starting from the
// later of the current expiry and now. extensionID names the grant: a grant
// already recorded in subscription_extensions is a no-op, so a redelivered
// event extends the plan once. The update is pinned to the expiry it read
// so a concurrent extension is never lost silently.
func (r *SubscriptionRepository) Extend(ctx context.Context, extensionID string, subscriptionID, amountPaid int64) error {
	if extensionID == "" {
		return fmt.Errorf("extend subscription %d: extension id is required", subscriptionID)
	}
	if amountPaid <= 0 {
		return fmt.Errorf("extend subscription %d: amount must be positive", subscriptionID)
	}
	return r.Store.InTx(ctx, func(q Querier) error {
		applied, err := r.ExtensionApplied(ctx, q, extensionID)
		if err != nil {
			return fmt.Errorf("extend subscription %d: %w", subscriptionID, err)
		}
		if applied {
			return nil
		}

		sub, err := r.Get(ctx, q, subscriptionID)
		if err != nil {
			return fmt.Errorf("extend subscription %d: %w", subscriptionID, err)
		}
		now := q.Now()
		base := sub.ExpiresAt
		if !base.After(now) {
			base = now
		}
		newExpires := base.Add(sub.ExtensionFor(amountPaid))

		res, err := q.ExecContext(ctx, `UPDATE subscriptions SET expires_at = ?, updated_at = ? WHERE id = ? AND expires_at = ?`,
			newExpires, now, sub.ID, sub.ExpiresAt)
		if err != nil {
			return err
		}
		ok, err := expectOneRow(res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("extend subscription %d: %w", subscriptionID, models.ErrConcurrencyConflict)
		}

		_, err = q.ExecContext(ctx, `INSERT INTO subscription_extensions (id, subscription_id, amount_paid, expires_before, expires_after, created_at) VALUES (?,?,?,?,?,?)`,
			extensionID, sub.ID, amountPaid, sub.ExpiresAt, newExpires, now)
		return err
	})
}

// ExtensionApplied reports whether the grant named extensionID was recorded.
func (r *SubscriptionRepository) ExtensionApplied(ctx context.Context, q Querier, extensionID string) (bool, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription_extensions WHERE id = ?`, extensionID).Scan(&n)
	return n > 0, err
}
