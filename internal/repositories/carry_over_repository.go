package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

type CarryOverRepository struct{}

func NewCarryOverRepository() *CarryOverRepository { return &CarryOverRepository{} }

const balanceColumns = `id, customer_id, subscription_id, original_amount, amount, used_amount, currency,
	original_payment_id, source_balance_id, expires_at, is_used, used_at, void_reason, created_at, updated_at`

func scanBalance(scanner interface{ Scan(dest ...any) error }) (models.CarryOverBalance, error) {
	var (
		b          models.CarryOverBalance
		subID      sql.NullInt64
		paymentID  sql.NullString
		sourceID   sql.NullString
		usedAt     sql.NullTime
		voidReason sql.NullString
	)
	err := scanner.Scan(&b.ID, &b.CustomerID, &subID, &b.OriginalAmount, &b.Amount, &b.UsedAmount, &b.Currency,
		&paymentID, &sourceID, &b.ExpiresAt, &b.IsUsed, &usedAt, &voidReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return models.CarryOverBalance{}, err
	}
	b.SubscriptionID = int64Ptr(subID)
	b.OriginalPaymentID = stringPtr(paymentID)
	b.SourceBalanceID = stringPtr(sourceID)
	b.UsedAt = timePtr(usedAt)
	b.VoidReason = stringPtr(voidReason)
	b.ExpiresAt = b.ExpiresAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanBalances(rows *sql.Rows) ([]models.CarryOverBalance, error) {
	defer rows.Close()
	var out []models.CarryOverBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Create inserts a fresh balance. OriginalAmount defaults to Amount.
func (r *CarryOverRepository) Create(ctx context.Context, q Querier, b *models.CarryOverBalance) error {
	now := q.Now()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.OriginalAmount == 0 {
		b.OriginalAmount = b.Amount
	}
	b.UsedAmount = b.OriginalAmount - b.Amount
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `INSERT INTO carry_over_balances (`+balanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.CustomerID, nullInt64(b.SubscriptionID), b.OriginalAmount, b.Amount, b.UsedAmount, b.Currency,
		nullString(b.OriginalPaymentID), nullString(b.SourceBalanceID), b.ExpiresAt.UTC(), b.IsUsed,
		nullTime(b.UsedAt), nullString(b.VoidReason), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *CarryOverRepository) GetByID(ctx context.Context, q Querier, id string) (models.CarryOverBalance, error) {
	b, err := scanBalance(q.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM carry_over_balances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CarryOverBalance{}, models.ErrNoRecord
	}
	return b, err
}

// AvailableFilter narrows ListAvailable. Nil or empty fields match everything.
type AvailableFilter struct {
	CustomerID     int64
	SubscriptionID *int64
	IDs            []string
	Currency       string
	// IncludeUnassigned also matches balances not tied to any subscription
	// when SubscriptionID is set.
	IncludeUnassigned bool
}

// availableWhere builds the predicate shared by ListAvailable and
// SumAvailable.
func availableWhere(f AvailableFilter, now time.Time) ([]string, []any) {
	where := []string{"customer_id = ?", "is_used = ?", "amount > 0", "expires_at > ?"}
	args := []any{f.CustomerID, false, now}
	if f.SubscriptionID != nil {
		if f.IncludeUnassigned {
			where = append(where, "(subscription_id = ? OR subscription_id IS NULL)")
		} else {
			where = append(where, "subscription_id = ?")
		}
		args = append(args, *f.SubscriptionID)
	}
	if f.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, f.Currency)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	return where, args
}

// ListAvailable returns unused, unexpired balances in FIFO order: soonest
// expiry first, then oldest.
func (r *CarryOverRepository) ListAvailable(ctx context.Context, q Querier, f AvailableFilter, now time.Time) ([]models.CarryOverBalance, error) {
	where, args := availableWhere(f, now)
	rows, err := q.QueryContext(ctx, `SELECT `+balanceColumns+` FROM carry_over_balances WHERE `+
		strings.Join(where, " AND ")+` ORDER BY expires_at ASC, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanBalances(rows)
}

// Consume takes amount from a balance the caller has read. The update is
// pinned to the remaining amount seen by the caller, so two allocators can
// never both spend the same credit. It reports false on a lost race.
func (r *CarryOverRepository) Consume(ctx context.Context, q Querier, b models.CarryOverBalance, amount int64) (bool, error) {
	if amount <= 0 || amount > b.Amount {
		return false, models.Validationf("consume %d from balance %s holding %d", amount, b.ID, b.Amount)
	}
	now := q.Now()
	remaining := b.Amount - amount
	used := b.UsedAmount + amount
	var usedAt *time.Time
	if remaining == 0 {
		usedAt = &now
	}
	res, err := q.ExecContext(ctx, `UPDATE carry_over_balances
SET amount = ?, used_amount = ?, is_used = ?, used_at = ?, updated_at = ?
WHERE id = ? AND is_used = ? AND amount = ? AND amount >= ? AND expires_at > ?`,
		remaining, used, remaining == 0, nullTime(usedAt), now, b.ID, false, b.Amount, amount, now)
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

// ListExpired returns unused balances whose expiry has passed.
func (r *CarryOverRepository) ListExpired(ctx context.Context, q Querier, now time.Time, limit int) ([]models.CarryOverBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM carry_over_balances WHERE is_used = ? AND expires_at <= ? ORDER BY expires_at ASC`
	args := []any{false, now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanBalances(rows)
}

// Void closes an unused balance. The remaining amount stays on the row for
// audit; is_used keeps it out of every allocation query.
func (r *CarryOverRepository) Void(ctx context.Context, q Querier, id, reason string) (bool, error) {
	now := q.Now()
	res, err := q.ExecContext(ctx, `UPDATE carry_over_balances SET is_used = ?, used_at = ?, void_reason = ?, updated_at = ?
WHERE id = ? AND is_used = ?`, true, now, reason, now, id, false)
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

// SumAvailable totals the credit ListAvailable would return for f.
func (r *CarryOverRepository) SumAvailable(ctx context.Context, q Querier, f AvailableFilter, now time.Time) (int64, error) {
	where, args := availableWhere(f, now)
	var total int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM carry_over_balances WHERE `+strings.Join(where, " AND "), args...).Scan(&total)
	return total, err
}

// Totals sums the ledger by state. Consumed counts credit spent on
// invoices; a transfer moves credit without consuming it. Voided counts
// what was left on balances when they were voided.
func (r *CarryOverRepository) Totals(ctx context.Context, q Querier, customerID int64, now time.Time) (models.CarryOverTotals, error) {
	query := `SELECT
	COALESCE(SUM(CASE WHEN is_used = ? AND expires_at > ? THEN amount ELSE 0 END), 0),
	COALESCE(SUM(used_amount), 0) - COALESCE(SUM(CASE WHEN source_balance_id IS NOT NULL THEN original_amount ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN void_reason IS NOT NULL THEN amount ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN source_balance_id IS NULL THEN original_amount ELSE 0 END), 0)
FROM carry_over_balances`
	args := []any{false, now}
	if customerID > 0 {
		query += ` WHERE customer_id = ?`
		args = append(args, customerID)
	}
	var t models.CarryOverTotals
	err := q.QueryRowContext(ctx, query, args...).Scan(&t.Available, &t.Consumed, &t.Voided, &t.Issued)
	return t, err
}
