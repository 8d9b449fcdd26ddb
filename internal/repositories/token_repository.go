package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

type TokenRepository struct{}

func NewTokenRepository() *TokenRepository { return &TokenRepository{} }

const tokenColumns = `id, token, invoice_id, customer_id, subscription_id, amount, currency, description,
	expires_at, is_used, used_at, created_at`

func scanToken(scanner interface{ Scan(dest ...any) error }) (models.PaymentToken, error) {
	var (
		t         models.PaymentToken
		invoiceID sql.NullString
		subID     sql.NullInt64
		usedAt    sql.NullTime
	)
	err := scanner.Scan(&t.ID, &t.Token, &invoiceID, &t.CustomerID, &subID, &t.Amount, &t.Currency, &t.Description,
		&t.ExpiresAt, &t.IsUsed, &usedAt, &t.CreatedAt)
	if err != nil {
		return models.PaymentToken{}, err
	}
	t.InvoiceID = stringPtr(invoiceID)
	t.SubscriptionID = int64Ptr(subID)
	t.UsedAt = timePtr(usedAt)
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (r *TokenRepository) Create(ctx context.Context, q Querier, t *models.PaymentToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = q.Now()
	t.IsUsed = false
	_, err := q.ExecContext(ctx, `INSERT INTO payment_tokens (`+tokenColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Token, nullString(t.InvoiceID), t.CustomerID, nullInt64(t.SubscriptionID), t.Amount, t.Currency,
		t.Description, t.ExpiresAt.UTC(), false, nullTime(nil), t.CreatedAt)
	return err
}

func (r *TokenRepository) GetByToken(ctx context.Context, q Querier, token string) (models.PaymentToken, error) {
	t, err := scanToken(q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM payment_tokens WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentToken{}, models.ErrNoRecord
	}
	return t, err
}

// Consume flips is_used for an unexpired, unused token. Only one caller can
// ever get true for a given token.
func (r *TokenRepository) Consume(ctx context.Context, q Querier, token string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE payment_tokens SET is_used = ?, used_at = ?
WHERE token = ? AND is_used = ? AND expires_at > ?`, true, now, token, false, now)
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

// LinkInvoice records the invoice created from a metadata-only token.
func (r *TokenRepository) LinkInvoice(ctx context.Context, q Querier, tokenID, invoiceID string) error {
	res, err := q.ExecContext(ctx, `UPDATE payment_tokens SET invoice_id = ? WHERE id = ? AND invoice_id IS NULL`, invoiceID, tokenID)
	if err != nil {
		return err
	}
	ok, err := expectOneRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrConcurrencyConflict
	}
	return nil
}
