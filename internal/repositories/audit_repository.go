package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// AuditRepository appends to the carry-over trail. Rows are never updated.
type AuditRepository struct{}

func NewAuditRepository() *AuditRepository { return &AuditRepository{} }

func (r *AuditRepository) Append(ctx context.Context, q Querier, a *models.CarryOverAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = q.Now()
	_, err := q.ExecContext(ctx, `INSERT INTO carry_over_audit (id, balance_id, action, amount, invoice_id, payment_id, note, created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.BalanceID, string(a.Action), a.Amount, nullString(a.InvoiceID), nullString(a.PaymentID), a.Note, a.CreatedAt)
	return err
}

func (r *AuditRepository) ListByBalance(ctx context.Context, q Querier, balanceID string) ([]models.CarryOverAudit, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, balance_id, action, amount, invoice_id, payment_id, note, created_at
FROM carry_over_audit WHERE balance_id = ? ORDER BY created_at ASC`, balanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CarryOverAudit
	for rows.Next() {
		var (
			a         models.CarryOverAudit
			action    string
			invoiceID sql.NullString
			paymentID sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.BalanceID, &action, &a.Amount, &invoiceID, &paymentID, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Action = models.CarryOverAction(action)
		a.InvoiceID = stringPtr(invoiceID)
		a.PaymentID = stringPtr(paymentID)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
