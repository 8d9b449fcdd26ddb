package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

type InvoiceRepo struct{}

func NewInvoiceRepo() *InvoiceRepo { return &InvoiceRepo{} }

const invoiceColumns = `id, invoice_number, customer_id, subscription_id, currency, total_amount, paid_amount,
	carry_over_amount, status, description, due_date, created_at, updated_at`

func scanInvoice(scanner interface{ Scan(dest ...any) error }) (models.Invoice, error) {
	var (
		inv    models.Invoice
		subID  sql.NullInt64
		status string
	)
	err := scanner.Scan(&inv.ID, &inv.InvoiceNumber, &inv.CustomerID, &subID, &inv.Currency, &inv.TotalAmount,
		&inv.PaidAmount, &inv.CarryOverAmount, &status, &inv.Description, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return models.Invoice{}, err
	}
	inv.SubscriptionID = int64Ptr(subID)
	inv.Status = models.InvoiceStatus(status)
	inv.DueDate = inv.DueDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

// Create inserts a pending invoice. ID and timestamps are filled in when empty.
func (r *InvoiceRepo) Create(ctx context.Context, q Querier, inv *models.Invoice) error {
	now := q.Now()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = models.InvoiceStatusPending
	}
	if inv.DueDate.IsZero() {
		inv.DueDate = now
	}
	inv.CreatedAt, inv.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.InvoiceNumber, inv.CustomerID, nullInt64(inv.SubscriptionID), inv.Currency, inv.TotalAmount,
		inv.PaidAmount, inv.CarryOverAmount, string(inv.Status), inv.Description, inv.DueDate, inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (r *InvoiceRepo) GetByID(ctx context.Context, q Querier, id string) (models.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invoice{}, models.ErrNoRecord
	}
	return inv, err
}

func (r *InvoiceRepo) GetByNumber(ctx context.Context, q Querier, number string) (models.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE invoice_number = ?`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invoice{}, models.ErrNoRecord
	}
	return inv, err
}

// ApplyAmounts moves the invoice from the amounts the caller read to the
// amounts it computed. The WHERE clause pins the previous amounts, so a
// concurrent settlement of the same invoice makes this a no-op and the
// caller gets ErrConcurrencyConflict.
func (r *InvoiceRepo) ApplyAmounts(ctx context.Context, q Querier, prev models.Invoice, paid, carry int64, status models.InvoiceStatus) error {
	if paid+carry > prev.TotalAmount || paid < prev.PaidAmount || carry < prev.CarryOverAmount {
		return models.Validationf("invoice %s amounts out of range", prev.InvoiceNumber)
	}
	if models.InvoiceStatusRank(status) < models.InvoiceStatusRank(prev.Status) {
		return models.Validationf("invoice %s status cannot go from %s to %s", prev.InvoiceNumber, prev.Status, status)
	}
	res, err := q.ExecContext(ctx, `UPDATE invoices SET paid_amount = ?, carry_over_amount = ?, status = ?, updated_at = ?
WHERE id = ? AND paid_amount = ? AND carry_over_amount = ? AND status = ?`,
		paid, carry, string(status), q.Now(), prev.ID, prev.PaidAmount, prev.CarryOverAmount, string(prev.Status))
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

// Stats groups invoices by status for the statistics endpoint.
func (r *InvoiceRepo) Stats(ctx context.Context, q Querier, f models.StatisticsFilter) (map[models.InvoiceStatus]models.StatusAggregate, error) {
	var (
		where []string
		args  []any
	)
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	if f.CustomerID > 0 {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	query := `SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0) FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY status"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.InvoiceStatus]models.StatusAggregate)
	for rows.Next() {
		var (
			status string
			agg    models.StatusAggregate
		)
		if err := rows.Scan(&status, &agg.Count, &agg.Amount); err != nil {
			return nil, err
		}
		out[models.InvoiceStatus(status)] = agg
	}
	return out, rows.Err()
}
