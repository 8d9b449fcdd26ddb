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

type PaymentRepository struct{}

func NewPaymentRepository() *PaymentRepository { return &PaymentRepository{} }

const paymentColumns = `id, customer_id, subscription_id, invoice_id, amount, received_amount, currency, method, status,
	reference, transaction_id, failure_reason, payment_url, created_at, updated_at, paid_at`

func scanPayment(scanner interface{ Scan(dest ...any) error }) (models.Payment, error) {
	var (
		p             models.Payment
		subID         sql.NullInt64
		status        string
		transactionID sql.NullString
		failure       sql.NullString
		paymentURL    sql.NullString
		paidAt        sql.NullTime
	)
	err := scanner.Scan(&p.ID, &p.CustomerID, &subID, &p.InvoiceID, &p.Amount, &p.ReceivedAmount, &p.Currency,
		&p.Method, &status, &p.Reference, &transactionID, &failure, &paymentURL, &p.CreatedAt, &p.UpdatedAt, &paidAt)
	if err != nil {
		return models.Payment{}, err
	}
	p.SubscriptionID = int64Ptr(subID)
	p.Status = models.PaymentStatus(status)
	p.TransactionID = stringPtr(transactionID)
	p.FailureReason = stringPtr(failure)
	p.PaymentURL = paymentURL.String
	p.PaidAt = timePtr(paidAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Create inserts a pending payment.
func (r *PaymentRepository) Create(ctx context.Context, q Querier, p *models.Payment) error {
	now := q.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = models.PaymentStatusPending
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CustomerID, nullInt64(p.SubscriptionID), p.InvoiceID, p.Amount, p.ReceivedAmount, p.Currency, p.Method,
		string(p.Status), p.Reference, nullString(p.TransactionID), nullString(p.FailureReason), p.PaymentURL,
		p.CreatedAt, p.UpdatedAt, nullTime(p.PaidAt))
	return err
}

func (r *PaymentRepository) GetByID(ctx context.Context, q Querier, id string) (models.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, models.ErrNoRecord
	}
	return p, err
}

func (r *PaymentRepository) GetByReference(ctx context.Context, q Querier, reference string) (models.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = ?`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, models.ErrNoRecord
	}
	return p, err
}

// ListByInvoice returns the payments attached to an invoice, oldest first.
func (r *PaymentRepository) ListByInvoice(ctx context.Context, q Querier, invoiceID string) ([]models.Payment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = ? ORDER BY created_at ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPaid moves a pending payment to paid. It reports false when the
// payment already left pending, which callers treat as a duplicate.
func (r *PaymentRepository) MarkPaid(ctx context.Context, q Querier, id string, received int64, transactionID string, paidAt time.Time) (bool, error) {
	var txID *string
	if transactionID != "" {
		txID = &transactionID
	}
	res, err := q.ExecContext(ctx, `UPDATE payments
SET status = ?, received_amount = ?, transaction_id = COALESCE(?, transaction_id), paid_at = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(models.PaymentStatusPaid), received, nullString(txID), paidAt, q.Now(), id, string(models.PaymentStatusPending))
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

// MarkFailed moves a pending payment to failed with a reason.
func (r *PaymentRepository) MarkFailed(ctx context.Context, q Querier, id, reason, transactionID string) (bool, error) {
	var txID *string
	if transactionID != "" {
		txID = &transactionID
	}
	res, err := q.ExecContext(ctx, `UPDATE payments
SET status = ?, failure_reason = ?, transaction_id = COALESCE(?, transaction_id), updated_at = ?
WHERE id = ? AND status = ?`,
		string(models.PaymentStatusFailed), reason, nullString(txID), q.Now(), id, string(models.PaymentStatusPending))
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

// Stats groups payments by status. Amount sums the requested amount; the
// second return value sums what gateways actually reported as received.
func (r *PaymentRepository) Stats(ctx context.Context, q Querier, f models.StatisticsFilter) (map[models.PaymentStatus]models.StatusAggregate, int64, error) {
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
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.CustomerID > 0 {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	query := `SELECT status, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(received_amount), 0) FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY status"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make(map[models.PaymentStatus]models.StatusAggregate)
	var received int64
	for rows.Next() {
		var (
			status string
			agg    models.StatusAggregate
			recv   int64
		)
		if err := rows.Scan(&status, &agg.Count, &agg.Amount, &recv); err != nil {
			return nil, 0, err
		}
		out[models.PaymentStatus(status)] = agg
		received += recv
	}
	return out, received, rows.Err()
}
