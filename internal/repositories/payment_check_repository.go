package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// PaymentCheckRepository stores scheduled status re-checks so they survive restarts.
type PaymentCheckRepository struct{}

func NewPaymentCheckRepository() *PaymentCheckRepository { return &PaymentCheckRepository{} }

const checkColumns = `id, payment_id, method, run_at, attempts, locked_until, done_at, created_at`

func scanCheck(scanner interface{ Scan(dest ...any) error }) (models.PaymentCheck, error) {
	var (
		c           models.PaymentCheck
		lockedUntil sql.NullTime
		doneAt      sql.NullTime
	)
	if err := scanner.Scan(&c.ID, &c.PaymentID, &c.Method, &c.RunAt, &c.Attempts, &lockedUntil, &doneAt, &c.CreatedAt); err != nil {
		return models.PaymentCheck{}, err
	}
	c.LockedUntil = timePtr(lockedUntil)
	c.DoneAt = timePtr(doneAt)
	c.RunAt = c.RunAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// Schedule creates the check for a payment or re-arms an existing one.
// Re-arming resets the attempt counter.
func (r *PaymentCheckRepository) Schedule(ctx context.Context, q Querier, paymentID, method string, runAt time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE payment_checks SET run_at = ?, attempts = 0, locked_until = NULL, done_at = NULL
WHERE payment_id = ?`, runAt, paymentID)
	if err != nil {
		return err
	}
	ok, err := expectOneRow(res)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = q.ExecContext(ctx, `INSERT INTO payment_checks (`+checkColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		uuid.NewString(), paymentID, method, runAt, 0, nullTime(nil), nullTime(nil), q.Now())
	return err
}

func (r *PaymentCheckRepository) GetByPayment(ctx context.Context, q Querier, paymentID string) (models.PaymentCheck, error) {
	c, err := scanCheck(q.QueryRowContext(ctx, `SELECT `+checkColumns+` FROM payment_checks WHERE payment_id = ?`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentCheck{}, models.ErrNoRecord
	}
	return c, err
}

// ListDue returns open checks whose run time has come and whose lease, if
// any, has lapsed.
func (r *PaymentCheckRepository) ListDue(ctx context.Context, q Querier, now time.Time, limit int) ([]models.PaymentCheck, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+checkColumns+` FROM payment_checks
WHERE done_at IS NULL AND run_at <= ? AND (locked_until IS NULL OR locked_until <= ?)
ORDER BY run_at ASC LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentCheck
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Claim takes the lease on a check and counts the attempt.
func (r *PaymentCheckRepository) Claim(ctx context.Context, q Querier, c models.PaymentCheck, leaseUntil time.Time) (bool, error) {
	now := q.Now()
	res, err := q.ExecContext(ctx, `UPDATE payment_checks SET locked_until = ?, attempts = ?
WHERE id = ? AND attempts = ? AND done_at IS NULL AND (locked_until IS NULL OR locked_until <= ?)`,
		leaseUntil, c.Attempts+1, c.ID, c.Attempts, now)
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

// Reschedule releases the lease and sets the next run time.
func (r *PaymentCheckRepository) Reschedule(ctx context.Context, q Querier, id string, runAt time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE payment_checks SET run_at = ?, locked_until = NULL WHERE id = ? AND done_at IS NULL`, runAt, id)
	return err
}

// MarkDone closes the open check of a payment.
func (r *PaymentCheckRepository) MarkDone(ctx context.Context, q Querier, paymentID string) error {
	_, err := q.ExecContext(ctx, `UPDATE payment_checks SET done_at = ?, locked_until = NULL WHERE payment_id = ? AND done_at IS NULL`, q.Now(), paymentID)
	return err
}
