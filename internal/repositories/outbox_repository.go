package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// OutboxRepository persists side effects in the same transaction as the
// ledger change that caused them.
type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository { return &OutboxRepository{} }

const outboxColumns = `id, kind, aggregate_id, payload, attempts, next_attempt_at, delivered_at, failed_at, last_error, created_at`

// Enqueue marshals payload and stores it due immediately.
func (r *OutboxRepository) Enqueue(ctx context.Context, q Querier, kind, aggregateID string, payload any) (models.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	now := q.Now()
	ev := models.OutboxEvent{
		ID:            uuid.NewString(),
		Kind:          kind,
		AggregateID:   aggregateID,
		Payload:       body,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	_, err = q.ExecContext(ctx, `INSERT INTO outbox_events (`+outboxColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.Kind, ev.AggregateID, string(ev.Payload), 0, ev.NextAttemptAt, nullTime(nil), nullTime(nil), nullString(nil), ev.CreatedAt)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return ev, nil
}

func scanOutbox(scanner interface{ Scan(dest ...any) error }) (models.OutboxEvent, error) {
	var (
		ev          models.OutboxEvent
		payload     string
		deliveredAt sql.NullTime
		failedAt    sql.NullTime
		lastError   sql.NullString
	)
	err := scanner.Scan(&ev.ID, &ev.Kind, &ev.AggregateID, &payload, &ev.Attempts, &ev.NextAttemptAt,
		&deliveredAt, &failedAt, &lastError, &ev.CreatedAt)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	ev.Payload = json.RawMessage(payload)
	ev.DeliveredAt = timePtr(deliveredAt)
	ev.FailedAt = timePtr(failedAt)
	ev.LastError = stringPtr(lastError)
	ev.NextAttemptAt = ev.NextAttemptAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// ListDue returns undelivered events whose next attempt is due.
func (r *OutboxRepository) ListDue(ctx context.Context, q Querier, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events
WHERE delivered_at IS NULL AND failed_at IS NULL AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListByKind is used by operators and tests to inspect the queue.
func (r *OutboxRepository) ListByKind(ctx context.Context, q Querier, kind string) ([]models.OutboxEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE kind = ? ORDER BY created_at ASC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Claim leases an event to one worker by bumping attempts from the value it
// read and pushing next_attempt_at past the lease. False means another
// worker got there first.
func (r *OutboxRepository) Claim(ctx context.Context, q Querier, ev models.OutboxEvent, leaseUntil time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE outbox_events SET attempts = ?, next_attempt_at = ?
WHERE id = ? AND attempts = ? AND delivered_at IS NULL AND failed_at IS NULL`,
		ev.Attempts+1, leaseUntil, ev.ID, ev.Attempts)
	if err != nil {
		return false, err
	}
	return expectOneRow(res)
}

func (r *OutboxRepository) MarkDelivered(ctx context.Context, q Querier, id string) error {
	_, err := q.ExecContext(ctx, `UPDATE outbox_events SET delivered_at = ?, last_error = NULL WHERE id = ? AND delivered_at IS NULL`, q.Now(), id)
	return err
}

func (r *OutboxRepository) MarkRetry(ctx context.Context, q Querier, id string, next time.Time, cause string) error {
	_, err := q.ExecContext(ctx, `UPDATE outbox_events SET next_attempt_at = ?, last_error = ? WHERE id = ? AND delivered_at IS NULL`, next, cause, id)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, q Querier, id string, cause string) error {
	_, err := q.ExecContext(ctx, `UPDATE outbox_events SET failed_at = ?, last_error = ? WHERE id = ? AND delivered_at IS NULL`, q.Now(), cause, id)
	return err
}

// CountPending reports undelivered, unfailed events for the metrics gauge.
func (r *OutboxRepository) CountPending(ctx context.Context, q Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE delivered_at IS NULL AND failed_at IS NULL`).Scan(&n)
	return n, err
}
