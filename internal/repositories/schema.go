package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ledgerTables is portable across MySQL, Postgres and SQLite. Money columns
// hold minor currency units.
var ledgerTables = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGINT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		price BIGINT NOT NULL,
		period_days INTEGER NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscription_extensions (
		id VARCHAR(36) PRIMARY KEY,
		subscription_id BIGINT NOT NULL,
		amount_paid BIGINT NOT NULL,
		expires_before TIMESTAMP NOT NULL,
		expires_after TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id VARCHAR(36) PRIMARY KEY,
		invoice_number VARCHAR(32) NOT NULL UNIQUE,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT NULL,
		currency VARCHAR(3) NOT NULL,
		total_amount BIGINT NOT NULL,
		paid_amount BIGINT NOT NULL DEFAULT 0,
		carry_over_amount BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		description VARCHAR(255) NOT NULL DEFAULT '',
		due_date TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_tokens (
		id VARCHAR(36) PRIMARY KEY,
		token VARCHAR(64) NOT NULL UNIQUE,
		invoice_id VARCHAR(36) NULL,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(3) NOT NULL,
		description VARCHAR(255) NOT NULL DEFAULT '',
		expires_at TIMESTAMP NOT NULL,
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(36) PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT NULL,
		invoice_id VARCHAR(36) NOT NULL,
		amount BIGINT NOT NULL,
		received_amount BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(3) NOT NULL,
		method VARCHAR(32) NOT NULL,
		status VARCHAR(16) NOT NULL,
		reference VARCHAR(128) NOT NULL UNIQUE,
		transaction_id VARCHAR(128) NULL,
		failure_reason VARCHAR(255) NULL,
		payment_url TEXT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		paid_at TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS carry_over_balances (
		id VARCHAR(36) PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT NULL,
		original_amount BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		used_amount BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(3) NOT NULL,
		original_payment_id VARCHAR(36) NULL,
		source_balance_id VARCHAR(36) NULL,
		expires_at TIMESTAMP NOT NULL,
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		used_at TIMESTAMP NULL,
		void_reason VARCHAR(64) NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS carry_over_audit (
		id VARCHAR(36) PRIMARY KEY,
		balance_id VARCHAR(36) NOT NULL,
		action VARCHAR(32) NOT NULL,
		amount BIGINT NOT NULL,
		invoice_id VARCHAR(36) NULL,
		payment_id VARCHAR(36) NULL,
		note VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id VARCHAR(36) PRIMARY KEY,
		kind VARCHAR(64) NOT NULL,
		aggregate_id VARCHAR(64) NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP NULL,
		failed_at TIMESTAMP NULL,
		last_error TEXT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_checks (
		id VARCHAR(36) PRIMARY KEY,
		payment_id VARCHAR(36) NOT NULL UNIQUE,
		method VARCHAR(32) NOT NULL,
		run_at TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMP NULL,
		done_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

var ledgerIndexes = []struct{ name, table, columns string }{
	{"idx_balances_customer", "carry_over_balances", "customer_id, is_used, expires_at"},
	{"idx_payments_invoice", "payments", "invoice_id"},
	{"idx_audit_balance", "carry_over_audit", "balance_id"},
	{"idx_outbox_due", "outbox_events", "delivered_at, failed_at, next_attempt_at"},
	{"idx_checks_due", "payment_checks", "done_at, run_at"},
}

// mysqlDuplicateKeyName is returned when an index already exists.
const mysqlDuplicateKeyName = 1061

// Migrate creates the ledger tables and indexes if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range ledgerTables {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, idx := range ledgerIndexes {
		var stmt string
		if s.dialect == DialectMySQL {
			stmt = fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.name, idx.table, idx.columns)
		} else {
			stmt = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, idx.table, idx.columns)
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			if isDuplicateIndexError(err) {
				continue
			}
			return fmt.Errorf("migrate index %s: %w", idx.name, err)
		}
	}
	return nil
}

func isDuplicateIndexError(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateKeyName
}
