package database

import (
	"database/sql"
	"fmt"

	"reconcile-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema is applied on startup. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		total NUMERIC(18, 2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'UGX',
		payment_method VARCHAR(20) NOT NULL,
		external_reference VARCHAR(255),
		customer_phone VARCHAR(20),
		customer_email VARCHAR(255),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_external_reference_key
		ON orders (external_reference) WHERE external_reference IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS orders_pending_method_idx
		ON orders (payment_method) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS order_transitions (
		id UUID PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL REFERENCES orders (id),
		from_status VARCHAR(20) NOT NULL,
		to_status VARCHAR(20) NOT NULL,
		kind VARCHAR(20) NOT NULL,
		event_id VARCHAR(255) NOT NULL,
		channel VARCHAR(20),
		evidence JSONB NOT NULL DEFAULT '{}',
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (order_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dedup_records (
		dedup_key VARCHAR(512) PRIMARY KEY,
		order_ref VARCHAR(64) NOT NULL,
		channel VARCHAR(20) NOT NULL,
		first_seen_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dedup_records_expires_idx ON dedup_records (expires_at)`,
	`CREATE TABLE IF NOT EXISTS dispatch_records (
		order_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		created_at TIMESTAMP NOT NULL,
		claimed_until TIMESTAMP,
		completed_at TIMESTAMP,
		PRIMARY KEY (order_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_actions (
		order_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		name VARCHAR(40) NOT NULL,
		state VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (order_id, status, name),
		FOREIGN KEY (order_id, status) REFERENCES dispatch_records (order_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_rejections (
		id UUID PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL,
		event_id VARCHAR(255),
		dedup_key VARCHAR(512),
		channel VARCHAR(20) NOT NULL,
		reason VARCHAR(40) NOT NULL,
		reported_amount NUMERIC(18, 2),
		reported_currency VARCHAR(3),
		expected_amount NUMERIC(18, 2),
		expected_currency VARCHAR(3),
		detail TEXT,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		resolved_by VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS payment_rejections_reason_idx ON payment_rejections (reason, created_at)`,
}

func InitDB(cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return db, nil
}

func Migrate(db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
