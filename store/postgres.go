package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"reconcile-svc/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const orderColumns = `id, status, total, currency, payment_method, COALESCE(external_reference, ''),
	COALESCE(customer_phone, ''), COALESCE(customer_email, ''), created_at, updated_at`

const externalReferenceConstraint = "orders_external_reference_key"

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	if err := row.Scan(&o.ID, &o.Status, &o.Total, &o.Currency, &o.PaymentMethod, &o.ExternalReference,
		&o.CustomerPhone, &o.CustomerEmail, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func uniqueViolation(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr, true
	}
	return nil, false
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order *models.Order) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, status, total, currency, payment_method, external_reference, customer_phone, customer_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING`,
		order.ID, order.Status, order.Total, order.Currency, order.PaymentMethod, order.ExternalReference,
		order.CustomerPhone, order.CustomerEmail, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ErrReferenceConflict
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_status, to_status, kind, event_id, COALESCE(channel, ''), evidence, applied_at
		FROM order_transitions WHERE order_id = $1 ORDER BY applied_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := models.Transition{OrderID: id}
		var evidence []byte
		if err := rows.Scan(&t.ID, &t.FromStatus, &t.ToStatus, &t.Kind, &t.EventID, &t.Channel, &evidence, &t.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &t.Evidence); err != nil {
				return nil, fmt.Errorf("failed to decode evidence: %w", err)
			}
		}
		order.History = append(order.History, t)
	}
	return order, rows.Err()
}

func (s *PostgresStore) FindByExternalReference(ctx context.Context, ref string) (*models.Order, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM orders WHERE external_reference = $1", ref).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by reference: %w", err)
	}
	return s.GetOrder(ctx, id)
}

func (s *PostgresStore) ListPendingByMethod(ctx context.Context, method models.PaymentMethod) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status = 'pending' AND payment_method = $1 ORDER BY created_at", method)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CommitTransition(ctx context.Context, c Commit) error {
	t := c.Transition
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, external_reference = COALESCE(external_reference, NULLIF($2::text, '')), updated_at = $3
		WHERE id = $4 AND status = $5 AND (external_reference IS NULL OR $2::text = '' OR external_reference = $2::text)`,
		t.ToStatus, c.ExternalReference, t.AppliedAt, t.OrderID, t.FromStatus,
	)
	if err != nil {
		if pqErr, ok := uniqueViolation(err); ok && pqErr.Constraint == externalReferenceConstraint {
			return ErrReferenceConflict
		}
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}

	if err := insertTransition(ctx, tx, t, false); err != nil {
		return err
	}

	if d := c.Dispatch; d != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dispatch_records (order_id, status, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (order_id, status) DO NOTHING`,
			d.Key.OrderID, d.Key.Status, d.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to create dispatch marker: %w", err)
		}
		for _, name := range sortedActionNames(d.Actions) {
			a := d.Actions[name]
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dispatch_actions (order_id, status, name, state, attempts, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (order_id, status, name) DO NOTHING`,
				d.Key.OrderID, d.Key.Status, name, a.State, a.Attempts, a.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to create dispatch action: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransition(ctx context.Context, db execer, t models.Transition, ignoreConflict bool) error {
	evidence, err := json.Marshal(t.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}
	query := `INSERT INTO order_transitions (id, order_id, from_status, to_status, kind, event_id, channel, evidence, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if ignoreConflict {
		query += " ON CONFLICT (order_id, event_id) DO NOTHING"
	}
	if _, err := db.ExecContext(ctx, query,
		t.ID, t.OrderID, t.FromStatus, t.ToStatus, t.Kind, t.EventID, t.Channel, evidence, t.AppliedAt,
	); err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ErrExists
		}
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvidence(ctx context.Context, t models.Transition) error {
	return insertTransition(ctx, s.db, t, true)
}

func (s *PostgresStore) SetExternalReference(ctx context.Context, orderID, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET external_reference = $2, updated_at = $3
		WHERE id = $1 AND (external_reference IS NULL OR external_reference = $2)`,
		orderID, ref, time.Now().UTC(),
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ErrReferenceConflict
		}
		return fmt.Errorf("failed to set external reference: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)", orderID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check order: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrReferenceConflict
}

func (s *PostgresStore) InsertDedup(ctx context.Context, rec models.DedupRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_records (dedup_key, order_ref, channel, first_seen_at, expires_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (dedup_key) DO NOTHING`,
		rec.DedupKey, rec.OrderRef, rec.Channel, rec.FirstSeenAt, rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) DeleteDedup(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM dedup_records WHERE dedup_key = $1", key); err != nil {
		return fmt.Errorf("failed to delete dedup record: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dedup_records WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}
	return res.RowsAffected()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func (s *PostgresStore) RecordRejection(ctx context.Context, r models.Rejection) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_rejections (id, order_id, event_id, dedup_key, channel, reason, reported_amount, reported_currency,
			expected_amount, expected_currency, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OrderID, r.EventID, r.DedupKey, r.Channel, r.Reason, nullDecimal(r.ReportedAmount), r.ReportedCurrency,
		nullDecimal(r.ExpectedAmount), r.ExpectedCurrency, r.Detail, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRejections(ctx context.Context, reason models.RejectionReason, includeResolved bool) ([]models.Rejection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, COALESCE(event_id, ''), COALESCE(dedup_key, ''), channel, reason, reported_amount,
			COALESCE(reported_currency, ''), expected_amount, COALESCE(expected_currency, ''), COALESCE(detail, ''),
			created_at, resolved_at, COALESCE(resolved_by, '')
		FROM payment_rejections
		WHERE ($1 = '' OR reason = $1) AND ($2 OR resolved_at IS NULL)
		ORDER BY created_at DESC`,
		reason, includeResolved,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejections: %w", err)
	}
	defer rows.Close()

	var out []models.Rejection
	for rows.Next() {
		var r models.Rejection
		var reported, expected decimal.NullDecimal
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.OrderID, &r.EventID, &r.DedupKey, &r.Channel, &r.Reason, &reported,
			&r.ReportedCurrency, &expected, &r.ExpectedCurrency, &r.Detail, &r.CreatedAt, &resolvedAt, &r.ResolvedBy); err != nil {
			return nil, fmt.Errorf("failed to scan rejection: %w", err)
		}
		if reported.Valid {
			r.ReportedAmount = &reported.Decimal
		}
		if expected.Valid {
			r.ExpectedAmount = &expected.Decimal
		}
		if resolvedAt.Valid {
			r.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveRejection returns ErrNotFound when no open rejection has the id.
func (s *PostgresStore) ResolveRejection(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payment_rejections SET resolved_at = $2, resolved_by = $3 WHERE id = $1 AND resolved_at IS NULL",
		id, at, by,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve rejection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDispatch(ctx context.Context, key models.DispatchKey) (*models.DispatchRecord, error) {
	rec := &models.DispatchRecord{Key: key, Actions: map[string]models.ActionRecord{}}
	var claimed, completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, claimed_until, completed_at FROM dispatch_records WHERE order_id = $1 AND status = $2",
		key.OrderID, key.Status,
	).Scan(&rec.CreatedAt, &claimed, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch record: %w", err)
	}
	if claimed.Valid {
		rec.ClaimedUntil = &claimed.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, attempts, COALESCE(last_error, ''), updated_at
		FROM dispatch_actions WHERE order_id = $1 AND status = $2`,
		key.OrderID, key.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.ActionRecord
		if err := rows.Scan(&a.Name, &a.State, &a.Attempts, &a.LastError, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch action: %w", err)
		}
		rec.Actions[a.Name] = a
	}
	return rec, rows.Err()
}

func (s *PostgresStore) ClaimDispatch(ctx context.Context, key models.DispatchKey, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_records SET claimed_until = $3
		WHERE order_id = $1 AND status = $2 AND completed_at IS NULL AND (claimed_until IS NULL OR claimed_until < $4)`,
		key.OrderID, key.Status, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) ExtendDispatchClaim(ctx context.Context, key models.DispatchKey, held, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_records SET claimed_until = $4
		WHERE order_id = $1 AND status = $2 AND completed_at IS NULL AND claimed_until = $3`,
		key.OrderID, key.Status, held, until,
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend dispatch claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) RecordActionAttempt(ctx context.Context, key models.DispatchKey, a models.ActionRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_actions (order_id, status, name, state, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (order_id, status, name) DO UPDATE
		SET state = EXCLUDED.state, attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		key.OrderID, key.Status, a.Name, a.State, a.Attempts, a.LastError, a.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to record action attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteDispatch(ctx context.Context, key models.DispatchKey, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE dispatch_records SET completed_at = $3, claimed_until = NULL WHERE order_id = $1 AND status = $2",
		key.OrderID, key.Status, at,
	); err != nil {
		return fmt.Errorf("failed to complete dispatch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIncompleteDispatches(ctx context.Context, createdBefore time.Time) ([]models.DispatchKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT order_id, status FROM dispatch_records WHERE completed_at IS NULL AND created_at < $1 ORDER BY created_at",
		createdBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete dispatches: %w", err)
	}
	return scanDispatchKeys(rows)
}

func (s *PostgresStore) ListFailedDispatches(ctx context.Context) ([]models.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT order_id, status FROM dispatch_actions WHERE state = 'failed' ORDER BY order_id, status")
	if err != nil {
		return nil, fmt.Errorf("failed to list failed dispatches: %w", err)
	}
	keys, err := scanDispatchKeys(rows)
	if err != nil {
		return nil, err
	}

	out := make([]models.DispatchRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.GetDispatch(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func scanDispatchKeys(rows *sql.Rows) ([]models.DispatchKey, error) {
	defer rows.Close()
	var keys []models.DispatchKey
	for rows.Next() {
		var k models.DispatchKey
		if err := rows.Scan(&k.OrderID, &k.Status); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ResetDispatch(ctx context.Context, key models.DispatchKey, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE dispatch_records SET completed_at = NULL, claimed_until = NULL WHERE order_id = $1 AND status = $2",
		key.OrderID, key.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to reopen dispatch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE dispatch_actions SET state = 'pending', attempts = 0, last_error = NULL, updated_at = $3
		WHERE order_id = $1 AND status = $2 AND state = 'failed'`,
		key.OrderID, key.Status, now,
	); err != nil {
		return fmt.Errorf("failed to reset dispatch actions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dispatch reset: %w", err)
	}
	return nil
}

func sortedActionNames(actions map[string]models.ActionRecord) []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
