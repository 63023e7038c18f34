// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidInput is returned for records missing their key.
var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a scored transaction. Re-scoring the same
// transaction overwrites the previous score.
func (r *SQLRepository) SaveTransaction(ctx context.Context, rec *domain.TransactionRecord) error {
	tx := rec.Transaction
	if tx.TxnID == "" {
		return fmt.Errorf("%w: txn_id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			txn_id, customer_id, merchant_id, merchant_category, amount,
			country_code, channel, device_id, timestamp,
			combined_score, is_alert, degraded, bundle_version, scored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (txn_id) DO UPDATE SET
			combined_score = excluded.combined_score,
			is_alert = excluded.is_alert,
			degraded = excluded.degraded,
			bundle_version = excluded.bundle_version,
			scored_at = excluded.scored_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.TxnID, tx.CustomerID, tx.MerchantID, tx.MerchantCategory, tx.Amount,
		tx.CountryCode, string(tx.Channel), tx.DeviceID, tx.Timestamp.UTC(),
		rec.CombinedScore, boolInt(rec.IsAlert), boolInt(rec.Degraded),
		rec.BundleVersion, rec.ScoredAt.UTC(),
	)
	return err
}

// GetTransaction retrieves a scored transaction by id.
func (r *SQLRepository) GetTransaction(ctx context.Context, txnID string) (*domain.TransactionRecord, error) {
	query := `
		SELECT txn_id, customer_id, merchant_id, merchant_category, amount,
			   country_code, channel, device_id, timestamp,
			   combined_score, is_alert, degraded, bundle_version, scored_at
		FROM transactions
		WHERE txn_id = ?
	`

	var (
		rec              domain.TransactionRecord
		category, device sql.NullString
		channel          string
		isAlert, degr    int
	)
	tx := &rec.Transaction
	err := r.db.QueryRowContext(ctx, r.rebind(query), txnID).Scan(
		&tx.TxnID, &tx.CustomerID, &tx.MerchantID, &category, &tx.Amount,
		&tx.CountryCode, &channel, &device, &tx.Timestamp,
		&rec.CombinedScore, &isAlert, &degr, &rec.BundleVersion, &rec.ScoredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txnID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	tx.MerchantCategory = category.String
	tx.DeviceID = device.String
	tx.Channel = domain.Channel(channel)
	tx.Timestamp = tx.Timestamp.UTC()
	rec.ScoredAt = rec.ScoredAt.UTC()
	rec.IsAlert = isAlert != 0
	rec.Degraded = degr != 0
	return &rec, nil
}

// UpsertAlert writes an alert and indexes its transactions. Outbox
// deliveries may be retried out of order, so an update older than the
// stored row is ignored, and a row in a terminal state never changes status.
func (r *SQLRepository) UpsertAlert(ctx context.Context, a *domain.Alert) error {
	if a.AlertID == "" {
		return fmt.Errorf("%w: alert_id is required", ErrInvalidInput)
	}

	var explanation sql.NullString
	if a.Explanation != nil {
		data, err := json.Marshal(a.Explanation)
		if err != nil {
			return fmt.Errorf("encode explanation: %w", err)
		}
		explanation = sql.NullString{String: string(data), Valid: true}
	}
	linked, err := json.Marshal(a.LinkedTxnIDs)
	if err != nil {
		return fmt.Errorf("encode linked transactions: %w", err)
	}

	query := `
		INSERT INTO alerts (
			alert_id, txn_id, customer_id, score, status, explanation,
			analyst_notes, occurrences, linked_txn_ids, degraded,
			created_at, updated_at, first_occurrence_at, last_occurrence_at,
			created_ns, updated_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id) DO UPDATE SET
			score = excluded.score,
			status = excluded.status,
			explanation = excluded.explanation,
			analyst_notes = excluded.analyst_notes,
			occurrences = excluded.occurrences,
			linked_txn_ids = excluded.linked_txn_ids,
			degraded = excluded.degraded,
			updated_at = excluded.updated_at,
			first_occurrence_at = excluded.first_occurrence_at,
			last_occurrence_at = excluded.last_occurrence_at,
			updated_ns = excluded.updated_ns
		WHERE alerts.updated_ns <= excluded.updated_ns
			AND (alerts.status NOT IN ('resolved', 'false_positive') OR alerts.status = excluded.status)
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(query),
		a.AlertID, a.TxnID, a.CustomerID, a.Score, string(a.Status), explanation,
		a.AnalystNotes, a.Occurrences, string(linked), boolInt(a.Degraded),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), a.FirstOccurrence.UTC(), a.LastOccurrence.UTC(),
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	); err != nil {
		return err
	}

	index := r.rebind(`INSERT INTO alert_txns (txn_id, alert_id) VALUES (?, ?) ON CONFLICT (txn_id) DO NOTHING`)
	for _, txnID := range append([]string{a.TxnID}, a.LinkedTxnIDs...) {
		if _, err := tx.ExecContext(ctx, index, txnID, a.AlertID); err != nil {
			return fmt.Errorf("index transaction %s: %w", txnID, err)
		}
	}
	return tx.Commit()
}

const alertColumns = `
	alert_id, txn_id, customer_id, score, status, explanation,
	analyst_notes, occurrences, linked_txn_ids, degraded,
	created_at, updated_at, first_occurrence_at, last_occurrence_at
`

// GetAlert retrieves an alert by id.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE alert_id = ?`

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	return a, err
}

// FindAlertByTxn returns the alert a transaction raised or was linked into.
func (r *SQLRepository) FindAlertByTxn(ctx context.Context, txnID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE alert_id = (SELECT alert_id FROM alert_txns WHERE txn_id = ?)`

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), txnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert for transaction %s: %w", txnID, domain.ErrNotFound)
	}
	return a, err
}

// ListAlerts returns alerts matching filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + alertColumns + ` FROM alerts`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_ns DESC, alert_id ASC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(filter.Limit))
		if filter.Offset > 0 {
			b.WriteString(" OFFSET " + strconv.Itoa(filter.Offset))
		}
	} else if filter.Offset > 0 {
		// SQLite requires a LIMIT before OFFSET; -1 and ALL both mean none.
		if r.driver == "postgres" {
			b.WriteString(" LIMIT ALL")
		} else {
			b.WriteString(" LIMIT -1")
		}
		b.WriteString(" OFFSET " + strconv.Itoa(filter.Offset))
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(b.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*domain.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var (
		a                  domain.Alert
		status             string
		explanation, notes sql.NullString
		linked             sql.NullString
		degraded           int
	)
	if err := s.Scan(
		&a.AlertID, &a.TxnID, &a.CustomerID, &a.Score, &status, &explanation,
		&notes, &a.Occurrences, &linked, &degraded,
		&a.CreatedAt, &a.UpdatedAt, &a.FirstOccurrence, &a.LastOccurrence,
	); err != nil {
		return nil, err
	}

	a.Status = domain.AlertStatus(status)
	a.AnalystNotes = notes.String
	a.Degraded = degraded != 0
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.FirstOccurrence = a.FirstOccurrence.UTC()
	a.LastOccurrence = a.LastOccurrence.UTC()

	if explanation.Valid && explanation.String != "" {
		var e domain.Explanation
		if err := json.Unmarshal([]byte(explanation.String), &e); err != nil {
			return nil, fmt.Errorf("decode explanation of alert %s: %w", a.AlertID, err)
		}
		a.Explanation = &e
	}
	if linked.Valid && linked.String != "" && linked.String != "null" {
		if err := json.Unmarshal([]byte(linked.String), &a.LinkedTxnIDs); err != nil {
			return nil, fmt.Errorf("decode linked transactions of alert %s: %w", a.AlertID, err)
		}
	}
	return &a, nil
}

// SaveDeadLetter stores a dead letter. Saving the same id twice is a no-op.
func (r *SQLRepository) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if dl.ID == "" {
		return fmt.Errorf("%w: dead letter id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO dead_letters (id, kind, event_key, payload, error, attempts, created_at, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		dl.ID, dl.Kind, dl.Key, string(dl.Payload), dl.Error, dl.Attempts,
		dl.CreatedAt.UTC(), dl.CreatedAt.UnixNano(),
	)
	return err
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (r *SQLRepository) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, kind, event_key, payload, error, attempts, created_at
		FROM dead_letters
		ORDER BY created_ns DESC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		var (
			dl      domain.DeadLetter
			payload string
		)
		if err := rows.Scan(&dl.ID, &dl.Kind, &dl.Key, &payload, &dl.Error, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.Payload = []byte(payload)
		dl.CreatedAt = dl.CreatedAt.UTC()
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time check.
var _ domain.Repository = (*SQLRepository)(nil)

// OpenAlerts returns every alert that has not reached a terminal state, for
// restoring the alert manager at startup.
func OpenAlerts(ctx context.Context, repo domain.Repository) ([]*domain.Alert, error) {
	var out []*domain.Alert
	for _, status := range []domain.AlertStatus{domain.AlertNew, domain.AlertReviewing} {
		alerts, err := repo.ListAlerts(ctx, domain.AlertFilter{Status: status})
		if err != nil {
			return nil, fmt.Errorf("list %s alerts: %w", status, err)
		}
		out = append(out, alerts...)
	}
	return out, nil
}
