// Package store provides storage backends for SurveyPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) FindRecord(ctx context.Context, target, identity string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target, identity, fields, created_at, updated_at FROM records WHERE target = $1 AND identity = $2`,
		target, identity)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore FindRecord not found", "target", target, "identity", identity)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindRecord failed", "error", err, "target", target, "identity", identity)
		return nil, fmt.Errorf("failed to find record for %s: %w", identity, err)
	}
	return rec, nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, target, identity string, fields map[string]string) (string, error) {
	id := util.GenerateRecordID()
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return "", err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, target, identity, fields, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, target, identity, fieldsJSON, now, now)
	if err != nil {
		slog.Error("PostgresStore CreateRecord failed", "error", err, "target", target, "identity", identity)
		return "", fmt.Errorf("failed to create record for %s: %w", identity, err)
	}
	slog.Debug("PostgresStore CreateRecord succeeded", "target", target, "identity", identity, "record_id", id)
	return id, nil
}

func (s *PostgresStore) PatchRecord(ctx context.Context, recordID string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin patch transaction: %w", err)
	}
	defer tx.Rollback()

	var fieldsJSON string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM records WHERE id = $1 FOR UPDATE`, recordID).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("record %s not found", recordID)
	}
	if err != nil {
		slog.Error("PostgresStore PatchRecord read failed", "error", err, "record_id", recordID)
		return fmt.Errorf("failed to read record %s: %w", recordID, err)
	}

	merged, err := mergeFields(fieldsJSON, fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE records SET fields = $1, updated_at = $2 WHERE id = $3`, merged, time.Now(), recordID)
	if err != nil {
		slog.Error("PostgresStore PatchRecord write failed", "error", err, "record_id", recordID)
		return fmt.Errorf("failed to patch record %s: %w", recordID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patch: %w", err)
	}
	slog.Debug("PostgresStore PatchRecord succeeded", "record_id", recordID, "fields", len(fields))
	return nil
}

func (s *PostgresStore) AddAttachment(ctx context.Context, recordID, field string, att models.Attachment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (record_id, field, filename, mime_type, url, data, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		recordID, field, att.Filename, nilIfEmpty(att.MimeType), nilIfEmpty(att.URL), att.Data, time.Now())
	if err != nil {
		slog.Error("PostgresStore AddAttachment failed", "error", err, "record_id", recordID, "field", field)
		return fmt.Errorf("failed to add attachment to %s: %w", recordID, err)
	}
	slog.Debug("PostgresStore AddAttachment succeeded", "record_id", recordID, "field", field, "filename", att.Filename)
	return nil
}

func (s *PostgresStore) BusyIntervals(ctx context.Context, calendarID string, from, to time.Time) ([]models.Interval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_at, end_at FROM bookings WHERE calendar_id = $1 AND start_at < $2 AND end_at > $3 ORDER BY start_at`,
		calendarID, to, from)
	if err != nil {
		slog.Error("PostgresStore BusyIntervals query failed", "error", err, "calendar_id", calendarID)
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var intervals []models.Interval
	for rows.Next() {
		var iv models.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}
		intervals = append(intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate booking rows: %w", err)
	}
	slog.Debug("PostgresStore BusyIntervals succeeded", "calendar_id", calendarID, "count", len(intervals))
	return intervals, nil
}

func (s *PostgresStore) CreateBooking(ctx context.Context, b models.Booking) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, calendar_id, identity, start_at, end_at, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.CalendarID, nilIfEmpty(b.Identity), b.Start, b.End, b.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateBooking failed", "error", err, "booking_id", b.ID)
		return fmt.Errorf("failed to create booking %s: %w", b.ID, err)
	}
	slog.Debug("PostgresStore CreateBooking succeeded", "booking_id", b.ID, "calendar_id", b.CalendarID)
	return nil
}
