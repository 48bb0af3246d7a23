// Package store provides storage backends for SurveyPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time checks for the repo interfaces.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path to the database file; a missing directory is created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// FindRecord returns the record for an identity within a target table, or
// (nil, nil) when none exists.
func (s *SQLiteStore) FindRecord(ctx context.Context, target, identity string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target, identity, fields, created_at, updated_at FROM records WHERE target = ? AND identity = ?`,
		target, identity)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore FindRecord not found", "target", target, "identity", identity)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindRecord failed", "error", err, "target", target, "identity", identity)
		return nil, fmt.Errorf("failed to find record for %s: %w", identity, err)
	}
	return rec, nil
}

// CreateRecord inserts a new record and returns its generated id.
func (s *SQLiteStore) CreateRecord(ctx context.Context, target, identity string, fields map[string]string) (string, error) {
	id := util.GenerateRecordID()
	fieldsJSON, err := marshalFields(fields)
	if err != nil {
		return "", err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, target, identity, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, target, identity, fieldsJSON, now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateRecord failed", "error", err, "target", target, "identity", identity)
		return "", fmt.Errorf("failed to create record for %s: %w", identity, err)
	}
	slog.Debug("SQLiteStore CreateRecord succeeded", "target", target, "identity", identity, "record_id", id)
	return id, nil
}

// PatchRecord merges the given fields into an existing record. Existing
// fields not named in the patch are preserved; the write is never a
// destructive full replace.
func (s *SQLiteStore) PatchRecord(ctx context.Context, recordID string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin patch transaction: %w", err)
	}
	defer tx.Rollback()

	var fieldsJSON string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM records WHERE id = ?`, recordID).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("record %s not found", recordID)
	}
	if err != nil {
		slog.Error("SQLiteStore PatchRecord read failed", "error", err, "record_id", recordID)
		return fmt.Errorf("failed to read record %s: %w", recordID, err)
	}

	merged, err := mergeFields(fieldsJSON, fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE records SET fields = ?, updated_at = ? WHERE id = ?`, merged, time.Now(), recordID)
	if err != nil {
		slog.Error("SQLiteStore PatchRecord write failed", "error", err, "record_id", recordID)
		return fmt.Errorf("failed to patch record %s: %w", recordID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patch: %w", err)
	}
	slog.Debug("SQLiteStore PatchRecord succeeded", "record_id", recordID, "fields", len(fields))
	return nil
}

// AddAttachment stores a file answer against a record field.
func (s *SQLiteStore) AddAttachment(ctx context.Context, recordID, field string, att models.Attachment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (record_id, field, filename, mime_type, url, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recordID, field, att.Filename, nilIfEmpty(att.MimeType), nilIfEmpty(att.URL), att.Data, time.Now())
	if err != nil {
		slog.Error("SQLiteStore AddAttachment failed", "error", err, "record_id", recordID, "field", field)
		return fmt.Errorf("failed to add attachment to %s: %w", recordID, err)
	}
	slog.Debug("SQLiteStore AddAttachment succeeded", "record_id", recordID, "field", field, "filename", att.Filename)
	return nil
}

// BusyIntervals returns the booked intervals of a calendar overlapping
// [from, to).
func (s *SQLiteStore) BusyIntervals(ctx context.Context, calendarID string, from, to time.Time) ([]models.Interval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_at, end_at FROM bookings WHERE calendar_id = ? AND start_at < ? AND end_at > ? ORDER BY start_at`,
		calendarID, to, from)
	if err != nil {
		slog.Error("SQLiteStore BusyIntervals query failed", "error", err, "calendar_id", calendarID)
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
	slog.Debug("SQLiteStore BusyIntervals succeeded", "calendar_id", calendarID, "count", len(intervals))
	return intervals, nil
}

// CreateBooking persists a committed booking.
func (s *SQLiteStore) CreateBooking(ctx context.Context, b models.Booking) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (id, calendar_id, identity, start_at, end_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.CalendarID, nilIfEmpty(b.Identity), b.Start, b.End, b.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateBooking failed", "error", err, "booking_id", b.ID)
		return fmt.Errorf("failed to create booking %s: %w", b.ID, err)
	}
	slog.Debug("SQLiteStore CreateBooking succeeded", "booking_id", b.ID, "calendar_id", b.CalendarID)
	return nil
}
