// Package store provides storage backends for SurveyPipe.
//
// It implements the tabular record store behind the response sink, the
// booking store behind the availability scheduler, and the inbound dedup
// table, each with SQLite, PostgreSQL, and in-memory backends.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the store DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the store DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// RecordRepo is the tabular record boundary used by the response sink.
// FindRecord returns (nil, nil) when no record exists for the identity.
type RecordRepo interface {
	FindRecord(ctx context.Context, target, identity string) (*models.Record, error)
	CreateRecord(ctx context.Context, target, identity string, fields map[string]string) (string, error)
	PatchRecord(ctx context.Context, recordID string, fields map[string]string) error
	AddAttachment(ctx context.Context, recordID, field string, att models.Attachment) error
}

// BookingRepo is the calendar store boundary used by the availability
// scheduler.
type BookingRepo interface {
	BusyIntervals(ctx context.Context, calendarID string, from, to time.Time) ([]models.Interval, error)
	CreateBooking(ctx context.Context, b models.Booking) error
}

// DedupRepo tracks inbound message ids so duplicate webhook deliveries never
// advance a session twice. RecordInbound returns true when the message id was
// seen for the first time.
type DedupRepo interface {
	RecordInbound(ctx context.Context, messageID, identity string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Store is the combined persistence surface the application wires up once.
type Store interface {
	RecordRepo
	BookingRepo
	DedupRepo
	Close() error
}
