// Package sink adapts session answers onto the external tabular store.
//
// Writes are upserts with bounded retry and exponential backoff: the first
// write for a session creates a record, subsequent writes patch it, and a
// full replace never happens. Reads go through a TTL cache so placeholder
// resolution does not hammer the store.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
)

// Defaults for the retry and cache discipline.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultCacheTTL    = 5 * time.Minute
)

// Opts holds configuration options for the Sink.
type Opts struct {
	MaxAttempts int
	BackoffBase time.Duration
	CacheTTL    time.Duration
	Now         func() time.Time
	Sleep       func(time.Duration)
}

// Option defines a configuration option for the Sink.
type Option func(*Opts)

// WithMaxAttempts bounds the write retry count.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoffBase sets the first retry delay; later delays double.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// WithCacheTTL sets the read cache expiry.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = d }
}

// WithClock injects the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithSleep injects the backoff sleep function (for tests).
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Opts) { o.Sleep = sleep }
}

// Sink is the response-sink adapter over a record repo.
type Sink struct {
	repo        store.RecordRepo
	cache       *recordCache
	maxAttempts int
	backoffBase time.Duration
	sleep       func(time.Duration)
}

// New creates a sink over the given record repo.
func New(repo store.RecordRepo, opts ...Option) *Sink {
	cfg := Opts{
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		CacheTTL:    DefaultCacheTTL,
		Now:         time.Now,
		Sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sink{
		repo:        repo,
		cache:       newRecordCache(cfg.CacheTTL, cfg.Now),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		sleep:       cfg.Sleep,
	}
}

// Upsert writes fields for an identity: create on first write, patch after.
// The write is retried with exponential backoff; after retries exhaust the
// last error is returned and the caller decides how to surface it. The read
// cache entry is invalidated on every write attempt, successful or not.
func (s *Sink) Upsert(ctx context.Context, target, identity string, fields map[string]string) (string, error) {
	s.cache.invalidate(target, identity)

	var recordID string
	err := s.withRetry(ctx, "upsert", func() error {
		rec, err := s.repo.FindRecord(ctx, target, identity)
		if err != nil {
			return err
		}
		if rec == nil {
			id, err := s.repo.CreateRecord(ctx, target, identity, fields)
			if err != nil {
				return err
			}
			recordID = id
			return nil
		}
		recordID = rec.ID
		return s.repo.PatchRecord(ctx, rec.ID, fields)
	})
	if err != nil {
		slog.Error("Sink.Upsert: write failed after retries", "target", target, "identity", identity, "error", err)
		return "", fmt.Errorf("sink upsert for %s failed: %w", identity, err)
	}
	slog.Debug("Sink.Upsert: write succeeded", "target", target, "identity", identity, "record_id", recordID, "fields", len(fields))
	return recordID, nil
}

// Attach uploads a file answer against the identity's record, creating the
// record first when needed.
func (s *Sink) Attach(ctx context.Context, target, identity, field string, att models.Attachment) error {
	s.cache.invalidate(target, identity)

	err := s.withRetry(ctx, "attach", func() error {
		rec, err := s.repo.FindRecord(ctx, target, identity)
		if err != nil {
			return err
		}
		recordID := ""
		if rec == nil {
			recordID, err = s.repo.CreateRecord(ctx, target, identity, nil)
			if err != nil {
				return err
			}
		} else {
			recordID = rec.ID
		}
		return s.repo.AddAttachment(ctx, recordID, field, att)
	})
	if err != nil {
		slog.Error("Sink.Attach: upload failed after retries", "target", target, "identity", identity, "field", field, "error", err)
		return fmt.Errorf("sink attach for %s failed: %w", identity, err)
	}
	return nil
}

// Field resolves one record field for placeholder substitution, serving from
// the TTL cache when fresh. A missing record or field returns ("", false).
func (s *Sink) Field(ctx context.Context, target, identity, field string) (string, bool) {
	rec, ok := s.cache.get(target, identity)
	if !ok {
		fetched, err := s.repo.FindRecord(ctx, target, identity)
		if err != nil {
			slog.Warn("Sink.Field: record fetch failed, placeholder unresolved", "target", target, "identity", identity, "field", field, "error", err)
			return "", false
		}
		rec = fetched
		s.cache.put(target, identity, rec)
	}
	if rec == nil {
		return "", false
	}
	v, ok := rec.Fields[field]
	return v, ok
}

// withRetry runs op up to maxAttempts times with exponential backoff. The
// operations retried here are idempotent by construction: find-then-create
// re-finds on every attempt, so a create that failed after persisting is
// patched rather than duplicated.
func (s *Sink) withRetry(ctx context.Context, what string, op func() error) error {
	var lastErr error
	delay := s.backoffBase
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < s.maxAttempts {
			slog.Warn("Sink retrying after failure", "op", what, "attempt", attempt, "delay", delay, "error", lastErr)
			s.sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}
