package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

const (
	// DefaultSendAttempts is the per-message delivery retry cap.
	DefaultSendAttempts = 3
	// DefaultRetryDelay is the base delay between attempts; attempt n waits
	// n * delay.
	DefaultRetryDelay = 2 * time.Second
)

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Sleep       func(time.Duration)
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithSendAttempts overrides the delivery retry cap.
func WithSendAttempts(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.MaxAttempts = n }
}

// WithRetryDelay overrides the base delay between attempts.
func WithRetryDelay(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.RetryDelay = d }
}

// WithDispatcherSleep injects the sleep function (for tests).
func WithDispatcherSleep(sleep func(time.Duration)) DispatcherOption {
	return func(o *DispatcherOpts) { o.Sleep = sleep }
}

// Dispatcher delivers engine intents through a transport Service with
// bounded retry. Delivery is at-least-once; a message may be re-sent after a
// failure that actually reached the recipient.
type Dispatcher struct {
	service     Service
	maxAttempts int
	retryDelay  time.Duration
	sleep       func(time.Duration)
}

// NewDispatcher creates a dispatcher over the given transport.
func NewDispatcher(service Service, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{
		MaxAttempts: DefaultSendAttempts,
		RetryDelay:  DefaultRetryDelay,
		Sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		service:     service,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		sleep:       cfg.Sleep,
	}
}

// Dispatch delivers the intents in order. Each send is retried up to the
// attempt cap with a linear backoff; a message that still fails is logged and
// dropped so the rest of the batch is not held hostage.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []models.OutboundIntent) {
	for _, intent := range intents {
		if err := d.deliver(ctx, intent); err != nil {
			slog.Error("Dispatcher.Dispatch: message dropped after retries", "identity", intent.Identity, "kind", intent.Kind, "error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, intent models.OutboundIntent) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = d.send(ctx, intent)
		if lastErr == nil {
			slog.Debug("Dispatcher.deliver: sent", "identity", intent.Identity, "kind", intent.Kind, "attempt", attempt)
			return nil
		}
		slog.Warn("Dispatcher.deliver: send failed", "identity", intent.Identity, "kind", intent.Kind, "attempt", attempt, "error", lastErr)
		if attempt < d.maxAttempts {
			d.sleep(time.Duration(attempt) * d.retryDelay)
		}
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", d.maxAttempts, lastErr)
}

func (d *Dispatcher) send(ctx context.Context, intent models.OutboundIntent) error {
	switch intent.Kind {
	case models.IntentKindPoll:
		if intent.Poll == nil {
			return fmt.Errorf("poll intent without poll payload")
		}
		return d.service.SendPoll(ctx, intent.Identity, *intent.Poll)
	case models.IntentKindFile:
		if intent.File == nil {
			return fmt.Errorf("file intent without file payload")
		}
		return d.service.SendFile(ctx, intent.Identity, *intent.File)
	default:
		return d.service.SendText(ctx, intent.Identity, intent.Text)
	}
}
