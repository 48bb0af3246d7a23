// Package scheduler provides cron-based background jobs for SurveyPipe.
//
// Its main duty is the inactivity sweep: periodically asking the engine for
// reminder and timeout intents and handing them to the dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// DefaultSweepInterval is how often inactive sessions are swept.
const DefaultSweepInterval = 30 * time.Second

// InactivitySweeper produces reminder and timeout intents for idle sessions.
// The engine satisfies this.
type InactivitySweeper interface {
	SweepInactive(ctx context.Context) []models.OutboundIntent
}

// IntentDispatcher delivers intents produced outside the inbound event path.
// The messaging pump satisfies this.
type IntentDispatcher interface {
	DispatchOutOfBand(ctx context.Context, intents []models.OutboundIntent)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser plus @every descriptors, with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleSweep registers the inactivity sweep at the given interval. A zero
// interval uses DefaultSweepInterval. Each run collects the engine's reminder
// and timeout intents and dispatches them out of band.
func (s *Scheduler) ScheduleSweep(ctx context.Context, sweeper InactivitySweeper, dispatcher IntentDispatcher, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	expr := fmt.Sprintf("@every %s", interval)
	err := s.AddJob(expr, func() {
		intents := sweeper.SweepInactive(ctx)
		if len(intents) == 0 {
			return
		}
		slog.Debug("Scheduler.ScheduleSweep: dispatching sweep intents", "count", len(intents))
		dispatcher.DispatchOutOfBand(ctx, intents)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule inactivity sweep: %w", err)
	}
	slog.Info("Scheduler.ScheduleSweep: inactivity sweep scheduled", "interval", interval)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
