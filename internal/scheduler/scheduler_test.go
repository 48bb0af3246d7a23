package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

type fakeSweeper struct {
	mu      sync.Mutex
	intents []models.OutboundIntent
	calls   int
}

func (f *fakeSweeper) SweepInactive(context.Context) []models.OutboundIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.intents
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []models.OutboundIntent
}

func (f *fakeDispatcher) DispatchOutOfBand(_ context.Context, intents []models.OutboundIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, intents...)
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression, got nil")
	}
}

func TestScheduleSweepRunsAndDispatches(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	sweeper := &fakeSweeper{intents: []models.OutboundIntent{models.TextIntent("+15550001111", "still there?")}}
	dispatcher := &fakeDispatcher{}

	if err := s.ScheduleSweep(context.Background(), sweeper, dispatcher, 10*time.Millisecond); err != nil {
		t.Fatalf("ScheduleSweep failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.Lock()
		n := len(dispatcher.dispatched)
		dispatcher.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweep intents were never dispatched")
}

func TestScheduleSweepSkipsEmptyResults(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	sweeper := &fakeSweeper{}
	dispatcher := &fakeDispatcher{}

	if err := s.ScheduleSweep(context.Background(), sweeper, dispatcher, 10*time.Millisecond); err != nil {
		t.Fatalf("ScheduleSweep failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sweeper.mu.Lock()
		calls := sweeper.calls
		sweeper.mu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.dispatched) != 0 {
		t.Errorf("expected no dispatches for empty sweep, got %d", len(dispatcher.dispatched))
	}
}
