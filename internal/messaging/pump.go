package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// perIdentityBuffer bounds the queue of one identity's pending events.
const perIdentityBuffer = 16

// EventHandler is the engine boundary the pump drives.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) ([]models.OutboundIntent, error)
}

// Pump reads inbound events from a transport and the webhook API, hands each
// to the engine, and dispatches the resulting intents. Events for the same
// identity are processed in arrival order on a dedicated goroutine;
// independent identities never wait on each other.
type Pump struct {
	service    Service
	handler    EventHandler
	dispatcher *Dispatcher

	mu      sync.Mutex
	queues  map[string]chan models.InboundEvent
	wg      sync.WaitGroup
	stopped bool
}

// NewPump creates a pump wiring the transport, engine, and dispatcher.
func NewPump(service Service, handler EventHandler, dispatcher *Dispatcher) *Pump {
	return &Pump{
		service:    service,
		handler:    handler,
		dispatcher: dispatcher,
		queues:     make(map[string]chan models.InboundEvent),
	}
}

// Run consumes the transport's event channel until the context is cancelled
// or the channel closes, then drains the per-identity workers.
func (p *Pump) Run(ctx context.Context) {
	slog.Info("Pump.Run: event loop starting")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Pump.Run: context cancelled")
			p.shutdown()
			return
		case ev, ok := <-p.service.Events():
			if !ok {
				slog.Debug("Pump.Run: event channel closed")
				p.shutdown()
				return
			}
			p.Submit(ctx, ev)
		}
	}
}

// Submit enqueues one inbound event. It is also the entry point for webhook
// events that bypass the transport socket.
func (p *Pump) Submit(ctx context.Context, ev models.InboundEvent) {
	if ev.Identity == "" {
		slog.Warn("Pump.Submit: event without identity dropped")
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		slog.Warn("Pump.Submit: pump stopped, event dropped", "identity", ev.Identity)
		return
	}
	q, ok := p.queues[ev.Identity]
	if !ok {
		q = make(chan models.InboundEvent, perIdentityBuffer)
		p.queues[ev.Identity] = q
		p.wg.Add(1)
		go p.worker(ctx, ev.Identity, q)
	}

	// The send stays under the lock: shutdown closes the queues under the
	// same lock, so a concurrent close cannot race this send. The send is
	// non-blocking, so workers never wait on the lock holder.
	select {
	case q <- ev:
	default:
		slog.Warn("Pump.Submit: identity queue full, event dropped", "identity", ev.Identity)
	}
	p.mu.Unlock()
}

func (p *Pump) worker(ctx context.Context, identity string, q <-chan models.InboundEvent) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			intents, err := p.handler.HandleEvent(ctx, ev)
			if err != nil {
				slog.Error("Pump.worker: engine rejected event", "identity", identity, "error", err)
				continue
			}
			p.dispatcher.Dispatch(ctx, intents)
		}
	}
}

// DispatchOutOfBand delivers intents that did not originate from an inbound
// event, such as the timeout sweep's reminders.
func (p *Pump) DispatchOutOfBand(ctx context.Context, intents []models.OutboundIntent) {
	p.dispatcher.Dispatch(ctx, intents)
}

func (p *Pump) shutdown() {
	p.mu.Lock()
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	slog.Info("Pump.shutdown: all identity workers drained")
}
