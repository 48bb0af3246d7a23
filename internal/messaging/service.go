// Package messaging defines the transport boundary: a pluggable Service for
// delivery and event intake, a Dispatcher that turns engine intents into
// sends with bounded retry, and the Pump that feeds inbound events to the
// engine.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each transport implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to string, body string) error

	// SendPoll sends a poll with ordered options. Transports without native
	// polls degrade to a numbered text list.
	SendPoll(ctx context.Context, to string, poll models.PollIntent) error

	// SendFile delivers a file payload.
	SendFile(ctx context.Context, to string, file models.FileIntent) error

	// Start begins background processing (event intake).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns the channel of normalized inbound events.
	Events() <-chan models.InboundEvent
}

// MockService is an in-memory Service for tests: it records sends and lets
// tests inject inbound events.
type MockService struct {
	mu     sync.Mutex
	events chan models.InboundEvent

	Texts   []string
	Polls   []models.PollIntent
	Files   []models.FileIntent
	SendErr error
	// FailFirst makes the next N sends fail before succeeding.
	FailFirst int
}

// NewMockService creates a mock transport with a buffered event channel.
func NewMockService() *MockService {
	return &MockService{events: make(chan models.InboundEvent, 16)}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("empty recipient")
	}
	return recipient, nil
}

func (m *MockService) send() error {
	if m.FailFirst > 0 {
		m.FailFirst--
		return fmt.Errorf("transient send failure")
	}
	return m.SendErr
}

func (m *MockService) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send(); err != nil {
		return err
	}
	m.Texts = append(m.Texts, body)
	return nil
}

func (m *MockService) SendPoll(ctx context.Context, to string, poll models.PollIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send(); err != nil {
		return err
	}
	m.Polls = append(m.Polls, poll)
	return nil
}

func (m *MockService) SendFile(ctx context.Context, to string, file models.FileIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send(); err != nil {
		return err
	}
	m.Files = append(m.Files, file)
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.events)
	return nil
}

func (m *MockService) Events() <-chan models.InboundEvent { return m.events }

// Inject feeds an inbound event as if it arrived from the transport.
func (m *MockService) Inject(ev models.InboundEvent) { m.events <- ev }

// SentTexts returns a copy of the recorded text bodies.
func (m *MockService) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Texts...)
}

var _ Service = (*MockService)(nil)
