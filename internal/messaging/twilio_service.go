package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/twiliosms"
)

// TwilioService implements Service over SMS. Polls degrade to numbered text
// lists since SMS has no interactive messages; inbound traffic arrives
// through the webhook handler rather than a socket.
type TwilioService struct {
	client twiliosms.Sender
	events chan models.InboundEvent
	done   chan struct{}

	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService wrapping the given Sender.
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates a phone number and canonicalizes
// it to the "+digits" form used as the session identity.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// Start is a no-op; inbound traffic arrives via the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

// Stop closes the event channel and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.events)
	slog.Info("TwilioService stopped")
	return nil
}

// SendText sends a plain SMS.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendPoll renders the poll as a numbered list with a reply instruction.
func (s *TwilioService) SendPoll(ctx context.Context, to string, poll models.PollIntent) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(poll.Question)
	b.WriteString("\n")
	for i, opt := range poll.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	b.WriteString("Reply with a number.")
	return s.client.SendMessage(ctx, canonical, b.String())
}

// SendFile delivers a file as MMS when a public URL exists, otherwise falls
// back to a text notice.
func (s *TwilioService) SendFile(ctx context.Context, to string, file models.FileIntent) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if file.URL != "" {
		return s.client.SendMediaMessage(ctx, canonical, file.Caption, file.URL)
	}
	slog.Warn("TwilioService.SendFile: no media URL, sending caption only", "to", canonical, "filename", file.Filename)
	body := file.Caption
	if body == "" {
		body = "File: " + file.Filename
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Events returns the channel of normalized inbound events.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

var _ Service = (*TwilioService)(nil)

// WebhookHandler handles inbound Twilio webhook requests and feeds them into
// the Events channel as normalized inbound events.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	identity, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.emit(models.InboundEvent{
		Identity:  identity,
		Kind:      models.EventKindText,
		Text:      body,
		MessageID: r.FormValue("MessageSid"),
		Time:      time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	return nil
}

func (s *TwilioService) emit(event models.InboundEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound event (service stopped)", "from", event.Identity)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("TwilioService inbound event forwarded", "from", event.Identity)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping event", "from", event.Identity)
	}
}
