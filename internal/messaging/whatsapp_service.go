package messaging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for transport service configuration
const (
	// DefaultChannelBufferSize defines the buffer size for the event channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// phoneNumberRegex strips everything but digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = fmt.Errorf("messaging service stopped")

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	events   chan models.InboundEvent
	done     chan struct{}

	mu        sync.Mutex
	stopped   bool
	lastPolls map[string][]string
}

// NewWhatsAppService creates a WhatsAppService wrapping the given Sender.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		sender:    sender,
		events:    make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:      make(chan struct{}),
		lastPolls: make(map[string][]string),
	}
	if waClient, ok := sender.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates a phone number and canonicalizes
// it to the "+digits" form used as the session identity.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
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

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.events)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendText sends a text message.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.sender.SendText(ctx, canonical, body)
}

// SendPoll sends a native poll and remembers the option list so a later
// encrypted vote can be mapped back to its option text.
func (s *WhatsAppService) SendPoll(ctx context.Context, to string, poll models.PollIntent) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastPolls[canonical] = append([]string(nil), poll.Options...)
	s.mu.Unlock()
	return s.sender.SendPoll(ctx, canonical, poll.Question, poll.Options)
}

// SendFile delivers a document message.
func (s *WhatsAppService) SendFile(ctx context.Context, to string, file models.FileIntent) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.sender.SendFile(ctx, canonical, file)
}

// Events returns the channel of normalized inbound events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

var _ Service = (*WhatsAppService)(nil)

// handleEvents registers the whatsmeow event handler and runs until the
// context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(ctx, msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage normalizes one incoming message into an InboundEvent.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	identity := "+" + phoneNumberRegex.ReplaceAllString(evt.Info.Sender.User, "")
	event := models.InboundEvent{
		Identity:  identity,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.PollUpdateMessage != nil:
		option, ok := s.resolvePollVote(ctx, identity, evt)
		if !ok {
			return
		}
		event.Kind = models.EventKindPollAnswer
		event.Text = option

	case evt.Message.Conversation != nil:
		event.Kind = models.EventKindText
		event.Text = evt.Message.GetConversation()

	case evt.Message.ExtendedTextMessage != nil:
		event.Kind = models.EventKindText
		event.Text = evt.Message.ExtendedTextMessage.GetText()

	case evt.Message.AudioMessage != nil:
		data, err := s.waClient.GetClient().Download(ctx, evt.Message.AudioMessage)
		if err != nil {
			slog.Warn("WhatsAppService: audio download failed", "from", identity, "error", err)
			return
		}
		event.Kind = models.EventKindFile
		event.File = &models.InboundFile{
			Filename: "voice-" + string(evt.Info.ID) + ".ogg",
			MimeType: evt.Message.AudioMessage.GetMimetype(),
			Size:     int64(len(data)),
			Data:     data,
		}

	case evt.Message.DocumentMessage != nil:
		data, err := s.waClient.GetClient().Download(ctx, evt.Message.DocumentMessage)
		if err != nil {
			slog.Warn("WhatsAppService: document download failed", "from", identity, "error", err)
			return
		}
		event.Kind = models.EventKindFile
		event.File = &models.InboundFile{
			Filename: evt.Message.DocumentMessage.GetFileName(),
			MimeType: evt.Message.DocumentMessage.GetMimetype(),
			Size:     int64(len(data)),
			Data:     data,
		}

	case evt.Message.ImageMessage != nil:
		data, err := s.waClient.GetClient().Download(ctx, evt.Message.ImageMessage)
		if err != nil {
			slog.Warn("WhatsAppService: image download failed", "from", identity, "error", err)
			return
		}
		event.Kind = models.EventKindFile
		event.File = &models.InboundFile{
			Filename: "image-" + string(evt.Info.ID) + ".jpg",
			MimeType: evt.Message.ImageMessage.GetMimetype(),
			Size:     int64(len(data)),
			Data:     data,
		}

	default:
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", identity)
		return
	}

	s.emit(event)
}

// resolvePollVote decrypts a poll vote and maps the selected option hash back
// to the option text of the last poll sent to this identity. Whatsmeow
// delivers votes as SHA-256 hashes of the option names.
func (s *WhatsAppService) resolvePollVote(ctx context.Context, identity string, evt *events.Message) (string, bool) {
	vote, err := s.waClient.GetClient().DecryptPollVote(ctx, evt)
	if err != nil {
		slog.Warn("WhatsAppService: poll vote decryption failed", "from", identity, "error", err)
		return "", false
	}
	if len(vote.SelectedOptions) == 0 {
		// Vote retraction; nothing to forward.
		return "", false
	}

	s.mu.Lock()
	options := s.lastPolls[identity]
	s.mu.Unlock()

	for _, opt := range options {
		hash := sha256.Sum256([]byte(opt))
		if bytes.Equal(hash[:], vote.SelectedOptions[0]) {
			return opt, true
		}
	}
	slog.Warn("WhatsAppService: poll vote did not match any offered option", "from", identity)
	return "", false
}

// emit forwards an event without blocking the whatsmeow handler goroutine.
func (s *WhatsAppService) emit(event models.InboundEvent) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound event (service stopped)", "from", event.Identity)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("WhatsAppService inbound event forwarded", "from", event.Identity, "kind", event.Kind)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping event", "from", event.Identity)
	}
}
