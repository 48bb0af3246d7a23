package models

// EventKind classifies a normalized inbound event from a messaging transport.
type EventKind string

const (
	EventKindText       EventKind = "text"
	EventKindPollAnswer EventKind = "poll_answer"
	EventKindFile       EventKind = "file"
)

// InboundFile carries the payload of a file or voice message. Either Data or
// URL is populated depending on how the transport delivers media.
type InboundFile struct {
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// InboundEvent is the transport-agnostic shape of one incoming message.
// MessageID is the transport's message id and doubles as the idempotency key
// for dedup; events without one are processed unconditionally.
type InboundEvent struct {
	Identity  string       `json:"identity"`
	Kind      EventKind    `json:"kind"`
	Text      string       `json:"text,omitempty"`
	File      *InboundFile `json:"file,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	Time      int64        `json:"time,omitempty"`
}

// IntentKind classifies an outbound intent produced by the engine.
type IntentKind string

const (
	IntentKindText IntentKind = "text"
	IntentKindPoll IntentKind = "poll"
	IntentKindFile IntentKind = "file"
)

// PollIntent describes a poll to render: a question and its ordered options.
type PollIntent struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// FileIntent describes a file to deliver to the user.
type FileIntent struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// OutboundIntent is one message the engine wants delivered. The engine never
// touches a transport; it returns intents and the dispatcher owns delivery.
type OutboundIntent struct {
	Identity string      `json:"identity"`
	Kind     IntentKind  `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Poll     *PollIntent `json:"poll,omitempty"`
	File     *FileIntent `json:"file,omitempty"`
}

// TextIntent is a convenience constructor for the common case.
func TextIntent(identity, text string) OutboundIntent {
	return OutboundIntent{Identity: identity, Kind: IntentKindText, Text: text}
}

// PollIntentFor builds a poll intent for the given identity.
func PollIntentFor(identity, question string, options []string) OutboundIntent {
	return OutboundIntent{
		Identity: identity,
		Kind:     IntentKindPoll,
		Poll:     &PollIntent{Question: question, Options: options},
	}
}
