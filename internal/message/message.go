package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message for routing and persistence.
type Kind string

const (
	KindDirect  Kind = "direct"
	KindChannel Kind = "channel"
	KindSystem  Kind = "system"
	KindHangup  Kind = "hangup"
)

// HangupContent is the body carried by hangup messages.
const HangupContent = "! hangup !"

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDirect, KindChannel, KindSystem, KindHangup:
		return true
	}
	return false
}

// Message is the unit carried by the broker. ID is assigned once by New and
// never changes; copies of a Message share it.
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Channel string    `json:"channel"`
	Content string    `json:"content"`
	Kind    Kind      `json:"kind"`
	SentAt  time.Time `json:"sent_at"`
	Thread  string    `json:"thread,omitempty"`
}

// New builds a message with a fresh id and timestamp. It never fails.
// from is the sender handle, channel the conversation it belongs to.
func New(from, channel, content string, kind Kind) Message {
	return Message{
		ID:      uuid.NewString(),
		From:    from,
		Channel: channel,
		Content: content,
		Kind:    kind,
		SentAt:  time.Now(),
	}
}

// Hangup builds the terminator message for a conversation.
func Hangup(from, channel string) Message {
	return New(from, channel, HangupContent, KindHangup)
}

// WithThread returns a copy of m tagged with a thread id.
func (m Message) WithThread(thread string) Message {
	m.Thread = thread
	return m
}

// IsHangup reports whether m terminates a conversation.
func (m Message) IsHangup() bool {
	return m.Kind == KindHangup
}

// InferKind derives a kind from a channel key when the caller did not give one.
//
// Deprecated: kinds must be passed explicitly. This reproduces the legacy
// rule, which maps "@" keys to channel and everything else to direct, and is
// kept only so old payloads decode the same way.
func InferKind(channel string) Kind {
	if IsPersonalChannel(channel) {
		return KindChannel
	}
	return KindDirect
}
