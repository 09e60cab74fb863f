package actor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
)

// NoActionMarker in a reply means the persona chose not to answer.
const NoActionMarker = "! no action needed !"

// Responder produces a persona's replies to one message. It is the boundary
// to the language model and tools.
type Responder interface {
	Respond(ctx context.Context, handle string, msg message.Message) ([]string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, handle string, msg message.Message) ([]string, error)

func (f ResponderFunc) Respond(ctx context.Context, handle string, msg message.Message) ([]string, error) {
	return f(ctx, handle, msg)
}

// AdminChecker reports channel admin rights. *registry.Registry satisfies it.
type AdminChecker interface {
	IsAdmin(handle, channel string) bool
}

// Persona decides whether a persona should answer a message, asks its
// Responder for the reply and posts it back to the source channel. Every
// handled conversation ends with a hangup from the persona.
type Persona struct {
	handle    string
	pub       Publisher
	admins    AdminChecker
	responder Responder
	log       *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time // channel -> newest message handled
}

// NewPersona builds the handler for handle. admins may be nil, in which case
// channel messages are only answered when they mention the persona.
func NewPersona(handle string, pub Publisher, admins AdminChecker, responder Responder) *Persona {
	return &Persona{
		handle:    handle,
		pub:       pub,
		admins:    admins,
		responder: responder,
		log:       logging.For("persona").With("handle", handle),
		lastSeen:  make(map[string]time.Time),
	}
}

func (p *Persona) isAdmin(channel string) bool {
	return p.admins != nil && p.admins.IsAdmin(p.handle, channel)
}

// stale reports whether msg is older than something already handled on its
// channel, and records it otherwise.
func (p *Persona) stale(msg message.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastSeen[msg.Channel]; ok && msg.SentAt.Before(last) {
		return true
	}
	p.lastSeen[msg.Channel] = msg.SentAt
	return false
}

// OnMessage implements Handler.
func (p *Persona) OnMessage(ctx context.Context, msg message.Message) error {
	switch {
	case msg.Kind == message.KindSystem:
		return hangup(ctx, p.pub, p.handle, msg.Channel)
	case msg.From == p.handle:
		return nil
	case msg.IsHangup():
		return nil
	case p.stale(msg):
		p.log.Debug("stale message skipped", "message_id", msg.ID, "channel", msg.Channel)
		return hangup(ctx, p.pub, p.handle, msg.Channel)
	case msg.Kind == message.KindChannel && !message.Mentions(msg.Content, p.handle) && !p.isAdmin(msg.Channel):
		return hangup(ctx, p.pub, p.handle, msg.Channel)
	}

	if err := announce(ctx, p.pub, p.handle, fmt.Sprintf("%s is thinking about responding to message %s from %s on %s (%s)",
		p.handle, msg.Content, msg.From, msg.Channel, msg.ID)); err != nil {
		p.log.Warn("announce failed", "error", err)
	}

	replies, err := p.responder.Respond(ctx, p.handle, msg)
	if err != nil {
		if herr := hangup(ctx, p.pub, p.handle, msg.Channel); herr != nil {
			p.log.Warn("hangup failed", "channel", msg.Channel, "error", herr)
		}
		return fmt.Errorf("respond to %s: %w", msg.ID, err)
	}

	for _, reply := range replies {
		if strings.Contains(reply, NoActionMarker) {
			if rest := strings.TrimSpace(strings.ReplaceAll(reply, NoActionMarker, "")); rest != "" {
				if _, err := send(ctx, p.pub, p.handle, msg.Channel, rest, message.KindChannel); err != nil {
					p.log.Warn("reply publish failed", "channel", msg.Channel, "error", err)
				}
			}
			if err := announce(ctx, p.pub, p.handle, p.handle+" will not take any action on this message"); err != nil {
				p.log.Warn("announce failed", "error", err)
			}
			break
		}
		if _, err := send(ctx, p.pub, p.handle, msg.Channel, reply, msg.Kind); err != nil {
			p.log.Warn("reply publish failed", "channel", msg.Channel, "error", err)
		}
	}
	return hangup(ctx, p.pub, p.handle, msg.Channel)
}
