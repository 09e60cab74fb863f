// Package channels implements the membership operations personas and users
// perform on named channels: create, invite, kick, join, leave, direct
// messages and history search.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
)

var (
	ErrNameRequired    = errors.New("channel name is required")
	ErrHandleRequired  = errors.New("handle is required")
	ErrContentRequired = errors.New("message content is required")
	ErrDirectChannel   = errors.New("operation not allowed on a direct or personal channel")
	ErrAlreadyMember   = errors.New("already a member")
	ErrNotMember       = errors.New("not a member")
)

// Memberships is the registry surface the manager needs.
// *registry.Registry satisfies it.
type Memberships interface {
	Subscribe(handle, channel string) error
	Unsubscribe(handle, channel string) error
	MakeAdmin(handle, channel string) error
	IsSubscribed(handle, channel string) bool
	ChannelSubscribers(channel string) []string
}

// Bus is the broker surface the manager needs. *broker.Broker satisfies it.
type Bus interface {
	Publish(ctx context.Context, channel string, msg message.Message) error
	History(channel string) ([]message.Message, error)
}

// Manager applies channel operations on behalf of a handle.
type Manager struct {
	members Memberships
	bus     Bus
	log     *slog.Logger
}

// New builds a Manager.
func New(members Memberships, bus Bus) *Manager {
	return &Manager{
		members: members,
		bus:     bus,
		log:     logging.For("channels"),
	}
}

// groupChannel normalizes name and rejects personal and direct keys.
func groupChannel(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if message.IsPersonalChannel(name) || message.IsDirectChannel(name) {
		return "", fmt.Errorf("%s: %w", name, ErrDirectChannel)
	}
	return message.NormalizeChannel(name), nil
}

func handle(name string) (string, error) {
	h := message.NormalizeHandle(name)
	if h == "" {
		return "", ErrHandleRequired
	}
	return h, nil
}

func (m *Manager) notice(ctx context.Context, from, channel, content string) {
	msg := message.New(from, channel, content, message.KindChannel)
	if err := m.bus.Publish(ctx, channel, msg); err != nil {
		m.log.Warn("channel notice failed", "channel", channel, "error", err)
	}
}

// Create subscribes creator as admin of name, subscribes each member and
// posts a creation notice. It returns the normalized channel key.
func (m *Manager) Create(ctx context.Context, creator, name string, members ...string) (string, error) {
	channel, err := groupChannel(name)
	if err != nil {
		return "", err
	}
	creator, err = handle(creator)
	if err != nil {
		return "", err
	}
	if err := m.members.MakeAdmin(creator, channel); err != nil {
		return "", fmt.Errorf("create %s: %w", channel, err)
	}
	for _, member := range members {
		h, err := handle(member)
		if err != nil {
			continue
		}
		if m.members.IsSubscribed(h, channel) {
			continue
		}
		if err := m.members.Subscribe(h, channel); err != nil {
			return channel, fmt.Errorf("create %s: invite %s: %w", channel, h, err)
		}
	}
	m.notice(ctx, creator, channel, fmt.Sprintf("Channel %s has been created", channel))
	m.log.Info("channel created", "channel", channel, "creator", creator, "members", len(members))
	return channel, nil
}

// Invite subscribes member to channel.
func (m *Manager) Invite(member, channel string) error {
	channel, err := groupChannel(channel)
	if err != nil {
		return err
	}
	member, err = handle(member)
	if err != nil {
		return err
	}
	if m.members.IsSubscribed(member, channel) {
		return fmt.Errorf("%s in %s: %w", member, channel, ErrAlreadyMember)
	}
	return m.members.Subscribe(member, channel)
}

// Kick unsubscribes member from channel and tells the channel, speaking as by.
func (m *Manager) Kick(ctx context.Context, by, member, channel string) error {
	channel, err := groupChannel(channel)
	if err != nil {
		return err
	}
	member, err = handle(member)
	if err != nil {
		return err
	}
	if !m.members.IsSubscribed(member, channel) {
		return fmt.Errorf("%s in %s: %w", member, channel, ErrNotMember)
	}
	if err := m.members.Unsubscribe(member, channel); err != nil {
		return err
	}
	m.notice(ctx, message.NormalizeHandle(by), channel, fmt.Sprintf("%s has been kicked from the channel", member))
	return nil
}

// Join subscribes who to channel and announces it there.
func (m *Manager) Join(ctx context.Context, who, channel string) error {
	channel, err := groupChannel(channel)
	if err != nil {
		return err
	}
	who, err = handle(who)
	if err != nil {
		return err
	}
	if m.members.IsSubscribed(who, channel) {
		return fmt.Errorf("%s in %s: %w", who, channel, ErrAlreadyMember)
	}
	if err := m.members.Subscribe(who, channel); err != nil {
		return err
	}
	m.notice(ctx, who, channel, fmt.Sprintf("%s has joined the channel", who))
	return nil
}

// Leave unsubscribes who from channel.
func (m *Manager) Leave(who, channel string) error {
	channel, err := groupChannel(channel)
	if err != nil {
		return err
	}
	who, err = handle(who)
	if err != nil {
		return err
	}
	if !m.members.IsSubscribed(who, channel) {
		return fmt.Errorf("%s in %s: %w", who, channel, ErrNotMember)
	}
	return m.members.Unsubscribe(who, channel)
}

// Members lists the handles subscribed to channel.
func (m *Manager) Members(channel string) ([]string, error) {
	channel, err := groupChannel(channel)
	if err != nil {
		return nil, err
	}
	return m.members.ChannelSubscribers(channel), nil
}

// SendDirect posts content on the canonical conversation channel between
// from and to, subscribing both parties to it first.
func (m *Manager) SendDirect(ctx context.Context, from, to, content string) (message.Message, error) {
	from, err := handle(from)
	if err != nil {
		return message.Message{}, err
	}
	to, err = handle(to)
	if err != nil {
		return message.Message{}, err
	}
	if content == "" {
		return message.Message{}, ErrContentRequired
	}

	channel := message.DirectChannelName(from, to)
	for _, h := range []string{from, to} {
		if err := m.members.Subscribe(h, channel); err != nil {
			return message.Message{}, fmt.Errorf("direct %s: %w", channel, err)
		}
	}
	msg := message.New(from, channel, content, message.KindDirect)
	return msg, m.bus.Publish(ctx, channel, msg)
}

// Search returns messages on channel whose content contains any of terms,
// compared case-insensitively, oldest first.
func (m *Manager) Search(channel string, terms ...string) ([]message.Message, error) {
	channel = message.NormalizeChannel(channel)
	if channel == "" {
		return nil, ErrNameRequired
	}
	var needles []string
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			needles = append(needles, t)
		}
	}
	if len(needles) == 0 {
		return nil, errors.New("search terms are required")
	}

	history, err := m.bus.History(channel)
	if err != nil {
		return nil, err
	}
	var out []message.Message
	for _, msg := range history {
		content := strings.ToLower(msg.Content)
		for _, n := range needles {
			if strings.Contains(content, n) {
				out = append(out, msg)
				break
			}
		}
	}
	return out, nil
}
