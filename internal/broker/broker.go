package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamessanders/leah-public/internal/crashlog"
	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// Handler is called for every message published to a subscribed channel.
type Handler func(ctx context.Context, msg message.Message) error

// OverwatchHandler sees every publish on every channel.
type OverwatchHandler func(ctx context.Context, channel string, msg message.Message) error

// Journal is the durable per-channel log. *store.Store satisfies it.
type Journal interface {
	AppendMessage(channel string, m message.Message) error
	ChannelHistory(channel string) ([]message.Message, error)
	ArchiveChannel(channel string) (string, int, error)
}

// Subscription identifies one registered handler.
type Subscription struct {
	ID      string
	Channel string
}

type subscriber struct {
	id      string
	handler Handler
}

type overwatcher struct {
	id      string
	handler OverwatchHandler
}

type junctionKey struct {
	in, out string
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets a structured logger for subscriber errors
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.log = logger
	}
}

// WithMetrics records publish and delivery counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithWatchTick sets the poll interval used by Watch.
func WithWatchTick(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.watchTick = d
		}
	}
}

// WithUnpersisted names channels whose traffic never reaches the journal.
// It replaces the default set.
func WithUnpersisted(channels ...string) Option {
	return func(b *Broker) {
		b.unpersisted = make(map[string]bool, len(channels))
		for _, c := range channels {
			b.unpersisted[c] = true
		}
	}
}

// Broker is a channel pub/sub hub with durable history. Publish delivers
// synchronously on the caller's goroutine: overwatch handlers first, then
// channel subscribers in registration order.
type Broker struct {
	journal     Journal
	log         *slog.Logger
	metrics     *metrics.Metrics
	watchTick   time.Duration
	unpersisted map[string]bool

	nextID atomic.Int64

	// Slices are replaced, never mutated in place, so Publish can iterate a
	// snapshot after releasing the lock.
	mu        sync.RWMutex
	subs      map[string][]subscriber
	overwatch []overwatcher
	junctions map[junctionKey]Subscription
}

// New creates a broker writing history to journal. A nil journal keeps no
// history.
func New(journal Journal, opts ...Option) *Broker {
	b := &Broker{
		journal:     journal,
		log:         logging.For("broker"),
		watchTick:   100 * time.Millisecond,
		unpersisted: map[string]bool{message.SystemRelayChannel: true},
		subs:        make(map[string][]subscriber),
		junctions:   make(map[junctionKey]Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) newID(channel string) string {
	return fmt.Sprintf("%s-%d", channel, b.nextID.Add(1))
}

// Subscribe registers handler for channel and returns its subscription.
func (b *Broker) Subscribe(channel string, handler Handler) Subscription {
	sub := Subscription{ID: b.newID(channel), Channel: channel}

	b.mu.Lock()
	cur := b.subs[channel]
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[channel] = append(next, subscriber{id: sub.ID, handler: handler})
	b.mu.Unlock()

	b.metrics.SubscriptionsChanged(1)
	return sub
}

// Unsubscribe removes one subscription. It reports whether it was present.
func (b *Broker) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[sub.Channel]
	for i, s := range cur {
		if s.id != sub.ID {
			continue
		}
		next := make([]subscriber, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.Channel)
		} else {
			b.subs[sub.Channel] = next
		}
		b.metrics.SubscriptionsChanged(-1)
		return true
	}
	return false
}

// UnsubscribeAll clears every subscriber of channel, junctions included,
// and returns how many were removed.
func (b *Broker) UnsubscribeAll(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.subs[channel])
	delete(b.subs, channel)
	for k := range b.junctions {
		if k.in == channel {
			delete(b.junctions, k)
		}
	}
	b.metrics.SubscriptionsChanged(-n)
	return n
}

// Overwatch registers a handler that sees every publish.
func (b *Broker) Overwatch(handler OverwatchHandler) Subscription {
	sub := Subscription{ID: b.newID("overwatch"), Channel: ""}

	b.mu.Lock()
	next := make([]overwatcher, len(b.overwatch), len(b.overwatch)+1)
	copy(next, b.overwatch)
	b.overwatch = append(next, overwatcher{id: sub.ID, handler: handler})
	b.mu.Unlock()
	return sub
}

// RemoveOverwatch unregisters an overwatch handler.
func (b *Broker) RemoveOverwatch(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, o := range b.overwatch {
		if o.id == sub.ID {
			next := make([]overwatcher, 0, len(b.overwatch)-1)
			next = append(next, b.overwatch[:i]...)
			b.overwatch = append(next, b.overwatch[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of live subscriptions on channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// ActiveChannels lists channels with at least one subscriber, sorted.
func (b *Broker) ActiveChannels() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		out = append(out, ch)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (b *Broker) persists(channel string, msg message.Message) bool {
	if b.journal == nil || msg.IsHangup() {
		return false
	}
	return !b.unpersisted[channel] && !b.unpersisted[msg.Channel]
}

// Publish records msg in channel's history and delivers it. Delivery
// happens even when the journal write fails; that error is returned after
// every handler has run. Handler errors and panics are logged, never
// returned.
func (b *Broker) Publish(ctx context.Context, channel string, msg message.Message) error {
	var persistErr error
	if b.persists(channel, msg) {
		if err := b.journal.AppendMessage(channel, msg); err != nil {
			b.log.Error("history append failed", "channel", channel, "message_id", msg.ID, "error", err)
			persistErr = fmt.Errorf("persist %s: %w", channel, err)
		}
	}
	b.metrics.Published(string(msg.Kind))

	ctx = withVisited(ctx, channel)

	b.mu.RLock()
	watchers := b.overwatch
	subs := b.subs[channel]
	b.mu.RUnlock()

	for _, o := range watchers {
		b.deliver(o.id, channel, func() error { return o.handler(ctx, channel, msg) })
	}
	for _, s := range subs {
		b.deliver(s.id, channel, func() error { return s.handler(ctx, msg) })
	}
	return persistErr
}

func (b *Broker) deliver(id, channel string, call func() error) {
	defer func() {
		if r := recover(); r != nil {
			crashlog.LogPanic("broker", r, map[string]string{"channel": channel, "subscription_id": id})
		}
	}()
	b.metrics.Delivered()
	if err := call(); err != nil {
		b.log.Warn("subscriber error",
			"channel", channel,
			"subscription_id", id,
			"error", err)
		b.metrics.HandlerFailure("broker")
	}
}

// History returns channel's persisted messages in publish order.
func (b *Broker) History(channel string) ([]message.Message, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.ChannelHistory(channel)
}

// ClearHistory archives channel's history and truncates it. It returns the
// archive stamp, empty when there was nothing to archive.
func (b *Broker) ClearHistory(channel string) (string, error) {
	if b.journal == nil {
		return "", nil
	}
	stamp, n, err := b.journal.ArchiveChannel(channel)
	if err != nil {
		return "", fmt.Errorf("clear %s: %w", channel, err)
	}
	b.log.Info("history cleared", "channel", channel, "archived", n, "stamp", stamp)
	return stamp, nil
}
