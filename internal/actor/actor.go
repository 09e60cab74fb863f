package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jamessanders/leah-public/internal/broker"
	"github.com/jamessanders/leah-public/internal/crashlog"
	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// Defaults for the mailbox loop.
const (
	DefaultIdleTick     = 100 * time.Millisecond
	DefaultRestartDelay = time.Second
	DefaultDedupSize    = 4096
	DefaultDedupTTL     = time.Hour
)

// ErrListening is returned by Listen on an actor that is already running.
var ErrListening = errors.New("actor already listening")

// Handler receives each new message delivered to an actor's handle.
type Handler interface {
	OnMessage(ctx context.Context, msg message.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg message.Message) error

func (f HandlerFunc) OnMessage(ctx context.Context, msg message.Message) error {
	return f(ctx, msg)
}

// Publisher is the part of the broker actors publish through.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg message.Message) error
}

// Option configures an Actor
type Option func(*Actor)

// WithIdleTick sets how long the loop sleeps when the queue is empty.
func WithIdleTick(d time.Duration) Option {
	return func(a *Actor) {
		if d > 0 {
			a.idleTick = d
		}
	}
}

// WithRestartDelay sets the pause before the loop restarts after a failure.
func WithRestartDelay(d time.Duration) Option {
	return func(a *Actor) {
		if d >= 0 {
			a.restartDelay = d
		}
	}
}

// WithDedup bounds the seen-id set by size and age.
func WithDedup(size int, ttl time.Duration) Option {
	return func(a *Actor) {
		if size > 0 {
			a.dedupSize = size
		}
		if ttl > 0 {
			a.dedupTTL = ttl
		}
	}
}

// WithLogger sets the actor logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) {
		a.log = l
	}
}

// WithMetrics counts processed and duplicate messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Actor) {
		a.metrics = m
	}
}

// Actor owns a handle. Messages published to the handle are queued by the
// broker callback and processed one at a time on the actor's goroutine.
// Messages whose id was already seen are dropped.
type Actor struct {
	handle       string
	broker       *broker.Broker
	handler      Handler
	idleTick     time.Duration
	restartDelay time.Duration
	dedupSize    int
	dedupTTL     time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics

	seen *expirable.LRU[string, struct{}]

	mu     sync.Mutex
	queue  []message.Message
	notify chan struct{}
	sub    broker.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle actor for handle.
func New(handle string, b *broker.Broker, h Handler, opts ...Option) *Actor {
	a := &Actor{
		handle:       handle,
		broker:       b,
		handler:      h,
		idleTick:     DefaultIdleTick,
		restartDelay: DefaultRestartDelay,
		dedupSize:    DefaultDedupSize,
		dedupTTL:     DefaultDedupTTL,
		log:          logging.For("actor").With("handle", handle),
		notify:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.seen = expirable.NewLRU[string, struct{}](a.dedupSize, nil, a.dedupTTL)
	return a
}

// Handle returns the actor's "@" handle.
func (a *Actor) Handle() string {
	return a.handle
}

// Listen subscribes to the actor's handle and starts the processing loop.
// The loop runs until ctx ends or Stop is called.
func (a *Actor) Listen(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("%s: %w", a.handle, ErrListening)
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.sub = a.broker.Subscribe(a.handle, a.enqueue)

	go a.run(ctx, a.done)
	a.log.Debug("actor listening")
	return nil
}

// Stop unsubscribes and waits for the loop to exit. Queued messages that
// were not yet processed are discarded.
func (a *Actor) Stop() {
	a.mu.Lock()
	cancel, done, sub := a.cancel, a.done, a.sub
	a.cancel = nil
	a.queue = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	a.broker.Unsubscribe(sub)
	cancel()
	<-done
	a.log.Debug("actor stopped")
}

// Running reports whether the loop is active.
func (a *Actor) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Pending returns the number of queued, unprocessed messages.
func (a *Actor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Actor) enqueue(_ context.Context, msg message.Message) error {
	a.mu.Lock()
	a.queue = append(a.queue, msg)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
	return nil
}

func (a *Actor) pop() (message.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return message.Message{}, false
	}
	msg := a.queue[0]
	a.queue[0] = message.Message{}
	a.queue = a.queue[1:]
	return msg, true
}

// run restarts the loop after every failure until ctx ends.
func (a *Actor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := a.loop(ctx)
		if ctx.Err() != nil {
			return
		}
		a.log.Warn("actor loop failed, restarting", "error", err, "delay", a.restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.restartDelay):
		}
	}
}

func (a *Actor) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			crashlog.LogPanic("actor", r, map[string]string{"handle": a.handle})
			err = fmt.Errorf("panic in actor %s: %v", a.handle, r)
		}
	}()

	ticker := time.NewTicker(a.idleTick)
	defer ticker.Stop()
	for {
		msg, ok := a.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-a.notify:
			case <-ticker.C:
			}
			continue
		}
		if a.seen.Contains(msg.ID) {
			a.log.Debug("duplicate message dropped", "message_id", msg.ID)
			a.metrics.ActorDuplicate(a.handle)
			continue
		}
		a.seen.Add(msg.ID, struct{}{})

		a.metrics.ActorProcessed(a.handle)
		if err := a.handler.OnMessage(ctx, msg); err != nil {
			a.metrics.HandlerFailure("actor")
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
	}
}

// Send publishes content from this actor onto channel.
func (a *Actor) Send(ctx context.Context, channel, content string, kind message.Kind) (message.Message, error) {
	return send(ctx, a.broker, a.handle, channel, content, kind)
}

// Hangup ends the actor's side of a conversation on channel.
func (a *Actor) Hangup(ctx context.Context, channel string) error {
	return hangup(ctx, a.broker, a.handle, channel)
}

// Announce posts a system notice to #system.
func (a *Actor) Announce(ctx context.Context, content string) error {
	return announce(ctx, a.broker, a.handle, content)
}

func send(ctx context.Context, pub Publisher, from, channel, content string, kind message.Kind) (message.Message, error) {
	msg := message.New(from, channel, content, kind)
	return msg, pub.Publish(ctx, channel, msg)
}

func hangup(ctx context.Context, pub Publisher, from, channel string) error {
	return pub.Publish(ctx, channel, message.Hangup(from, channel))
}

func announce(ctx context.Context, pub Publisher, from, content string) error {
	_, err := send(ctx, pub, from, message.SystemChannel, content, message.KindSystem)
	return err
}
