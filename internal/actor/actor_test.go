package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamessanders/leah-public/internal/broker"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/store"
)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return broker.New(s, broker.WithWatchTick(10*time.Millisecond))
}

func fastOpts() []Option {
	return []Option{WithIdleTick(5 * time.Millisecond), WithRestartDelay(10 * time.Millisecond)}
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	a := New("@bob", b, HandlerFunc(func(context.Context, message.Message) error {
		calls.Add(1)
		return nil
	}), fastOpts()...)
	require.NoError(t, a.Listen(ctx))
	defer a.Stop()

	msg := message.New("@alice", "@bob", "hi", message.KindDirect)
	require.NoError(t, b.Publish(ctx, "@bob", msg))
	require.NoError(t, b.Publish(ctx, "@bob", msg))
	require.NoError(t, b.Publish(ctx, "@bob", message.New("@alice", "@bob", "second", message.KindDirect)))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMessagesProcessedInOrder(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	a := New("@bob", b, HandlerFunc(func(_ context.Context, m message.Message) error {
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
		return nil
	}), fastOpts()...)
	require.NoError(t, a.Listen(ctx))
	defer a.Stop()

	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(ctx, "@bob", message.New("@alice", "@bob", c, message.KindDirect)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestLoopRestartsAfterFailure(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	var calls atomic.Int32
	a := New("@bob", b, HandlerFunc(func(_ context.Context, m message.Message) error {
		calls.Add(1)
		switch m.Content {
		case "fail":
			return errors.New("handler failed")
		case "panic":
			panic("handler panicked")
		}
		return nil
	}), fastOpts()...)
	require.NoError(t, a.Listen(ctx))
	defer a.Stop()

	for _, c := range []string{"fail", "panic", "ok"} {
		require.NoError(t, b.Publish(ctx, "@bob", message.New("@alice", "@bob", c, message.KindDirect)))
	}
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, a.Running())
}

func TestListenTwice(t *testing.T) {
	b := newBroker(t)
	a := New("@bob", b, HandlerFunc(func(context.Context, message.Message) error { return nil }), fastOpts()...)
	require.NoError(t, a.Listen(context.Background()))
	defer a.Stop()
	assert.ErrorIs(t, a.Listen(context.Background()), ErrListening)
}

func TestStopUnsubscribes(t *testing.T) {
	b := newBroker(t)
	a := New("@bob", b, HandlerFunc(func(context.Context, message.Message) error { return nil }), fastOpts()...)
	require.NoError(t, a.Listen(context.Background()))
	assert.Equal(t, 1, b.SubscriberCount("@bob"))

	a.Stop()
	a.Stop()
	assert.Zero(t, b.SubscriberCount("@bob"))
	assert.False(t, a.Running())
}

func TestHangupAndAnnounce(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	a := New("@bob", b, HandlerFunc(func(context.Context, message.Message) error { return nil }))

	var sys []message.Message
	b.Subscribe(message.SystemChannel, func(_ context.Context, m message.Message) error {
		sys = append(sys, m)
		return nil
	})
	require.NoError(t, a.Announce(ctx, "bob is here"))
	require.Len(t, sys, 1)
	assert.Equal(t, message.KindSystem, sys[0].Kind)
	assert.Equal(t, "@bob", sys[0].From)

	require.NoError(t, a.Hangup(ctx, "#team"))
	hist, err := b.History("#team")
	require.NoError(t, err)
	assert.Empty(t, hist)

	sent, err := a.Send(ctx, "#team", "hello", message.KindChannel)
	require.NoError(t, err)
	hist, err = b.History("#team")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, sent.ID, hist[0].ID)
}
