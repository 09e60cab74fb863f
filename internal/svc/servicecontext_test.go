package svc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamessanders/leah-public/internal/actor"
	"github.com/jamessanders/leah-public/internal/config"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/postoffice"
	"github.com/jamessanders/leah-public/internal/ratelimit"
	"github.com/jamessanders/leah-public/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Broker.WatchTick = 10 * time.Millisecond
	cfg.PostOffice.StreamTick = 10 * time.Millisecond
	cfg.MailMan.PollInterval = 10 * time.Millisecond
	cfg.Actors.IdleTick = 5 * time.Millisecond
	cfg.Actors.RestartDelay = 10 * time.Millisecond
	return cfg
}

func TestServiceContextOnDisk(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	svc, err := NewServiceContext(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Subscriptions.Subscribe("@bob", "#team"))
	require.NoError(t, svc.Broker.Publish(ctx, "#team", message.New("@alice", "#team", "hello", message.KindChannel)))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	svc, err = NewServiceContext(cfg)
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx))

	assert.True(t, svc.Subscriptions.IsSubscribed("@bob", "#team"))
	hist, err := svc.Broker.History("#team")
	require.NoError(t, err)
	require.Len(t, hist, 1)

	var mu sync.Mutex
	var got []message.Message
	svc.Broker.Subscribe("@bob", func(_ context.Context, m message.Message) error {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil
	})
	require.NoError(t, svc.Broker.Publish(ctx, "#team", message.New("@alice", "#team", "again", message.KindChannel)))
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestSystemMessagesReachRelayChannel(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	svc, err := NewServiceContext(testConfig(t), WithStore(s))
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	seen := make(chan message.Message, 4)
	svc.Broker.Subscribe(message.SystemRelayChannel, func(_ context.Context, m message.Message) error {
		seen <- m
		return nil
	})

	responder := actor.ResponderFunc(func(_ context.Context, _ string, m message.Message) ([]string, error) {
		return []string{"got " + m.Content}, nil
	})
	_, err = svc.StartPersona(ctx, "@leah", responder)
	require.NoError(t, err)

	_, err = svc.Channels.SendDirect(ctx, "@bob", "@leah", "ping")
	require.NoError(t, err)

	select {
	case m := <-seen:
		assert.Equal(t, message.SystemHandle, m.From)
		assert.Contains(t, m.Content, "@leah is thinking")
	case <-time.After(3 * time.Second):
		t.Fatal("no relayed system message")
	}

	direct := message.DirectChannelName("@bob", "@leah")
	require.Eventually(t, func() bool {
		hist, err := svc.Broker.History(direct)
		if err != nil {
			return false
		}
		for _, m := range hist {
			if m.From == "@leah" && m.Content == "got ping" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMailManFromConfig(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	svc, err := NewServiceContext(testConfig(t), WithStore(s))
	require.NoError(t, err)
	defer svc.Close()

	handled := make(chan postoffice.Envelope, 1)
	mm, err := svc.NewMailMan(postoffice.HandlerFunc(func(_ context.Context, _ string, env postoffice.Envelope) error {
		handled <- env
		return nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mm.Start(ctx)
	defer mm.Stop()

	require.True(t, svc.PostOffice.CreateInbox("worker"))
	require.True(t, svc.PostOffice.SendMessage("worker", "reply", "job"))
	select {
	case env := <-handled:
		assert.Equal(t, "job", env.Body)
		assert.Equal(t, "reply", env.ReturnInbox)
	case <-time.After(3 * time.Second):
		t.Fatal("envelope not dispatched")
	}
}

func TestReloadReplacesLimits(t *testing.T) {
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	svc, err := NewServiceContext(testConfig(t), WithStore(s))
	require.NoError(t, err)
	defer svc.Close()

	next := config.DefaultConfig()
	next.RateLimits = map[string]ratelimit.Limit{"small": {TokensPerMinute: 10}}
	svc.Reload(next)

	_, ok := svc.Limiter.LimitFor("default")
	assert.False(t, ok)
	assert.False(t, svc.Limiter.Check("small", 11))
	assert.True(t, svc.Limiter.Check("small", 10))
}
