package postoffice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxLifecycle(t *testing.T) {
	po := New()

	assert.True(t, po.CreateInbox("a"))
	assert.False(t, po.CreateInbox("a"))
	assert.True(t, po.HasInbox("a"))
	assert.True(t, po.DeleteInbox("a"))
	assert.False(t, po.DeleteInbox("a"))
	assert.False(t, po.HasInbox("a"))
}

func TestSendToMissingInbox(t *testing.T) {
	po := New()
	assert.False(t, po.SendMessage("nobody", "", "hi"))
}

func TestFIFO(t *testing.T) {
	po := New()
	po.CreateInbox("a")
	for i := 0; i < 3; i++ {
		require.True(t, po.SendMessage("a", "reply", i))
	}
	assert.Equal(t, 3, po.InboxSize("a"))
	assert.True(t, po.HasMessages("a"))

	for i := 0; i < 3; i++ {
		env, ok := po.CheckMessages("a")
		require.True(t, ok)
		assert.Equal(t, i, env.Body)
		assert.Equal(t, "reply", env.ReturnInbox)
	}
	assert.False(t, po.HasMessages("a"))
}

func TestCheckMessagesEmptyDoesNotBlock(t *testing.T) {
	po := New()
	po.CreateInbox("a")

	done := make(chan bool, 1)
	go func() {
		_, ok := po.CheckMessages("a")
		done <- ok
	}()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("CheckMessages blocked on an empty inbox")
	}

	_, ok := po.CheckMessages("missing")
	assert.False(t, ok)
}

func TestSendReopensClosedInbox(t *testing.T) {
	po := New()
	po.CreateInbox("a")

	require.True(t, po.CloseInbox("a"))
	assert.True(t, po.IsInboxClosed("a"))

	assert.True(t, po.SendMessage("a", "", "wake up"))
	assert.False(t, po.IsInboxClosed("a"))

	assert.False(t, po.CloseInbox("missing"))
	assert.True(t, po.IsInboxClosed("missing"))
}

func TestActiveInboxes(t *testing.T) {
	po := New()
	po.CreateInbox("a")
	po.CreateInbox("b")
	po.CreateInbox("c")
	po.SendMessage("c", "", 1)
	po.SendMessage("a", "", 1)

	assert.Equal(t, []string{"a", "c"}, po.ActiveInboxes())
	assert.Equal(t, []string{"a", "b", "c"}, po.Inboxes())
}

func TestStreamIdleTimeout(t *testing.T) {
	po := New(WithStreamTick(10 * time.Millisecond))
	po.CreateInbox("a")

	start := time.Now()
	n := 0
	for range po.StreamUntilClosed(context.Background(), "a", 100*time.Millisecond) {
		n++
	}
	elapsed := time.Since(start)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestStreamUntilClosed(t *testing.T) {
	po := New(WithStreamTick(5 * time.Millisecond))
	po.CreateInbox("a")

	go func() {
		for i := 0; i < 5; i++ {
			po.SendMessage("a", "", i)
			time.Sleep(2 * time.Millisecond)
		}
		po.CloseInbox("a")
	}()

	var got []any
	for env := range po.StreamUntilClosed(context.Background(), "a", 5*time.Second) {
		got = append(got, env.Body)
	}
	assert.Equal(t, []any{0, 1, 2, 3, 4}, got)
}

func TestStreamDrainsBeforeClosing(t *testing.T) {
	po := New(WithStreamTick(5 * time.Millisecond))
	po.CreateInbox("a")
	po.SendMessage("a", "", "x")
	po.SendMessage("a", "", "y")
	po.CloseInbox("a")

	var got []any
	for env := range po.StreamUntilClosed(context.Background(), "a", time.Second) {
		got = append(got, env.Body)
	}
	assert.Equal(t, []any{"x", "y"}, got)
}

func TestStreamEarlyBreakKeepsRest(t *testing.T) {
	po := New(WithStreamTick(5 * time.Millisecond))
	po.CreateInbox("a")
	po.SendMessage("a", "", 1)
	po.SendMessage("a", "", 2)
	po.SendMessage("a", "", 3)

	for range po.StreamUntilClosed(context.Background(), "a", time.Second) {
		break
	}
	assert.Equal(t, 2, po.InboxSize("a"))
	env, _ := po.CheckMessages("a")
	assert.Equal(t, 2, env.Body)
}

func TestStreamEndsWhenInboxDeleted(t *testing.T) {
	po := New(WithStreamTick(5 * time.Millisecond))
	po.CreateInbox("a")

	go func() {
		time.Sleep(20 * time.Millisecond)
		po.DeleteInbox("a")
	}()

	done := make(chan struct{})
	go func() {
		for range po.StreamUntilClosed(context.Background(), "a", 0) {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after inbox deletion")
	}
}
