package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(map[string]Limit{"X": {TokensPerMinute: 100}}, WithClock(clock.Now))

	l.Add("X", 80)
	assert.False(t, l.Check("X", 30))
	assert.True(t, l.Check("X", 20))

	clock.Advance(59 * time.Second)
	assert.False(t, l.Check("X", 30))

	clock.Advance(time.Second)
	assert.True(t, l.Check("X", 30))
	assert.Zero(t, l.Usage("X"))
}

func TestCheckDoesNotReserve(t *testing.T) {
	l := New(map[string]Limit{"X": {TokensPerMinute: 100}})
	assert.True(t, l.Check("X", 90))
	assert.True(t, l.Check("X", 90))
	assert.Zero(t, l.Usage("X"))
}

func TestUnknownClassUnlimited(t *testing.T) {
	l := New(nil)
	l.Add("mystery", 1_000_000)
	assert.True(t, l.Check("mystery", 1_000_000))
	assert.Equal(t, 1_000_000, l.Usage("mystery"))
}

func TestSetLimitsKeepsUsage(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := New(map[string]Limit{"X": {TokensPerMinute: 100}}, WithClock(clock.Now))
	l.Add("X", 50)

	l.SetLimits(map[string]Limit{"X": {TokensPerMinute: 60}})
	assert.False(t, l.Check("X", 20))
	lim, ok := l.LimitFor("X")
	require.True(t, ok)
	assert.Equal(t, 60, lim.TokensPerMinute)

	l.SetLimit("Y", Limit{TokensPerMinute: 5})
	assert.False(t, l.Check("Y", 6))
}

func TestWaitReturnsWhenWindowFrees(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := New(map[string]Limit{"X": {TokensPerMinute: 100}},
		WithClock(clock.Now), WithBackoff(5*time.Millisecond))
	l.Add("X", 100)

	go func() {
		time.Sleep(30 * time.Millisecond)
		clock.Advance(Window)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "X", 10))
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(map[string]Limit{"X": {TokensPerMinute: 10}}, WithBackoff(5*time.Millisecond))
	l.Add("X", 10)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, "X", 1), context.DeadlineExceeded)
}

func TestWaitRequestRate(t *testing.T) {
	l := New(map[string]Limit{"X": {RequestsPerMinute: 2}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "X", 0))
	require.NoError(t, l.Wait(ctx, "X", 0))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short, "X", 0))
}
