package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// Window is the trailing period token usage is summed over.
const Window = time.Minute

// Limit is the budget for one connector class. Zero fields are unlimited.
type Limit struct {
	TokensPerMinute   int `yaml:"tokens_per_minute"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type sample struct {
	at   time.Time
	cost int
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithBackoff sets how long Wait sleeps between token checks.
func WithBackoff(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.log = logger
	}
}

// WithMetrics counts rejected checks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// Limiter is a soft guard on per-class token spend over a sliding one-minute
// window, plus an optional request-rate limit. Check does not reserve
// capacity: two callers may both pass and then both Add.
type Limiter struct {
	now     func() time.Time
	backoff time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	limits   map[string]Limit
	samples  map[string][]sample
	requests map[string]*rate.Limiter
}

// New builds a limiter with the given per-class limits.
func New(limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		now:      time.Now,
		backoff:  time.Second,
		log:      logging.For("ratelimit"),
		samples:  make(map[string][]sample),
		requests: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.SetLimits(limits)
	return l
}

// SetLimits replaces every configured limit. Recorded usage is kept.
func (l *Limiter) SetLimits(limits map[string]Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = make(map[string]Limit, len(limits))
	l.requests = make(map[string]*rate.Limiter, len(limits))
	for class, lim := range limits {
		l.setLocked(class, lim)
	}
}

// SetLimit sets one class's limit.
func (l *Limiter) SetLimit(class string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(class, lim)
}

func (l *Limiter) setLocked(class string, lim Limit) {
	l.limits[class] = lim
	if lim.RequestsPerMinute > 0 {
		l.requests[class] = rate.NewLimiter(rate.Every(Window/time.Duration(lim.RequestsPerMinute)), lim.RequestsPerMinute)
	} else {
		delete(l.requests, class)
	}
}

// LimitFor returns the configured limit and whether class has one.
func (l *Limiter) LimitFor(class string) (Limit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[class]
	return lim, ok
}

// purgeLocked drops samples at or before now-Window and returns the sum of
// what remains.
func (l *Limiter) purgeLocked(class string, now time.Time) int {
	cutoff := now.Add(-Window)
	kept := l.samples[class][:0]
	total := 0
	for _, s := range l.samples[class] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
			total += s.cost
		}
	}
	if len(kept) == 0 {
		delete(l.samples, class)
	} else {
		l.samples[class] = kept
	}
	return total
}

// Check reports whether spending estimated more tokens in class stays within
// its per-minute limit. Classes without a token limit always pass.
func (l *Limiter) Check(class string, estimated int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	used := l.purgeLocked(class, l.now())
	lim := l.limits[class]
	if lim.TokensPerMinute <= 0 {
		return true
	}
	if used+estimated > lim.TokensPerMinute {
		l.log.Debug("token limit reached", "class", class, "used", used, "estimated", estimated, "limit", lim.TokensPerMinute)
		l.metrics.RateLimited(class)
		return false
	}
	return true
}

// Add records actual tokens spent in class now.
func (l *Limiter) Add(class string, actual int) {
	if actual <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples[class] = append(l.samples[class], sample{at: l.now(), cost: actual})
}

// Usage returns tokens spent in class within the current window.
func (l *Limiter) Usage(class string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.purgeLocked(class, l.now())
}

// Wait blocks until a request for class may proceed: first the request-rate
// limit, then Check is retried every backoff interval. It returns ctx's
// error if ctx ends first.
func (l *Limiter) Wait(ctx context.Context, class string, estimated int) error {
	l.mu.Lock()
	req := l.requests[class]
	backoff := l.backoff
	l.mu.Unlock()

	if req != nil {
		if err := req.Wait(ctx); err != nil {
			return err
		}
	}
	for !l.Check(class, estimated) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil
}
