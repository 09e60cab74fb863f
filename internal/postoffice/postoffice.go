package postoffice

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// Envelope carries an opaque body and an optional inbox for the reply.
type Envelope struct {
	Body        any
	ReturnInbox string
}

type inbox struct {
	mu     sync.Mutex
	queue  []Envelope
	closed bool
}

// Option configures a PostOffice
type Option func(*PostOffice)

// WithStreamTick sets the poll interval used by StreamUntilClosed.
func WithStreamTick(d time.Duration) Option {
	return func(p *PostOffice) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithLogger sets the post office logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *PostOffice) {
		p.log = l
	}
}

// WithMetrics counts accepted envelopes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *PostOffice) {
		p.metrics = m
	}
}

// PostOffice is a table of named FIFO inboxes. The table lock guards
// membership; each inbox has its own lock for its queue.
type PostOffice struct {
	tick    time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	inboxes map[string]*inbox
}

// New creates an empty post office.
func New(opts ...Option) *PostOffice {
	p := &PostOffice{
		tick:    100 * time.Millisecond,
		log:     logging.For("postoffice"),
		inboxes: make(map[string]*inbox),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PostOffice) get(id string) *inbox {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inboxes[id]
}

// CreateInbox adds an empty open inbox. It returns false if id exists.
func (p *PostOffice) CreateInbox(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inboxes[id]; ok {
		return false
	}
	p.inboxes[id] = &inbox{}
	return true
}

// DeleteInbox drops an inbox and anything still queued in it.
func (p *PostOffice) DeleteInbox(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inboxes[id]; !ok {
		return false
	}
	delete(p.inboxes, id)
	return true
}

// HasInbox reports whether id exists.
func (p *PostOffice) HasInbox(id string) bool {
	return p.get(id) != nil
}

// SendMessage queues body for to. Sending to a closed inbox reopens it.
// It returns false when to does not exist.
func (p *PostOffice) SendMessage(to, returnInbox string, body any) bool {
	box := p.get(to)
	if box == nil {
		p.log.Debug("send to missing inbox", "inbox", to)
		return false
	}
	box.mu.Lock()
	box.queue = append(box.queue, Envelope{Body: body, ReturnInbox: returnInbox})
	box.closed = false
	box.mu.Unlock()

	p.metrics.InboxSend()
	return true
}

// CheckMessages dequeues the oldest envelope without blocking.
func (p *PostOffice) CheckMessages(id string) (Envelope, bool) {
	box := p.get(id)
	if box == nil {
		return Envelope{}, false
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	if len(box.queue) == 0 {
		return Envelope{}, false
	}
	env := box.queue[0]
	box.queue[0] = Envelope{}
	box.queue = box.queue[1:]
	return env, true
}

func (p *PostOffice) drain(box *inbox) ([]Envelope, bool) {
	box.mu.Lock()
	defer box.mu.Unlock()
	out := box.queue
	box.queue = nil
	return out, box.closed
}

// HasMessages reports whether id has anything queued.
func (p *PostOffice) HasMessages(id string) bool {
	return p.InboxSize(id) > 0
}

// InboxSize returns the number of queued envelopes, 0 for a missing inbox.
func (p *PostOffice) InboxSize(id string) int {
	box := p.get(id)
	if box == nil {
		return 0
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.queue)
}

// CloseInbox marks id closed. Queued envelopes stay readable.
func (p *PostOffice) CloseInbox(id string) bool {
	return p.setClosed(id, true)
}

// OpenInbox clears the closed mark.
func (p *PostOffice) OpenInbox(id string) bool {
	return p.setClosed(id, false)
}

func (p *PostOffice) setClosed(id string, closed bool) bool {
	box := p.get(id)
	if box == nil {
		return false
	}
	box.mu.Lock()
	box.closed = closed
	box.mu.Unlock()
	return true
}

// IsInboxClosed reports whether id is closed. Missing inboxes count as closed.
func (p *PostOffice) IsInboxClosed(id string) bool {
	box := p.get(id)
	if box == nil {
		return true
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return box.closed
}

// Inboxes lists every inbox id, sorted.
func (p *PostOffice) Inboxes() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.inboxes))
	for id := range p.inboxes {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ActiveInboxes lists inboxes with queued envelopes, sorted.
func (p *PostOffice) ActiveInboxes() []string {
	p.mu.RLock()
	boxes := make(map[string]*inbox, len(p.inboxes))
	for id, box := range p.inboxes {
		boxes[id] = box
	}
	p.mu.RUnlock()

	var out []string
	for id, box := range boxes {
		box.mu.Lock()
		n := len(box.queue)
		box.mu.Unlock()
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// StreamUntilClosed yields every envelope delivered to id. Each tick drains
// whatever is queued. The stream ends when the inbox is closed and empty,
// when it is deleted, when nothing has arrived for timeout since the last
// yield (zero means no timeout), or when ctx is done.
func (p *PostOffice) StreamUntilClosed(ctx context.Context, id string, timeout time.Duration) iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()

		last := time.Now()
		for {
			box := p.get(id)
			if box == nil {
				return
			}
			batch, closed := p.drain(box)
			for i, env := range batch {
				if !yield(env) {
					p.requeue(box, batch[i+1:])
					return
				}
			}
			if len(batch) > 0 {
				last = time.Now()
				continue
			}
			if closed {
				return
			}
			if timeout > 0 && time.Since(last) >= timeout {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// requeue puts back envelopes drained but not consumed, ahead of anything
// that arrived since.
func (p *PostOffice) requeue(box *inbox, rest []Envelope) {
	if len(rest) == 0 {
		return
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	box.queue = append(append([]Envelope(nil), rest...), box.queue...)
}

func (p *PostOffice) requeueOne(id string, env Envelope) {
	if box := p.get(id); box != nil {
		p.requeue(box, []Envelope{env})
	}
}
