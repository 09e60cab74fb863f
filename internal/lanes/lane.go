package lanes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamessanders/leah-public/internal/crashlog"
	"github.com/jamessanders/leah-public/internal/logging"
)

// DefaultWorkers is the concurrency used when a lane is created with zero.
const DefaultWorkers = 8

// Task is a unit of work run by a lane.
type Task func(ctx context.Context) error

type entry struct {
	id          string
	description string
	task        Task
	enqueuedAt  time.Time
	startedAt   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

// Lane runs queued tasks on at most MaxConcurrent goroutines. A single pump
// goroutine starts work whenever a task arrives or a slot frees up; callers
// never block on the pump.
type Lane struct {
	name          string
	maxConcurrent int
	log           *slog.Logger

	mu     sync.Mutex
	queue  []*entry
	active []*entry
	closed bool

	seq    atomic.Int64
	notify chan struct{} // buffered(1) wakeup for the pump
	stopCh chan struct{}
}

// Option configures a Lane
type Option func(*Lane)

// WithLogger sets the lane logger.
func WithLogger(l *slog.Logger) Option {
	return func(lane *Lane) {
		lane.log = l
	}
}

// New starts a lane. maxConcurrent <= 0 selects DefaultWorkers.
func New(name string, maxConcurrent int, opts ...Option) *Lane {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultWorkers
	}
	l := &Lane{
		name:          name,
		maxConcurrent: maxConcurrent,
		log:           logging.For("lane").With("lane", name),
		notify:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

func (l *Lane) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Submit queues task and returns without waiting. It reports false once the
// lane has been shut down.
func (l *Lane) Submit(ctx context.Context, desc string, task Task) bool {
	taskCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		id:          fmt.Sprintf("%s-%d", l.name, l.seq.Add(1)),
		description: desc,
		task:        task,
		enqueuedAt:  time.Now(),
		ctx:         taskCtx,
		cancel:      cancel,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return false
	}
	l.queue = append(l.queue, e)
	size := len(l.queue) + len(l.active)
	l.mu.Unlock()

	l.log.Debug("task enqueued", "task_id", e.id, "description", desc, "size", size)
	l.wake()
	return true
}

// run is the pump goroutine. After Shutdown it keeps starting queued tasks
// and exits once the lane is empty.
func (l *Lane) run() {
	stop := l.stopCh
	for {
		select {
		case <-l.notify:
		case <-stop:
			stop = nil
		}
		l.processAvailable()
		if stop == nil && l.Size() == 0 {
			return
		}
	}
}

func (l *Lane) processAvailable() {
	for {
		l.mu.Lock()
		if len(l.active) >= l.maxConcurrent || len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		e.startedAt = time.Now()
		l.active = append(l.active, e)
		l.mu.Unlock()

		go l.execute(e)
	}
}

func (l *Lane) execute(e *entry) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				crashlog.LogPanic("lane", r, map[string]string{"lane": l.name, "task_id": e.id})
				err = fmt.Errorf("panic in lane task: %v", r)
			}
		}()
		err = e.task(e.ctx)
	}()
	e.cancel()

	l.mu.Lock()
	for i, a := range l.active {
		if a == e {
			l.active = append(l.active[:i], l.active[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	if err != nil {
		l.log.Warn("task failed", "task_id", e.id, "description", e.description,
			"duration_ms", time.Since(e.startedAt).Milliseconds(), "error", err)
	}
	l.wake()
}

// Size returns queued plus active tasks.
func (l *Lane) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + len(l.active)
}

// Stats snapshots the lane.
func (l *Lane) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		Lane:          l.name,
		Queued:        len(l.queue),
		Active:        len(l.active),
		MaxConcurrent: l.maxConcurrent,
	}
	for _, e := range l.active {
		s.ActiveTasks = append(s.ActiveTasks, e.info())
	}
	return s
}

// Shutdown stops accepting tasks. Everything already queued still runs; the
// pump exits when the lane drains. Shutdown does not wait for that and is
// safe to call more than once.
func (l *Lane) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.stopCh)
	}
}

// info must be called with l.mu held.
func (e *entry) info() TaskInfo {
	info := TaskInfo{
		ID:          e.id,
		Description: e.description,
		EnqueuedAt:  e.enqueuedAt.UnixMilli(),
	}
	if !e.startedAt.IsZero() {
		info.StartedAt = e.startedAt.UnixMilli()
	}
	return info
}
