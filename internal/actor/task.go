package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/jamessanders/leah-public/internal/broker"
	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// TaskTimeLayout is the local-time format of Task.When.
const TaskTimeLayout = "2006-01-02 15:04:05"

var repeatParser = cronlib.NewParser(cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// Task is a reminder delivered to Who once When has passed.
type Task struct {
	ID           string `json:"id,omitempty"`
	When         string `json:"when"`
	Instructions string `json:"instructions"`
	Who          string `json:"who"`
	ViaChannel   string `json:"via_channel"`
	// Repeat is an optional cron expression; the task is rescheduled to its
	// next activation instead of being removed.
	Repeat string `json:"repeat,omitempty"`
}

// Due parses When in the local zone.
func (t Task) Due() (time.Time, error) {
	return time.ParseInLocation(TaskTimeLayout, t.When, time.Local)
}

// Validate checks the fields needed for delivery.
func (t Task) Validate() error {
	if t.Who == "" {
		return errors.New("task: who is required")
	}
	if t.Instructions == "" {
		return errors.New("task: instructions are required")
	}
	if _, err := t.Due(); err != nil {
		return fmt.Errorf("task: invalid when %q: %w", t.When, err)
	}
	if t.Repeat != "" {
		if _, err := repeatParser.Parse(t.Repeat); err != nil {
			return fmt.Errorf("task: invalid repeat %q: %w", t.Repeat, err)
		}
	}
	return nil
}

// TaskMessage wraps t as the payload published to the task actor.
func TaskMessage(from string, t Task) (message.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return message.Message{}, err
	}
	return message.New(from, message.TaskHandle, string(data), message.KindDirect), nil
}

// TaskStore persists pending tasks. *store.Store satisfies it.
type TaskStore interface {
	PutTask(id string, data []byte) error
	DeleteTask(id string) error
	ListTasks() (map[string][]byte, error)
}

// TaskOption configures a TaskActor
type TaskOption func(*TaskActor)

// WithTaskStore keeps pending tasks across restarts.
func WithTaskStore(s TaskStore) TaskOption {
	return func(t *TaskActor) {
		t.store = s
	}
}

// MinTaskTick is the shortest dispatch interval the cron "@every" schedule
// can express.
const MinTaskTick = time.Second

// WithTaskTick sets how often due tasks are dispatched. Intervals below
// MinTaskTick are raised to it.
func WithTaskTick(d time.Duration) TaskOption {
	return func(t *TaskActor) {
		if d > 0 {
			t.tick = max(d, MinTaskTick)
		}
	}
}

// WithTaskClock replaces time.Now, for tests.
func WithTaskClock(now func() time.Time) TaskOption {
	return func(t *TaskActor) {
		t.now = now
	}
}

// WithTaskMetrics counts corrupt persisted tasks.
func WithTaskMetrics(m *metrics.Metrics) TaskOption {
	return func(t *TaskActor) {
		t.metrics = m
	}
}

// WithTaskActorOptions passes options through to the underlying Actor.
func WithTaskActorOptions(opts ...Option) TaskOption {
	return func(t *TaskActor) {
		t.actorOpts = append(t.actorOpts, opts...)
	}
}

// TaskActor listens on @@task for scheduled reminders and, on every tick,
// sends each due reminder to its recipient as a direct message from @@task.
// Without a TaskStore pending tasks are lost on restart.
type TaskActor struct {
	actor     *Actor
	pub       Publisher
	store     TaskStore
	tick      time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics
	actorOpts []Option

	mu    sync.Mutex
	tasks map[string]Task
	cron  *cronlib.Cron
}

// NewTaskActor builds the scheduler actor.
func NewTaskActor(b *broker.Broker, opts ...TaskOption) *TaskActor {
	t := &TaskActor{
		pub:   b,
		tick:  time.Second,
		now:   time.Now,
		log:   logging.For("tasks"),
		tasks: make(map[string]Task),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.actor = New(message.TaskHandle, b, HandlerFunc(t.onMessage), t.actorOpts...)
	return t
}

// Start restores persisted tasks, subscribes to @@task and starts ticking.
func (t *TaskActor) Start(ctx context.Context) error {
	if err := t.restore(); err != nil {
		return err
	}
	if err := t.actor.Listen(ctx); err != nil {
		return err
	}

	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger{t.log})))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", t.tick), func() { t.dispatchDue(ctx) }); err != nil {
		t.actor.Stop()
		return fmt.Errorf("schedule task tick: %w", err)
	}
	c.Start()

	t.mu.Lock()
	t.cron = c
	t.mu.Unlock()
	return nil
}

// Stop halts ticking and the mailbox loop.
func (t *TaskActor) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	t.actor.Stop()
}

func (t *TaskActor) restore() error {
	if t.store == nil {
		return nil
	}
	stored, err := t.store.ListTasks()
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, data := range stored {
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			t.log.Warn("corrupt task skipped", "task_id", id, "error", err)
			t.metrics.CorruptRecord("tasks")
			continue
		}
		task.ID = id
		t.tasks[id] = task
	}
	if len(stored) > 0 {
		t.log.Info("tasks restored", "count", len(t.tasks))
	}
	return nil
}

func (t *TaskActor) onMessage(ctx context.Context, msg message.Message) error {
	var task Task
	if err := json.Unmarshal([]byte(msg.Content), &task); err != nil {
		t.log.Warn("unreadable task payload dropped", "message_id", msg.ID, "from", msg.From, "error", err)
		return nil
	}
	if _, err := t.Schedule(task); err != nil {
		t.log.Warn("invalid task dropped", "message_id", msg.ID, "from", msg.From, "error", err)
	}
	return nil
}

// Schedule validates and adds task, returning its id.
func (t *TaskActor) Schedule(task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := t.persist(task); err != nil {
		return "", err
	}
	t.mu.Lock()
	t.tasks[task.ID] = task
	t.mu.Unlock()
	t.log.Debug("task scheduled", "task_id", task.ID, "who", task.Who, "when", task.When)
	return task.ID, nil
}

// Cancel removes a pending task.
func (t *TaskActor) Cancel(id string) bool {
	t.mu.Lock()
	_, ok := t.tasks[id]
	delete(t.tasks, id)
	t.mu.Unlock()
	if ok && t.store != nil {
		if err := t.store.DeleteTask(id); err != nil {
			t.log.Warn("task delete failed", "task_id", id, "error", err)
		}
	}
	return ok
}

// Pending lists scheduled tasks ordered by due time.
func (t *TaskActor) Pending() []Task {
	t.mu.Lock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, task)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].When != out[j].When {
			return out[i].When < out[j].When
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *TaskActor) persist(task Task) error {
	if t.store == nil {
		return nil
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return t.store.PutTask(task.ID, data)
}

// dispatchDue sends every task whose time has passed.
func (t *TaskActor) dispatchDue(ctx context.Context) {
	now := t.now()
	for _, task := range t.Pending() {
		due, err := task.Due()
		if err != nil || !due.Before(now) {
			continue
		}
		content := fmt.Sprintf("You wanted to do this task at %s \n\n%s", due.Format(TaskTimeLayout), task.Instructions)
		msg := message.New(message.TaskHandle, task.ViaChannel, content, message.KindDirect)
		if err := t.pub.Publish(ctx, task.Who, msg); err != nil {
			t.log.Warn("task publish failed", "task_id", task.ID, "who", task.Who, "error", err)
		}
		t.complete(task, now)
	}
}

// complete removes a fired task, or moves a repeating one to its next run.
func (t *TaskActor) complete(task Task, now time.Time) {
	if task.Repeat != "" {
		if sched, err := repeatParser.Parse(task.Repeat); err == nil {
			task.When = sched.Next(now).Format(TaskTimeLayout)
			t.mu.Lock()
			if _, ok := t.tasks[task.ID]; ok {
				t.tasks[task.ID] = task
			}
			t.mu.Unlock()
			if err := t.persist(task); err != nil {
				t.log.Warn("task persist failed", "task_id", task.ID, "error", err)
			}
			return
		}
	}
	t.Cancel(task.ID)
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
