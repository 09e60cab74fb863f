package postoffice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jamessanders/leah-public/internal/lanes"
	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/metrics"
)

// Handler processes one envelope taken from a watched inbox.
type Handler interface {
	Handle(ctx context.Context, inbox string, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inbox string, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, inbox string, env Envelope) error {
	return f(ctx, inbox, env)
}

// MailManConfig configures a MailMan.
type MailManConfig struct {
	// Watched limits dispatch to these inbox ids. Empty watches every inbox.
	Watched []string
	Handler Handler
	// PollInterval defaults to one second.
	PollInterval time.Duration
	// Workers defaults to lanes.DefaultWorkers.
	Workers int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// MailMan polls a post office and hands one envelope per busy inbox per
// tick to a bounded worker lane. The watcher never waits on handlers.
type MailMan struct {
	po      *PostOffice
	cfg     MailManConfig
	watched map[string]bool
	log     *slog.Logger
	lane    *lanes.Lane

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMailMan validates cfg and builds an idle dispatcher.
func NewMailMan(po *PostOffice, cfg MailManConfig) (*MailMan, error) {
	if po == nil {
		return nil, errors.New("mailman: nil post office")
	}
	if cfg.Handler == nil {
		return nil, errors.New("mailman: nil handler")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = lanes.DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.For("mailman")
	}
	m := &MailMan{
		po:  po,
		cfg: cfg,
		log: cfg.Logger,
	}
	if len(cfg.Watched) > 0 {
		m.watched = make(map[string]bool, len(cfg.Watched))
		for _, id := range cfg.Watched {
			m.watched[id] = true
		}
	}
	return m, nil
}

// Start launches the watcher. Calling Start on a running MailMan is a no-op.
func (m *MailMan) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lane = lanes.New("mailman", m.cfg.Workers, lanes.WithLogger(m.log))

	go m.watch(ctx, m.lane, m.done)
	m.log.Info("mailman started", "watched", m.cfg.Watched, "interval", m.cfg.PollInterval, "workers", m.cfg.Workers)
}

// Stop halts the watcher without waiting for handlers. Envelopes already
// taken from their inboxes still run on the lane.
func (m *MailMan) Stop() {
	m.mu.Lock()
	cancel, lane := m.cancel, m.lane
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	lane.Shutdown()
	m.log.Info("mailman stopped")
}

// Wait blocks until the watcher goroutine has exited.
func (m *MailMan) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// IsActive reports whether the watcher is running.
func (m *MailMan) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Stats reports the worker lane's load.
func (m *MailMan) Stats() lanes.Stats {
	m.mu.Lock()
	lane := m.lane
	m.mu.Unlock()
	if lane == nil {
		return lanes.Stats{Lane: "mailman", MaxConcurrent: m.cfg.Workers}
	}
	return lane.Stats()
}

func (m *MailMan) watch(ctx context.Context, lane *lanes.Lane, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.dispatch(ctx, lane)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MailMan) dispatch(ctx context.Context, lane *lanes.Lane) {
	for _, id := range m.po.ActiveInboxes() {
		if m.watched != nil && !m.watched[id] {
			continue
		}
		env, ok := m.po.CheckMessages(id)
		if !ok {
			continue
		}
		inbox := id
		// Handlers keep running after Stop.
		if !lane.Submit(context.WithoutCancel(ctx), "mail:"+inbox, func(ctx context.Context) error {
			err := m.cfg.Handler.Handle(ctx, inbox, env)
			if err != nil {
				m.cfg.Metrics.HandlerFailure("mailman")
			}
			return err
		}) {
			// Lane closed by Stop: put the envelope back for the next start.
			m.po.requeueOne(inbox, env)
			return
		}
		m.cfg.Metrics.MailDispatched()
	}
}
