package svc

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jamessanders/leah-public/internal/actor"
	"github.com/jamessanders/leah-public/internal/broker"
	"github.com/jamessanders/leah-public/internal/channels"
	"github.com/jamessanders/leah-public/internal/config"
	"github.com/jamessanders/leah-public/internal/crashlog"
	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/metrics"
	"github.com/jamessanders/leah-public/internal/postoffice"
	"github.com/jamessanders/leah-public/internal/ratelimit"
	"github.com/jamessanders/leah-public/internal/registry"
	"github.com/jamessanders/leah-public/internal/store"
)

// ServiceContext owns every long-lived messaging service. It is built once
// at startup and passed to the commands that need it.
type ServiceContext struct {
	Config *config.Config

	Store         *store.Store
	Prometheus    *prometheus.Registry
	Metrics       *metrics.Metrics
	Broker        *broker.Broker
	PostOffice    *postoffice.PostOffice
	Subscriptions *registry.Registry
	Limiter       *ratelimit.Limiter
	Channels      *channels.Manager
	Tasks         *actor.TaskActor
	Relay         *actor.SystemRelay

	mu      sync.Mutex
	actors  []*actor.Actor
	started bool
	closed  bool
}

// Option configures NewServiceContext
type Option func(*options)

type options struct {
	store *store.Store
}

// WithStore uses an already open store instead of opening cfg.StorePath().
// The ServiceContext takes ownership and closes it.
func WithStore(s *store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// NewServiceContext opens the store and builds the services from cfg. Nothing
// runs until Start.
func NewServiceContext(cfg *config.Config, opts ...Option) (*ServiceContext, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	crashlog.Init(m)

	st := o.store
	if st == nil {
		var err error
		st, err = store.Open(cfg.StorePath(), store.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	b := broker.New(st,
		broker.WithMetrics(m),
		broker.WithWatchTick(cfg.Broker.WatchTick),
		broker.WithUnpersisted(cfg.Broker.UnpersistedChannels...),
	)
	subs, err := registry.New(st, b, registry.WithMetrics(m))
	if err != nil {
		st.Close()
		return nil, err
	}

	svc := &ServiceContext{
		Config:        cfg,
		Store:         st,
		Prometheus:    reg,
		Metrics:       m,
		Broker:        b,
		PostOffice:    postoffice.New(postoffice.WithStreamTick(cfg.PostOffice.StreamTick), postoffice.WithMetrics(m)),
		Subscriptions: subs,
		Limiter:       ratelimit.New(cfg.RateLimits, ratelimit.WithMetrics(m)),
		Channels:      channels.New(subs, b),
	}

	taskOpts := []actor.TaskOption{
		actor.WithTaskTick(cfg.Tasks.Tick),
		actor.WithTaskMetrics(m),
		actor.WithTaskActorOptions(svc.actorOptions()...),
	}
	if cfg.Tasks.Persist {
		taskOpts = append(taskOpts, actor.WithTaskStore(st))
	}
	svc.Tasks = actor.NewTaskActor(b, taskOpts...)
	svc.Relay = actor.NewSystemRelay(b, subs, svc.actorOptions()...)
	return svc, nil
}

func (svc *ServiceContext) actorOptions() []actor.Option {
	a := svc.Config.Actors
	return []actor.Option{
		actor.WithIdleTick(a.IdleTick),
		actor.WithRestartDelay(a.RestartDelay),
		actor.WithDedup(a.DedupSize, a.DedupTTL),
		actor.WithMetrics(svc.Metrics),
	}
}

// Start re-binds persisted subscriptions and starts the built-in actors.
func (svc *ServiceContext) Start(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.started {
		return nil
	}
	svc.Subscriptions.BindSubscribers()
	if err := svc.Relay.Start(ctx); err != nil {
		return fmt.Errorf("start system relay: %w", err)
	}
	if err := svc.Tasks.Start(ctx); err != nil {
		svc.Relay.Stop()
		return fmt.Errorf("start task actor: %w", err)
	}
	svc.started = true
	logging.For("svc").Info("messaging services started", "channels", len(svc.Broker.ActiveChannels()))
	return nil
}

// StartPersona runs a persona actor on handle. The actor is stopped by Close.
func (svc *ServiceContext) StartPersona(ctx context.Context, handle string, responder actor.Responder) (*actor.Actor, error) {
	p := actor.NewPersona(handle, svc.Broker, svc.Subscriptions, responder)
	a := actor.New(handle, svc.Broker, p, svc.actorOptions()...)
	if err := a.Listen(ctx); err != nil {
		return nil, err
	}
	svc.mu.Lock()
	svc.actors = append(svc.actors, a)
	svc.mu.Unlock()
	return a, nil
}

// NewMailMan builds a dispatcher over the service post office using the
// configured interval and worker count.
func (svc *ServiceContext) NewMailMan(h postoffice.Handler) (*postoffice.MailMan, error) {
	mc := svc.Config.MailMan
	return postoffice.NewMailMan(svc.PostOffice, postoffice.MailManConfig{
		Watched:      mc.Watched,
		Handler:      h,
		PollInterval: mc.PollInterval,
		Workers:      mc.Workers,
		Metrics:      svc.Metrics,
	})
}

// Reload applies the parts of cfg that can change at runtime.
func (svc *ServiceContext) Reload(cfg *config.Config) {
	svc.Limiter.SetLimits(cfg.RateLimits)
	logging.SetLevel(cfg.LogLevel)
}

// Close stops every actor and closes the store.
func (svc *ServiceContext) Close() error {
	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return nil
	}
	svc.closed = true
	actors := svc.actors
	svc.actors = nil
	svc.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
	svc.Tasks.Stop()
	svc.Relay.Stop()
	return svc.Store.Close()
}
