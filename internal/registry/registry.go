package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/metrics"
	"github.com/jamessanders/leah-public/internal/store"
)

// DocumentName is the key the registry is persisted under.
const DocumentName = "subscriptions"

// CorruptDocumentPrefix names the copy kept of an unreadable document,
// followed by a UTC timestamp.
const CorruptDocumentPrefix = DocumentName + ".corrupt-"

// ErrPersonalChannel is returned when subscribing to an "@" key.
var ErrPersonalChannel = errors.New("cannot subscribe to a personal channel")

// Binder wires channel traffic into a handle's personal channel.
// *broker.Broker satisfies it.
type Binder interface {
	BindJunction(in, out string) bool
	UnbindJunction(in, out string) bool
}

// DocumentStore persists whole documents. *store.Store satisfies it.
type DocumentStore interface {
	LoadDocument(name string) ([]byte, error)
	SaveDocument(name string, data []byte) error
}

type document struct {
	Subscriptions map[string][]string `json:"subscriptions"`
	Admins        map[string][]string `json:"admins"`
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithMetrics counts a corrupt document on load.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry records which handles follow which channels and who administers
// them. Every mutation rewrites the whole document under one lock and is
// undone in memory when the write fails; junction calls happen after the
// lock is released.
type Registry struct {
	docs    DocumentStore
	binder  Binder
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]map[string]bool // handle -> channels
	admins map[string]map[string]bool // channel -> handles
}

// New loads the registry from docs. A missing or unreadable document starts
// empty. An unreadable one is logged, counted and copied aside under a
// CorruptDocumentPrefix name before anything can overwrite it.
func New(docs DocumentStore, binder Binder, opts ...Option) (*Registry, error) {
	r := &Registry{
		docs:   docs,
		binder: binder,
		log:    logging.For("registry"),
		subs:   make(map[string]map[string]bool),
		admins: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := r.docs.LoadDocument(DocumentName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		backup := CorruptDocumentPrefix + time.Now().UTC().Format("20060102T150405.000000000")
		if err := r.docs.SaveDocument(backup, data); err != nil {
			return fmt.Errorf("back up corrupt registry: %w", err)
		}
		r.log.Warn("registry document corrupt, starting empty", "backup", backup, "error", err)
		r.metrics.CorruptRecord("registry")
		return nil
	}
	for handle, channels := range doc.Subscriptions {
		for _, ch := range channels {
			addTo(r.subs, handle, ch)
		}
	}
	for ch, admins := range doc.Admins {
		for _, a := range admins {
			addTo(r.admins, ch, a)
		}
	}
	return nil
}

func addTo(m map[string]map[string]bool, key, val string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]bool)
		m[key] = set
	}
	set[val] = true
}

func removeFrom(m map[string]map[string]bool, key, val string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, val)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// saveLocked writes the full state. Caller holds r.mu.
func (r *Registry) saveLocked() error {
	doc := document{
		Subscriptions: make(map[string][]string, len(r.subs)),
		Admins:        make(map[string][]string, len(r.admins)),
	}
	for handle, set := range r.subs {
		doc.Subscriptions[handle] = sortedKeys(set)
	}
	for ch, set := range r.admins {
		doc.Admins[ch] = sortedKeys(set)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := r.docs.SaveDocument(DocumentName, data); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// Subscribe adds channel to handle's subscriptions and routes channel
// traffic into handle. Personal ("@") channels are rejected.
func (r *Registry) Subscribe(handle, channel string) error {
	if message.IsPersonalChannel(channel) {
		return fmt.Errorf("subscribe %s to %s: %w", handle, channel, ErrPersonalChannel)
	}

	r.mu.Lock()
	had := r.subs[handle][channel]
	addTo(r.subs, handle, channel)
	err := r.saveLocked()
	if err != nil && !had {
		removeFrom(r.subs, handle, channel)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.binder.BindJunction(channel, handle)
	r.log.Debug("subscribed", "handle", handle, "channel", channel)
	return nil
}

// Unsubscribe removes channel from handle's subscriptions. Removing a
// subscription that does not exist is not an error. Admin rights are kept.
func (r *Registry) Unsubscribe(handle, channel string) error {
	r.mu.Lock()
	if !r.subs[handle][channel] {
		r.mu.Unlock()
		return nil
	}
	removeFrom(r.subs, handle, channel)
	err := r.saveLocked()
	if err != nil {
		addTo(r.subs, handle, channel)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.binder.UnbindJunction(channel, handle)
	r.log.Debug("unsubscribed", "handle", handle, "channel", channel)
	return nil
}

// MakeAdmin grants handle admin rights on channel, subscribing it first if
// needed.
func (r *Registry) MakeAdmin(handle, channel string) error {
	if !r.IsSubscribed(handle, channel) {
		if err := r.Subscribe(handle, channel); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admins[channel][handle] {
		return nil
	}
	addTo(r.admins, channel, handle)
	if err := r.saveLocked(); err != nil {
		removeFrom(r.admins, channel, handle)
		return err
	}
	return nil
}

// IsSubscribed reports whether handle follows channel.
func (r *Registry) IsSubscribed(handle, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[handle][channel]
}

// IsAdmin reports whether handle administers channel.
func (r *Registry) IsAdmin(handle, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[channel][handle]
}

// ChannelSubscribers lists handles following channel, sorted.
func (r *Registry) ChannelSubscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for handle, set := range r.subs {
		if set[channel] {
			out = append(out, handle)
		}
	}
	sort.Strings(out)
	return out
}

// ChannelAdmins lists handles administering channel, sorted.
func (r *Registry) ChannelAdmins(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.admins[channel])
}

// UserSubscriptions lists channels handle follows, sorted.
func (r *Registry) UserSubscriptions(handle string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.subs[handle])
}

// Handles lists every handle with at least one subscription, sorted.
func (r *Registry) Handles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for h := range r.subs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// BindSubscribers re-creates the junction for every persisted membership.
// It returns how many new junctions were bound.
func (r *Registry) BindSubscribers() int {
	type pair struct{ channel, handle string }

	r.mu.RLock()
	var pairs []pair
	for handle, set := range r.subs {
		for ch := range set {
			pairs = append(pairs, pair{ch, handle})
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, p := range pairs {
		if r.binder.BindJunction(p.channel, p.handle) {
			n++
		}
	}
	r.log.Info("subscribers bound", "junctions", n)
	return n
}
