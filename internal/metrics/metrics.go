package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "leah"

// Metrics holds the substrate's collectors. A nil *Metrics is valid and
// records nothing, so components never need to check before calling.
type Metrics struct {
	published       *prometheus.CounterVec
	delivered       prometheus.Counter
	handlerFailures *prometheus.CounterVec
	inboxSends      prometheus.Counter
	mailDispatched  prometheus.Counter
	rateLimited     *prometheus.CounterVec
	corrupt         *prometheus.CounterVec
	actorProcessed  *prometheus.CounterVec
	actorDuplicates *prometheus.CounterVec
	subscriptions   prometheus.Gauge
}

// New registers every collector on reg. Use prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Messages published, by kind.",
		}, []string{"kind"}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Callback invocations made by publish.",
		}),
		handlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Callback or handler errors and panics caught at a dispatch boundary.",
		}, []string{"component"}),
		inboxSends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "postoffice",
			Name:      "sends_total",
			Help:      "Envelopes accepted by an inbox.",
		}),
		mailDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailman",
			Name:      "dispatched_total",
			Help:      "Envelopes handed to the worker pool.",
		}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Checks that would exceed the window, by class.",
		}, []string{"class"}),
		corrupt: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "corrupt_records_total",
			Help:      "Persisted records that could not be decoded.",
		}, []string{"source"}),
		actorProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "processed_total",
			Help:      "Messages handed to an actor's handler.",
		}, []string{"actor"}),
		actorDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "duplicates_total",
			Help:      "Messages dropped because their id was already seen.",
		}, []string{"actor"}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Live broker subscriptions.",
		}),
	}
}

func (m *Metrics) Published(kind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// HandlerFailure also satisfies crashlog.Counter.
func (m *Metrics) HandlerFailure(component string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(component).Inc()
}

func (m *Metrics) InboxSend() {
	if m == nil {
		return
	}
	m.inboxSends.Inc()
}

func (m *Metrics) MailDispatched() {
	if m == nil {
		return
	}
	m.mailDispatched.Inc()
}

func (m *Metrics) RateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) CorruptRecord(source string) {
	if m == nil {
		return
	}
	m.corrupt.WithLabelValues(source).Inc()
}

func (m *Metrics) ActorProcessed(actor string) {
	if m == nil {
		return
	}
	m.actorProcessed.WithLabelValues(actor).Inc()
}

func (m *Metrics) ActorDuplicate(actor string) {
	if m == nil {
		return
	}
	m.actorDuplicates.WithLabelValues(actor).Inc()
}

func (m *Metrics) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}
