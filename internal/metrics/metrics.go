// Package metrics exposes the pipeline's Prometheus instruments.
//
// Every method is safe to call on a nil *Registry so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memorypipe"

// Publish outcomes recorded by the publisher.
const (
	OutcomeSent       = "sent"
	OutcomeQueued     = "queued"
	OutcomeFlushed    = "flushed"
	OutcomeRequeued   = "requeued"
	OutcomeDeadLetter = "dead_letter"
)

// Registry owns a private Prometheus registry and the instruments registered on it.
type Registry struct {
	reg *prometheus.Registry

	queueDepth       prometheus.Gauge
	published        *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	deadLetterErrors prometheus.Counter
	deduplicated     prometheus.Counter
	ingested         *prometheus.CounterVec
	consumed         *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec
}

// New creates a Registry with the Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_queue_depth",
			Help:      "Number of messages waiting in the publisher's local queue",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_messages_total",
			Help:      "Publisher outcomes by channel",
		}, []string{"channel", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages written to the dead-letter file by reason",
		}, []string{"reason"}),
		deadLetterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_write_errors_total",
			Help:      "Dead-letter appends that failed",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_dropped_total",
			Help:      "Events dropped by the in-memory deduplicator",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Ingest outcomes",
		}, []string{"outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_messages_total",
			Help:      "Consumer outcomes",
		}, []string{"outcome"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding provider calls by result",
		}, []string{"provider", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Latency of successful embedding provider calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		providerTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_tokens_total",
			Help:      "Tokens reported by embedding providers",
		}, []string{"provider"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.queueDepth,
		r.published,
		r.deadLetters,
		r.deadLetterErrors,
		r.deduplicated,
		r.ingested,
		r.consumed,
		r.providerRequests,
		r.providerLatency,
		r.providerTokens,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.DefaultGatherer
	}
	return r.reg
}

func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

func (r *Registry) Published(channel, outcome string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(channel, outcome).Inc()
}

func (r *Registry) DeadLettered(reason string) {
	if r == nil {
		return
	}
	r.deadLetters.WithLabelValues(reason).Inc()
}

func (r *Registry) DeadLetterFailed() {
	if r == nil {
		return
	}
	r.deadLetterErrors.Inc()
}

func (r *Registry) Deduplicated() {
	if r == nil {
		return
	}
	r.deduplicated.Inc()
}

func (r *Registry) Ingested(outcome string) {
	if r == nil {
		return
	}
	r.ingested.WithLabelValues(outcome).Inc()
}

func (r *Registry) Consumed(outcome string) {
	if r == nil {
		return
	}
	r.consumed.WithLabelValues(outcome).Inc()
}

// ProviderCall records one embedding provider attempt.
func (r *Registry) ProviderCall(provider string, ok bool, latency time.Duration, tokens int64) {
	if r == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
		r.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
		if tokens > 0 {
			r.providerTokens.WithLabelValues(provider).Add(float64(tokens))
		}
	}
	r.providerRequests.WithLabelValues(provider, result).Inc()
}
