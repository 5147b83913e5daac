// Package metrics exposes the worker's Prometheus instrumentation. All
// metrics hang off one registry so tests can assert against an isolated
// instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the worker records.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal       prometheus.Counter
	CycleDuration     prometheus.Histogram
	ReposScheduled    prometheus.Gauge
	RepoFailures      *prometheus.CounterVec
	APICalls          *prometheus.CounterVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	RateLimitWaits    prometheus.Counter
	EventsPublished   *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	LLMTokens         *prometheus.CounterVec
	LLMCostUSD        prometheus.Counter
	FixAttempts       *prometheus.CounterVec
	ReviewsCompleted  *prometheus.CounterVec
	NotificationsSent prometheus.Counter
}

// New creates a Metrics set on a fresh registry, with the standard Go and
// process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_cycles_total",
			Help: "Completed discovery cycles.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prwarden_cycle_duration_seconds",
			Help:    "Wall time of one discovery cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ReposScheduled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prwarden_repos_scheduled",
			Help: "Repositories scheduled in the most recent cycle.",
		}),
		RepoFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_repo_failures_total",
			Help: "Per-repository discovery failures.",
		}, []string{"repository"}),
		APICalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_hosting_api_calls_total",
			Help: "Hosting API calls by outcome.",
		}, []string{"outcome"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_response_cache_hits_total",
			Help: "Conditional-request cache hits (304 revalidations).",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_response_cache_misses_total",
			Help: "Conditional-request cache misses.",
		}),
		RateLimitWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_rate_limit_waits_total",
			Help: "Times a hosting API call blocked on the rate limiter.",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_events_published_total",
			Help: "Events published by type.",
		}, []string{"type"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_events_delivered_total",
			Help: "Events delivered to handlers, by type and outcome.",
		}, []string{"type", "outcome"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_pipeline_transitions_total",
			Help: "Pipeline state transitions by target state.",
		}, []string{"to"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_llm_tokens_total",
			Help: "Model tokens consumed, by model and direction.",
		}, []string{"model", "direction"}),
		LLMCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_llm_cost_usd_total",
			Help: "Estimated model spend in USD.",
		}),
		FixAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_fix_attempts_total",
			Help: "Fix attempts by final status.",
		}, []string{"status"}),
		ReviewsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prwarden_reviews_total",
			Help: "Reviewer passes by reviewer type and status.",
		}, []string{"reviewer", "status"}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "prwarden_notifications_sent_total",
			Help: "Notifications delivered to Slack.",
		}),
	}
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
