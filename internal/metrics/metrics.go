// Package metrics is the process-wide Prometheus instrumentation hub.
// Every component receives the same *Metrics; a nil *Metrics is valid and
// records nothing, which keeps tests quiet.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's counters, histograms, and gauges.
type Metrics struct {
	registry *prometheus.Registry

	EmailsIngested   prometheus.Counter
	IngestRejected   prometheus.Counter
	IngestDuplicates prometheus.Counter

	PhaseCompleted *prometheus.CounterVec // phase
	PhaseFailed    *prometheus.CounterVec // phase
	PhaseFallback  prometheus.Counter

	PhaseDuration prometheus.ObserverVec // phase
	QueueWait     prometheus.ObserverVec // phase
	Completeness  prometheus.Histogram

	QueueDepth    *prometheus.GaugeVec // phase
	QueueLeased   *prometheus.GaugeVec // phase
	DeadLetters   *prometheus.GaugeVec // phase
	WorkersActive *prometheus.GaugeVec // phase

	LLMCalls     *prometheus.CounterVec // tier, outcome
	LLMRetries   *prometheus.CounterVec // tier
	LLMSalvaged  prometheus.Counter
	LLMCacheHits prometheus.Counter
	LLMCacheMiss prometheus.Counter
	BreakerOpen  *prometheus.GaugeVec   // tier; 1 while open
	TokensUsed   *prometheus.CounterVec // tier
}

// New creates a Metrics hub on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EmailsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_emails_ingested_total",
			Help: "Emails accepted by the ingest port.",
		}),
		IngestRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_ingest_rejected_total",
			Help: "Ingest records rejected by validation.",
		}),
		IngestDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_ingest_duplicates_total",
			Help: "Ingest records skipped as duplicates of a known message id.",
		}),

		PhaseCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emailintel_phase_completed_total",
			Help: "Successful phase completions.",
		}, []string{"phase"}),
		PhaseFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emailintel_phase_failed_total",
			Help: "Phase attempts that ended in failure.",
		}, []string{"phase"}),
		PhaseFallback: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_phase2_fallback_total",
			Help: "Phase 2 completions served by the rule-derived fallback.",
		}),

		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emailintel_phase_duration_seconds",
			Help:    "Wall-clock duration of phase processing.",
			Buckets: []float64{.05, .25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"phase"}),
		QueueWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emailintel_queue_wait_seconds",
			Help:    "Time jobs spent queued before being leased.",
			Buckets: []float64{.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"phase"}),
		Completeness: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "emailintel_chain_completeness",
			Help:    "Distribution of chain completeness scores at refresh time.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailintel_queue_depth",
			Help: "Ready jobs per phase stream.",
		}, []string{"phase"}),
		QueueLeased: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailintel_queue_leased",
			Help: "Leased (in-flight) jobs per phase stream.",
		}, []string{"phase"}),
		DeadLetters: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailintel_queue_dead_letters",
			Help: "Jobs parked in the dead letter stream.",
		}, []string{"phase"}),
		WorkersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailintel_workers_active",
			Help: "Workers currently processing a job.",
		}, []string{"phase"}),

		LLMCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emailintel_llm_calls_total",
			Help: "LLM invocations by tier and outcome.",
		}, []string{"tier", "outcome"}),
		LLMRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emailintel_llm_retries_total",
			Help: "JSON-only retry prompts sent after a rejected response.",
		}, []string{"tier"}),
		LLMSalvaged: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_llm_salvaged_total",
			Help: "Responses that needed salvage repairs before parsing.",
		}),
		LLMCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_llm_cache_hits_total",
			Help: "LLM calls served from the content-addressed cache.",
		}),
		LLMCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "emailintel_llm_cache_misses_total",
			Help: "LLM calls that reached the runtime.",
		}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailintel_llm_breaker_open",
			Help: "1 while the tier's circuit breaker is open.",
		}, []string{"tier"}),
		TokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "emailintel_llm_tokens_total",
			Help: "Tokens consumed per model tier.",
		}, []string{"tier"}),
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Safe accessors so components can hold a nil *Metrics in tests.

// ObservePhase records one phase attempt.
func (m *Metrics) ObservePhase(phase string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
	if failed {
		m.PhaseFailed.WithLabelValues(phase).Inc()
	} else {
		m.PhaseCompleted.WithLabelValues(phase).Inc()
	}
}

// ObserveQueueWait records how long a job waited before its lease.
func (m *Metrics) ObserveQueueWait(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.QueueWait.WithLabelValues(phase).Observe(seconds)
}

// ObserveCompleteness records a chain completeness score.
func (m *Metrics) ObserveCompleteness(score float64) {
	if m == nil {
		return
	}
	m.Completeness.Observe(score)
}

// SetQueueGauges updates the per-phase stream gauges.
func (m *Metrics) SetQueueGauges(phase string, depth, leased, dead int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(phase).Set(float64(depth))
	m.QueueLeased.WithLabelValues(phase).Set(float64(leased))
	m.DeadLetters.WithLabelValues(phase).Set(float64(dead))
}

// WorkerActive tracks a worker entering or leaving job processing.
func (m *Metrics) WorkerActive(phase string, delta float64) {
	if m == nil {
		return
	}
	m.WorkersActive.WithLabelValues(phase).Add(delta)
}

// SetBreakerOpen flags a tier's breaker state.
func (m *Metrics) SetBreakerOpen(tier string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(tier).Set(v)
}

// CountIngest records an ingest outcome.
func (m *Metrics) CountIngest(created bool) {
	if m == nil {
		return
	}
	if created {
		m.EmailsIngested.Inc()
	} else {
		m.IngestDuplicates.Inc()
	}
}

// CountLLM records one LLM invocation outcome ("ok", "error", "circuit_open").
func (m *Metrics) CountLLM(tier, outcome string) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(tier, outcome).Inc()
}

// CountRetry records a JSON-only retry prompt.
func (m *Metrics) CountRetry(tier string) {
	if m == nil {
		return
	}
	m.LLMRetries.WithLabelValues(tier).Inc()
}

// CountSalvaged records a response that needed repairs before parsing.
func (m *Metrics) CountSalvaged() {
	if m == nil {
		return
	}
	m.LLMSalvaged.Inc()
}

// CountCache records an LLM cache lookup outcome.
func (m *Metrics) CountCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.LLMCacheHits.Inc()
	} else {
		m.LLMCacheMiss.Inc()
	}
}

// CountRejected records an ingest record rejected by validation.
func (m *Metrics) CountRejected() {
	if m == nil {
		return
	}
	m.IngestRejected.Inc()
}

// CountTokens records model token usage.
func (m *Metrics) CountTokens(tier string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensUsed.WithLabelValues(tier).Add(float64(tokens))
}

// CountFallback records a Phase 2 fallback completion.
func (m *Metrics) CountFallback() {
	if m == nil {
		return
	}
	m.PhaseFallback.Inc()
}
