// Package metrics implements C11: the process-wide Prometheus counters and
// gauges the scheduler updates once per update_slots tick (spec §4.4 step
// 10) and the /metrics endpoint serves verbatim.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every series this server exposes. All fields are safe
// for concurrent use (prometheus client types are themselves goroutine
// safe); callers don't need external locking.
type Metrics struct {
	TokensProcessedTotal prometheus.Counter
	TokensPredictedTotal prometheus.Counter
	DecodeCallsTotal     prometheus.Counter
	PromptCacheHitsTotal prometheus.Counter
	PromptCacheMissTotal prometheus.Counter

	// DraftTokensTotal/DraftTokensAcceptedTotal track the speculative-decoding
	// collaborator (spec §4.4 step 8): how many draft tokens were proposed
	// and how many of those survived verification against the main backend.
	DraftTokensTotal         prometheus.Counter
	DraftTokensAcceptedTotal prometheus.Counter

	SlotsTotal prometheus.Gauge
	SlotsBusy  prometheus.Gauge

	TokensProcessedRate prometheus.Gauge
	TokensPredictedRate prometheus.Gauge

	RequestDuration prometheus.Histogram
}

// New registers and returns a Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test packages.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_tokens_processed_total",
			Help: "Total number of prompt tokens processed (decoded with logits discarded or kept).",
		}),
		TokensPredictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_tokens_predicted_total",
			Help: "Total number of tokens sampled and emitted to clients.",
		}),
		DecodeCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_decode_calls_total",
			Help: "Total number of backend Decode invocations, including retries.",
		}),
		PromptCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_prompt_cache_hits_total",
			Help: "Total number of prompt cache Load calls that found a usable entry.",
		}),
		PromptCacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_prompt_cache_misses_total",
			Help: "Total number of prompt cache Load calls that found no usable entry.",
		}),
		DraftTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_draft_tokens_total",
			Help: "Total number of speculative draft tokens proposed for verification.",
		}),
		DraftTokensAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamaserve_draft_tokens_accepted_total",
			Help: "Total number of speculative draft tokens that matched the main backend's own sample and were kept.",
		}),
		SlotsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llamaserve_slots_total",
			Help: "Configured number of parallel generation slots.",
		}),
		SlotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llamaserve_slots_busy",
			Help: "Number of slots currently not Idle.",
		}),
		TokensProcessedRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llamaserve_tokens_processed_per_second",
			Help: "Windowed prompt-processing throughput.",
		}),
		TokensPredictedRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llamaserve_tokens_predicted_per_second",
			Help: "Windowed generation throughput.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llamaserve_request_duration_seconds",
			Help:    "End-to-end duration of a completion request.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TokensProcessedTotal, m.TokensPredictedTotal, m.DecodeCallsTotal,
		m.PromptCacheHitsTotal, m.PromptCacheMissTotal,
		m.DraftTokensTotal, m.DraftTokensAcceptedTotal,
		m.SlotsTotal, m.SlotsBusy,
		m.TokensProcessedRate, m.TokensPredictedRate,
		m.RequestDuration,
	)

	return m
}
