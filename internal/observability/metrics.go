// Package observability exposes the Prometheus metric catalogue for the
// scraper orchestration core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of waiting queue entries.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapecore_queue_depth",
		Help: "Current number of sessions waiting for admission",
	})

	// ActiveSessions tracks whether a session is currently running (0 or 1).
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapecore_active_sessions",
		Help: "Whether a session is currently in status=running (0 or 1)",
	})

	// RetryQueueDepth tracks non-exhausted retry items per session.
	RetryQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrapecore_retry_queue_depth",
		Help: "Current number of non-exhausted retry items",
	}, []string{"session_id", "type"})

	// NavigationTimeouts tracks navigations that exhausted all retries.
	NavigationTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_navigation_timeouts_total",
		Help: "Navigations that exhausted all retries",
	}, []string{"session_id"})

	// NavigationDuration tracks successful navigation durations.
	NavigationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapecore_navigation_duration_seconds",
		Help:    "Duration of successful navigations",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// AdaptiveTimeoutSeconds tracks the current adaptive navigation timeout.
	AdaptiveTimeoutSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrapecore_adaptive_timeout_seconds",
		Help: "Current adaptive navigation timeout per session",
	}, []string{"session_id"})

	// BatchOutcomes tracks carrier-lookup batch outcomes.
	BatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_batch_outcomes_total",
		Help: "Carrier-lookup batch outcomes by result",
	}, []string{"result"}) // resolved, unknown, captcha, transient

	// BatchSize tracks the current adaptive batch size.
	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapecore_batch_size",
		Help: "Current adaptive carrier-lookup batch size",
	})

	// CacheHits and CacheMisses track provider cache hits vs misses.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrapecore_cache_hits_total",
		Help: "Total provider cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrapecore_cache_misses_total",
		Help: "Total provider cache misses",
	})

	// BusinessRecordsEmitted tracks deduplicated business records emitted.
	BusinessRecordsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_business_records_emitted_total",
		Help: "Total deduplicated business records emitted",
	}, []string{"session_id"})

	// WorkerPoolSize tracks the current number of active Browser Workers.
	WorkerPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrapecore_worker_pool_size",
		Help: "Current number of active Browser Workers per session",
	}, []string{"session_id"})

	// WorkerMemoryBytes tracks per-worker reported memory usage.
	WorkerMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scrapecore_worker_memory_bytes",
		Help: "Most recently reported memory usage of a Browser Worker",
	}, []string{"session_id", "worker_id"})

	// WorkerRespawns tracks worker driver respawns, after a memory soft-cap
	// breach or an unrecoverable assignment failure.
	WorkerRespawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_worker_respawns_total",
		Help: "Browser Worker drivers released for a fresh one, after exceeding the memory soft cap or an unrecoverable failure",
	}, []string{"session_id"})

	// SessionTransitions tracks session lifecycle transitions.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_session_transitions_total",
		Help: "Total session lifecycle transitions",
	}, []string{"from", "to"})

	// SchedulingDecisions tracks orchestrator dispatch/quarantine decisions.
	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_scheduling_decisions_total",
		Help: "Total scheduling decisions made by the orchestrator",
	}, []string{"decision", "reason"})

	// CheckpointWrites tracks checkpoint persistence calls.
	CheckpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_checkpoint_writes_total",
		Help: "Total checkpoint writes",
	}, []string{"session_id", "trigger"}) // town_boundary, interval, pre_pause

	// EventPublishFailures tracks dropped event-bus deliveries.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapecore_event_publish_failures_total",
		Help: "Events dropped because a subscriber's buffer was full",
	}, []string{"event_type"})
)
