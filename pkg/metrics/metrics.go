package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_instances_total",
			Help: "Number of tracked instances by status",
		},
		[]string{"status"},
	)

	InstancesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_instances_created_total",
			Help: "Total number of instance create requests accepted",
		},
	)

	InstanceTimeToReady = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nimbus_instance_time_to_ready_seconds",
			Help:    "Time from create request to READY in seconds",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Job engine metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by type",
		},
		[]string{"type"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_jobs_completed_total",
			Help: "Total number of jobs finished by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_jobs_retried_total",
			Help: "Total number of job retry attempts by type",
		},
		[]string{"type"},
	)

	JobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_jobs_pending",
			Help: "Number of jobs waiting for dispatch",
		},
	)

	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_jobs_processing",
			Help: "Number of jobs currently being processed",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_job_duration_seconds",
			Help:    "Job handler duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Provider client metrics
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_provider_requests_total",
			Help: "Total provider API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_provider_request_duration_seconds",
			Help:    "Provider API request duration in seconds by endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_circuit_breaker_state",
			Help: "Circuit breaker state by endpoint (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"endpoint"},
	)

	RateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_rate_limit_waits_total",
			Help: "Total number of provider requests delayed by the rate limiter",
		},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_cache_hits_total",
			Help: "Total cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_cache_misses_total",
			Help: "Total cache misses by cache name",
		},
		[]string{"cache"},
	)

	CacheSets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_cache_sets_total",
			Help: "Total cache writes by cache name",
		},
		[]string{"cache"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_cache_evictions_total",
			Help: "Total cache evictions by cache name",
		},
		[]string{"cache"},
	)

	// Event broker metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_events_dropped_total",
			Help: "Total events dropped because a subscriber buffer was full",
		},
	)

	// Webhook metrics
	WebhooksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_webhooks_sent_total",
			Help: "Total webhook deliveries by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	// Health check metrics
	HealthChecksRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_health_checks_total",
			Help: "Total instance health check runs by result",
		},
		[]string{"result"},
	)

	// Migration metrics
	MigrationRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_migration_runs_total",
			Help: "Total migration scheduler runs",
		},
	)

	MigrationsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_migrations_total",
			Help: "Total instance migrations by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_http_requests_total",
			Help: "Total API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstancesCreated)
	prometheus.MustRegister(InstanceTimeToReady)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsPending)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ProviderRequests)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(RateLimitWaits)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheSets)
	prometheus.MustRegister(CacheEvictions)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(WebhooksSent)
	prometheus.MustRegister(HealthChecksRun)
	prometheus.MustRegister(MigrationRuns)
	prometheus.MustRegister(MigrationsTriggered)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
