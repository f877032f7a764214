package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeJobs = "jobs"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeJobFound    = "job_found"
	OutcomeIdle        = "idle"
	OutcomeCircuitOpen = "circuit_open"

	// HTTP endpoints
	EndpointOAuthStart      = "oauth_start"
	EndpointOAuthCallback   = "oauth_callback"
	EndpointGarminActivity  = "webhook_garmin_activities"
	EndpointGarminDereg     = "webhook_garmin_deregistrations"
	EndpointGarminPerms     = "webhook_garmin_permissions"
	EndpointWhoopWebhook    = "webhook_whoop"
	EndpointStravaWebhook   = "webhook_strava"
	EndpointBackfillTrigger = "backfill_trigger"
	EndpointImportStatus    = "import_status"
	EndpointHealth          = "health"

	// Provider API operations
	OpExchangeCode       = "exchange_code"
	OpRefreshToken       = "refresh_token"
	OpGetUser            = "get_user"
	OpGetActivity        = "get_activity"
	OpListActivities     = "list_activities"
	OpBackfillChunk      = "backfill_chunk"
	OpCallback           = "callback_fetch"
	OpCreateSubscription = "create_subscription"
	OpDeleteSubscription = "delete_subscription"
	OpListSubscriptions  = "list_subscriptions"

	// Rate limit types
	RateLimitOverall15Min = "overall_15min"
	RateLimitOverallDaily = "overall_daily"

	// Rate limit buckets
	BucketLimit = "limit"
	BucketUsage = "usage"

	// Token refresh outcomes
	RefreshSuccess       = "success"
	RefreshFailed        = "failed"
	RefreshMissingConfig = "config_missing"
	RefreshNoToken       = "missing_refresh_token"

	// Single-flight events
	FlightLeader = "leader"
	FlightJoined = "joined"
	FlightStale  = "stale_discarded"
	FlightSwept  = "swept"

	// Lock outcomes
	LockAcquired = "acquired"
	LockHeld     = "held"
	LockDegraded = "degraded"

	// Backfill chunk outcomes
	ChunkAccepted      = "accepted"
	ChunkDuplicate     = "duplicate"
	ChunkRangeRejected = "range_rejected"
	ChunkError         = "error"

	// Ingestion outcomes
	IngestCreated   = "created"
	IngestUpdated   = "updated"
	IngestDuplicate = "duplicate"
	IngestFiltered  = "filtered"
	IngestFailed    = "failed"

	// Database operations
	DBOpGetToken                = "get_token"
	DBOpUpsertToken             = "upsert_token"
	DBOpUpdateTokenAfterRefresh = "update_token_after_refresh"
	DBOpDeleteToken             = "delete_token"
	DBOpUpsertUserAccount       = "upsert_user_account"
	DBOpResolveUserAccount      = "resolve_user_account"
	DBOpGetBackfillRequest      = "get_backfill_request"
	DBOpPrepareBackfillRequest  = "prepare_backfill_request"
	DBOpUpdateBackfillStatus    = "update_backfill_status"
	DBOpIncrementRidesFound     = "increment_rides_found"
	DBOpStartImportSession      = "start_import_session"
	DBOpCompleteImportSession   = "complete_import_session"
	DBOpRecordSessionActivity   = "record_session_activity"
	DBOpGetImportSession        = "get_import_session"
	DBOpUpsertRide              = "upsert_ride"
	DBOpListRidesNear           = "list_rides_near"
	DBOpDeleteRide              = "delete_ride"
	DBOpRecordDuplicateSkip     = "record_duplicate_skip"
	DBOpEnqueueJob              = "enqueue_job"
	DBOpClaimJob                = "claim_job"
	DBOpDeleteJob               = "delete_job"
	DBOpReleaseJob              = "release_job"
	DBOpAcquireLock             = "acquire_lock"
	DBOpReleaseLock             = "release_lock"
	DBOpGetCircuitBreakerState  = "get_circuit_breaker_state"
	DBOpOpenCircuitBreaker      = "open_circuit_breaker"
	DBOpTransitionCircuit       = "transition_circuit_breaker"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueDepthProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_processing",
			Help: "Number of items currently being processed",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type", "job_name"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"job_name", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"job_name", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"job_name", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Number of worker poll loops currently running",
		},
	)
)

// Provider API Metrics
var (
	ProviderAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_requests_total",
			Help: "Total number of provider API requests",
		},
		[]string{"provider", "operation", "status_code"},
	)

	ProviderAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_api_request_duration_seconds",
			Help:    "Provider API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	ProviderRateLimitUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_rate_limit_usage",
			Help: "Provider API rate limit usage as reported by response headers",
		},
		[]string{"provider", "limit_type", "bucket"},
	)
)

// Token Metrics
var (
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Token refresh attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokenFlightEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_flight_events_total",
			Help: "Single-flight coordinator events (leader, joined, stale_discarded, swept)",
		},
		[]string{"event"},
	)

	TokenFlightPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "token_refresh_flight_pending",
			Help: "Refresh handles currently pending in this process",
		},
	)
)

// Lock Metrics
var (
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_total",
			Help: "Lock acquisition attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	LockStoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_store_degraded",
			Help: "1 when the last lock acquisition failed open because the lock store was unavailable",
		},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	BackfillChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_chunks_total",
			Help: "Backfill chunk requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	BackfillRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_runs_total",
			Help: "Backfill runs by provider and resulting status",
		},
		[]string{"provider", "status"},
	)

	RidesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_ingested_total",
			Help: "Activity notifications processed by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	WebhookNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Webhook notifications received by provider and kind",
		},
		[]string{"provider", "kind"},
	)

	ImportSessionsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_sessions_completed_total",
			Help: "Import sessions completed by provider",
		},
		[]string{"provider"},
	)
)

// Circuit Breaker Metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	CircuitBreakerOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opened_total",
			Help: "Total number of times circuit breaker opened due to rate limits",
		},
		[]string{"provider"},
	)

	CircuitBreakerRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_recovered_total",
			Help: "Total number of times circuit breaker recovered to closed state",
		},
		[]string{"provider"},
	)
)
