package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTPRequestDuration tracks request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipshield_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint"},
	)

	// BlockChecksTotal counts IsBlocked calls by outcome
	BlockChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_block_checks_total",
			Help: "Total number of block checks",
		},
		[]string{"result"}, // blocked, allowed, error
	)

	// BlockCheckDuration tracks IsBlocked latency
	BlockCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ipshield_block_check_duration_milliseconds",
			Help:    "Block check duration in milliseconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		},
	)

	// ViolationsTotal counts reported violations
	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_violations_total",
			Help: "Total violation events reported",
		},
		[]string{"type", "blocked"},
	)

	// BlocksTotal counts upserts into the threat store
	BlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_blocks_total",
			Help: "Total blocks applied by reason and severity",
		},
		[]string{"reason", "severity"},
	)

	// EscalationsTotal counts blocks applied at escalated severity
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_escalations_total",
			Help: "Total escalated blocks by rule",
		},
		[]string{"rule"},
	)

	// UnblocksTotal counts manual unblocks
	UnblocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipshield_unblocks_total",
			Help: "Total manual unblocks",
		},
	)

	// ReputationEvaluations counts reputation evaluations
	ReputationEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_reputation_evaluations_total",
			Help: "Total reputation evaluations",
		},
		[]string{"cached", "should_block"},
	)

	// ReputationSourceResults counts per-source outcomes
	ReputationSourceResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_reputation_source_results_total",
			Help: "Reputation source outcomes",
		},
		[]string{"source", "result"}, // ok, no_data, error, timeout
	)

	// ReputationScoreDistribution tracks aggregate trust scores
	ReputationScoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ipshield_reputation_score_distribution",
			Help:    "Distribution of aggregate reputation scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// GeoEvaluations counts geo-threat evaluations
	GeoEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_geo_evaluations_total",
			Help: "Total geo-threat evaluations",
		},
		[]string{"should_block"},
	)

	// GeoIPLookups counts GeoIP lookups
	GeoIPLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_geoip_lookups_total",
			Help: "Total GeoIP lookups",
		},
		[]string{"result"},
	)

	// CacheOperations counts reputation cache operations
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_cache_operations_total",
			Help: "Total cache operations",
		},
		[]string{"operation", "result"},
	)

	// SchedulerRuns counts background task runs
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipshield_scheduler_runs_total",
			Help: "Total scheduled task runs",
		},
		[]string{"task", "result"},
	)

	// SchedulerTaskDuration tracks background task duration
	SchedulerTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipshield_scheduler_task_duration_seconds",
			Help:    "Scheduled task duration in seconds",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"task"},
	)

	// ActiveEntries tracks effective block entries
	ActiveEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipshield_active_entries",
			Help: "Number of effective block entries",
		},
	)

	// SystemInfo provides system information
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ipshield_system_info",
			Help: "System information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordBlockCheck records an IsBlocked outcome
func RecordBlockCheck(result string, durationMs float64) {
	BlockChecksTotal.WithLabelValues(result).Inc()
	BlockCheckDuration.Observe(durationMs)
}

// RecordViolation records a reported violation
func RecordViolation(eventType string, blocked bool) {
	ViolationsTotal.WithLabelValues(eventType, strconv.FormatBool(blocked)).Inc()
}

// RecordBlock records a block applied to the threat store
func RecordBlock(reason, severity string) {
	BlocksTotal.WithLabelValues(reason, severity).Inc()
}

// RecordEscalation records an escalated block
func RecordEscalation(ruleID string) {
	EscalationsTotal.WithLabelValues(ruleID).Inc()
}

// RecordReputationEvaluation records a reputation evaluation
func RecordReputationEvaluation(cached, shouldBlock bool, score float64) {
	ReputationEvaluations.WithLabelValues(strconv.FormatBool(cached), strconv.FormatBool(shouldBlock)).Inc()
	ReputationScoreDistribution.Observe(score)
}

// RecordReputationSource records a reputation source outcome
func RecordReputationSource(source, result string) {
	ReputationSourceResults.WithLabelValues(source, result).Inc()
}

// RecordGeoEvaluation records a geo-threat evaluation
func RecordGeoEvaluation(shouldBlock bool) {
	GeoEvaluations.WithLabelValues(strconv.FormatBool(shouldBlock)).Inc()
}

// RecordGeoIPLookup records a GeoIP lookup
func RecordGeoIPLookup(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	GeoIPLookups.WithLabelValues(result).Inc()
}

// RecordCacheOperation records a cache operation
func RecordCacheOperation(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheOperations.WithLabelValues(operation, result).Inc()
}

// RecordSchedulerRun records a background task run
func RecordSchedulerRun(task string, err error, durationSec float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	SchedulerRuns.WithLabelValues(task, result).Inc()
	SchedulerTaskDuration.WithLabelValues(task).Observe(durationSec)
}
