package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for alarmd
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Storage metrics
	NotificationsTotal       prometheus.Counter
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	DBSize                   prometheus.Gauge

	// Registry metrics
	ConnectionsActive    prometheus.Gauge
	ConnectionsOpened    *prometheus.CounterVec
	ConnectionsClosed    *prometheus.CounterVec
	ReplayLookups        *prometheus.CounterVec
	ReplayEntriesEvicted prometheus.Counter
	HeartbeatsSent       prometheus.Counter

	// Dispatcher metrics
	AlarmsDispatched *prometheus.CounterVec
	PushesTotal      *prometheus.CounterVec
	PushDuration     prometheus.Histogram
	FanoutWidth      prometheus.Histogram

	// Subscription metrics
	BacklogSize    prometheus.Histogram
	ReplayedEvents prometheus.Counter
	MarkReadTotal  *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alarmd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	m.APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarmd_api_active_connections",
			Help: "Number of in-flight API requests",
		},
	)

	m.NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarmd_notifications_total",
			Help: "Total number of notifications persisted",
		},
	)

	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alarmd_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.DBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarmd_db_size_bytes",
			Help: "Size of the database in bytes",
		},
	)

	m.ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarmd_connections_active",
			Help: "Number of open subscription connections",
		},
	)

	m.ConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_connections_opened_total",
			Help: "Total number of subscription connections opened",
		},
		[]string{"transport"},
	)

	m.ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_connections_closed_total",
			Help: "Total number of subscription connections closed",
		},
		[]string{"state"}, // completed, timed_out, errored
	)

	m.ReplayLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_replay_lookups_total",
			Help: "Replay cache lookups on reconnect",
		},
		[]string{"outcome"}, // hit, empty, unknown_cursor
	)

	m.ReplayEntriesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarmd_replay_entries_evicted_total",
			Help: "Replay cache entries dropped by size or age",
		},
	)

	m.HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarmd_heartbeats_sent_total",
			Help: "Keep-alive events written to open connections",
		},
	)

	m.AlarmsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_alarms_dispatched_total",
			Help: "Total number of create-and-dispatch calls",
		},
		[]string{"success"},
	)

	m.PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_pushes_total",
			Help: "Per-connection alarm pushes",
		},
		[]string{"result"}, // ok, error, timeout
	)

	m.PushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarmd_push_duration_seconds",
			Help:    "Time spent writing one event to one connection",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 17), // from 0.1ms to ~6.5s
		},
	)

	m.FanoutWidth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarmd_fanout_width",
			Help:    "Number of open connections reached by a single dispatch",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		},
	)

	m.BacklogSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarmd_backlog_size",
			Help:    "Number of notifications sent as backlog on subscribe",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		},
	)

	m.ReplayedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarmd_replayed_events_total",
			Help: "Events resent from the replay cache",
		},
	)

	m.MarkReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_mark_read_total",
			Help: "Mark-read operations",
		},
		[]string{"scope"}, // one, all
	)

	return m
}
