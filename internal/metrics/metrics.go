// Package metrics provides Prometheus metrics for the chassis kernel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "chassis"
)

// Module lifecycle metrics.
var (
	// ModulesLoaded is the number of modules that completed loading, by
	// final state (ready, degraded, failed).
	ModulesLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "modules_loaded",
		Help:      "Number of loaded modules by state",
	}, []string{"state"})

	// ServicesRegistered is the number of services in the container.
	ServicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "services_registered",
		Help:      "Number of services registered in the container",
	})

	// Phase2Operations counts phase-2 operation outcomes.
	Phase2Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phase2_operations_total",
		Help:      "Phase-2 operation outcomes",
	}, []string{"outcome"})
)

// Scheduler metrics.
var (
	// SchedulerFires counts event dispatches by outcome.
	SchedulerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_fires_total",
		Help:      "Scheduled event dispatches by outcome",
	}, []string{"outcome"})

	// SchedulerMissedFires counts fires skipped because the event was
	// still running or the in-flight limit was reached.
	SchedulerMissedFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_missed_fires_total",
		Help:      "Scheduled fires skipped due to overlap or saturation",
	})

	// SchedulerInFlight is the number of currently executing events.
	SchedulerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_in_flight",
		Help:      "Number of scheduled events currently executing",
	})

	// SchedulerExecutionSeconds observes event execution duration.
	SchedulerExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_execution_seconds",
		Help:      "Scheduled event execution duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	// SchedulerRecoveredEvents counts events recovered after a crash.
	SchedulerRecoveredEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_recovered_events_total",
		Help:      "Events found stuck RUNNING at startup and recovered",
	})
)

// Housekeeper metrics.
var (
	// HousekeeperFilesDeleted counts files deleted by cleanup runs.
	HousekeeperFilesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "housekeeper_files_deleted_total",
		Help:      "Files deleted by housekeeper cleanup runs",
	})

	// HousekeeperBytesReclaimed counts bytes reclaimed by cleanup runs.
	HousekeeperBytesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "housekeeper_bytes_reclaimed_total",
		Help:      "Bytes reclaimed by housekeeper cleanup runs",
	})
)

// Settings metrics.
var (
	// SettingsResolutions counts settings resolutions by module.
	SettingsResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settings_resolutions_total",
		Help:      "Settings resolutions by module",
	}, []string{"module"})
)

// Event bus metrics.
var (
	// EventBusDroppedEvents counts events dropped due to full buffers.
	EventBusDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_bus_dropped_events_total",
		Help:      "Events dropped because a subscriber buffer was full",
	}, []string{"event_type"})
)

// HTTP metrics.
var (
	// HTTPRequests counts HTTP requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status class",
	}, []string{"route", "status"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
