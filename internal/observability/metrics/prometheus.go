// Package metrics provides Prometheus metrics for the medication lifecycle
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	CommandsCreated      prometheus.Counter
	CommandsUpdated      prometheus.Counter
	CommandsDeleted      prometheus.Counter
	WorkflowsFailed      *prometheus.CounterVec
	WorkflowDuration     *prometheus.HistogramVec
	DosesResolved        *prometheus.CounterVec
	MissedDosesDetected  prometheus.Counter
	ScanBatchSize        prometheus.Histogram
	ScanDuration         prometheus.Histogram
	NotificationsQueued  prometheus.Counter
	NotificationOutboxPending prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		CommandsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medication_commands_created_total",
			Help: "Total medication commands created",
		}),
		CommandsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medication_commands_updated_total",
			Help: "Total medication command updates",
		}),
		CommandsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medication_commands_deleted_total",
			Help: "Total medication commands deleted",
		}),
		WorkflowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_workflows_failed_total",
			Help: "Total failed workflows by kind",
		}, []string{"workflow"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medication_workflow_duration_seconds",
			Help:    "Workflow processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"workflow"}),
		DosesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_resolved_total",
			Help: "Dose occurrences resolved by terminal type",
		}, []string{"resolution"}),
		MissedDosesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missed_doses_detected_total",
			Help: "Doses marked missed by the detector",
		}),
		ScanBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "missed_dose_scan_batch_size",
			Help:    "Candidates returned per scan page",
			Buckets: []float64{0, 1, 5, 10, 25, 50},
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "missed_dose_scan_duration_seconds",
			Help:    "Full scan pass duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		NotificationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_queued_total",
			Help: "Notifications written to the outbox",
		}),
		NotificationOutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_outbox_pending_entries",
			Help: "Pending notification outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.CommandsCreated,
		m.CommandsUpdated,
		m.CommandsDeleted,
		m.WorkflowsFailed,
		m.WorkflowDuration,
		m.DosesResolved,
		m.MissedDosesDetected,
		m.ScanBatchSize,
		m.ScanDuration,
		m.NotificationsQueued,
		m.NotificationOutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
