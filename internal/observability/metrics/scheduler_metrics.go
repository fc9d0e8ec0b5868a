package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Config carries the labels stamped on every scheduler metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	SchedulerJobReasonDeadlineExceeded = "deadline_exceeded"
	SchedulerJobReasonUniqueViolation  = "unique_violation"
	SchedulerJobReasonRecordNotFound   = "record_not_found"
	SchedulerJobReasonBusinessRule     = "business_rule"
	SchedulerJobReasonUnknown          = "unknown"
)

const (
	HealthSignalSuspendedSubscriptions = "suspended_subscriptions"
	HealthSignalOverdueDraftInvoices   = "overdue_draft_invoices"
	HealthSignalTrialsExpiringSoon     = "trials_expiring_soon"
)

// SchedulerMetrics captures billing scheduler health signals.
type SchedulerMetrics struct {
	jobRuns       *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec
	jobTimeouts   *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	rowsProcessed *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	healthSignals *prometheus.GaugeVec

	service string
	env     string
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "uppalcrm_billing"
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}

	factory := promauto.With(registerer)
	constLabels := prometheus.Labels{"service": service, "env": env}

	return &SchedulerMetrics{
		service: service,
		env:     env,
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_scheduler_job_runs_total",
			Help:        "Number of scheduler job invocations.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_scheduler_job_errors_total",
			Help:        "Number of scheduler job errors by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_scheduler_job_timeouts_total",
			Help:        "Number of scheduler jobs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "billing_scheduler_job_duration_seconds",
			Help:        "Scheduler job wall time.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"job"}),
		rowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_scheduler_rows_processed_total",
			Help:        "Rows transitioned or invoiced per job.",
			ConstLabels: constLabels,
		}, []string{"job", "entity"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_subscription_transitions_total",
			Help:        "Subscription status transitions performed by sweeps.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		healthSignals: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "billing_scheduler_health_signal",
			Help:        "Latest health-probe counts for critical subscription states.",
			ConstLabels: constLabels,
		}, []string{"signal"}),
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) AddRowsProcessed(job, entity string, n int) {
	if n <= 0 {
		return
	}
	m.rowsProcessed.WithLabelValues(job, entity).Add(float64(n))
}

func (m *SchedulerMetrics) IncSubscriptionTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *SchedulerMetrics) SetHealthSignal(signal string, value int64) {
	m.healthSignals.WithLabelValues(signal).Set(float64(value))
}

// ClassifySchedulerJobReason maps an error to a bounded reason label.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SchedulerJobReasonUniqueViolation
	case errors.Is(err, gorm.ErrRecordNotFound):
		return SchedulerJobReasonRecordNotFound
	case strings.Contains(err.Error(), "duplicate key"), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}
