// Package jobmetrics holds the Prometheus collectors shared by billing runs,
// the reconciler and the background worker.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carebook"

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics exposes Prometheus collectors for billing runs and background jobs.
type Metrics struct {
	runs             *prometheus.CounterVec
	failures         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	invoices         prometheus.Counter
	invoicedAmount   prometheus.Counter
	clientErrors     prometheus.Counter
	numberCollisions prometheus.Counter
	reconciled       *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors against registerer, or once against the
// process-wide default registerer when registerer is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		return register(registerer)
	}
	defaultOnce.Do(func() {
		defaultMetrics = register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func register(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job executions by job name and status.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failures_total",
			Help:      "Failed job executions by job name.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"job"}),
		invoices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoices_total",
			Help:      "Invoices created by billing runs.",
		}),
		invoicedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoiced_amount_total",
			Help:      "Gross amount invoiced by billing runs.",
		}),
		clientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "client_errors_total",
			Help:      "Clients a billing run could not invoice.",
		}),
		numberCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "invoice_number_collisions_total",
			Help:      "Allocated invoice numbers rejected as duplicates.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "reconciled_total",
			Help:      "Invoiced flags repaired by the reconciler, by record kind.",
		}, []string{"kind"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.invoices,
		m.invoicedAmount, m.clientErrors, m.numberCollisions, m.reconciled)
	return m
}

// Tracker times a single job execution.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing job. It is safe on a nil Metrics.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the outcome and duration and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := statusSuccess
	if err != nil {
		status = statusFailure
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddInvoices counts invoices created by a run.
func (m *Metrics) AddInvoices(count int) {
	if m != nil && count > 0 {
		m.invoices.Add(float64(count))
	}
}

// AddInvoicedAmount adds a run's gross total, at float precision.
func (m *Metrics) AddInvoicedAmount(amount float64) {
	if m != nil && amount > 0 {
		m.invoicedAmount.Add(amount)
	}
}

// AddClientErrors counts clients a run could not invoice.
func (m *Metrics) AddClientErrors(count int) {
	if m != nil && count > 0 {
		m.clientErrors.Add(float64(count))
	}
}

// IncNumberCollision counts one duplicate invoice number.
func (m *Metrics) IncNumberCollision() {
	if m != nil {
		m.numberCollisions.Inc()
	}
}

// AddReconciled counts source records whose invoiced flag was repaired.
func (m *Metrics) AddReconciled(kind string, count int) {
	if m != nil && count > 0 {
		m.reconciled.WithLabelValues(kind).Add(float64(count))
	}
}
