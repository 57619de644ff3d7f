package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "sbtransport"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"
	// StatusDropped is used for publishes to topics that do not exist.
	StatusDropped = "dropped"

	Outbound     = "outbound"
	Inbound      = "inbound"
	Lease        = "lease"
	ControlPlane = "control_plane"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple endpoints.
type Labels struct {
	Endpoint      string // Input queue of the endpoint (empty for one-way clients)
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "westeurope", "eastus")
	CloudProvider string // Cloud provider (e.g., "azure")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Endpoint != "" {
		labels["endpoint"] = l.Endpoint
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Outbound dispatch
	messagesSent     *prometheus.CounterVec // by kind (queue/topic), status
	batchesSent      *prometheus.CounterVec // by kind, status
	dispatchDuration prometheus.Histogram
	outboxSize       prometheus.Histogram

	// Inbound
	messagesReceived prometheus.Counter
	emptyReceives    prometheus.Counter
	settlements      *prometheus.CounterVec // by outcome (complete/abandon), status
	messagesInFlight prometheus.Gauge

	// Lease renewal
	lockRenewals     *prometheus.CounterVec // by status
	renewalsInFlight prometheus.Gauge

	// Control plane
	adminCalls    *prometheus.CounterVec   // by operation, status
	adminDuration *prometheus.HistogramVec // by operation
	retries       *prometheus.CounterVec   // by operation

	errors *prometheus.CounterVec // by kind
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., endpoint), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Outbound,
			Name:      "messages_total",
			Help:      "Total outgoing messages by destination kind and status",
		}, []string{"kind", "status"}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Outbound,
			Name:      "batches_total",
			Help:      "Total send batch calls by destination kind and status",
		}, []string{"kind", "status"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Outbound,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to dispatch an outbox on commit",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		outboxSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Outbound,
			Name:      "outbox_size",
			Help:      "Number of messages in an outbox at commit",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Inbound,
			Name:      "messages_total",
			Help:      "Total messages received in peek-lock mode",
		}),
		emptyReceives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Inbound,
			Name:      "empty_receives_total",
			Help:      "Total receive calls that returned no message",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Inbound,
			Name:      "settlements_total",
			Help:      "Total message settlements by outcome and status",
		}, []string{"outcome", "status"}),
		messagesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Inbound,
			Name:      "in_flight",
			Help:      "Number of received messages not yet settled or disposed",
		}),
		lockRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Lease,
			Name:      "renewals_total",
			Help:      "Total lock renewal attempts by status",
		}, []string{"status"}),
		renewalsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Lease,
			Name:      "renewal_tasks",
			Help:      "Number of scheduled lock renewal tasks",
		}),
		adminCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ControlPlane,
			Name:      "calls_total",
			Help:      "Total control plane calls by operation and status",
		}, []string{"operation", "status"}),
		adminDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: ControlPlane,
			Name:      "duration_seconds",
			Help:      "Control plane call duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ControlPlane,
			Name:      "retries_total",
			Help:      "Total retried control plane operations",
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by fault kind",
		}, []string{"kind"}),
	}

	err := errors.Join(
		reg.Register(m.messagesSent),
		reg.Register(m.batchesSent),
		reg.Register(m.dispatchDuration),
		reg.Register(m.outboxSize),
		reg.Register(m.messagesReceived),
		reg.Register(m.emptyReceives),
		reg.Register(m.settlements),
		reg.Register(m.messagesInFlight),
		reg.Register(m.lockRenewals),
		reg.Register(m.renewalsInFlight),
		reg.Register(m.adminCalls),
		reg.Register(m.adminDuration),
		reg.Register(m.retries),
		reg.Register(m.errors),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// IncError increments the error counter for the given fault kind.
func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// RecordBatch records one send batch call of count messages.
func (m *Metrics) RecordBatch(kind string, count int, err error) {
	if m == nil {
		return
	}
	s := status(err)
	m.batchesSent.WithLabelValues(kind, s).Inc()
	m.messagesSent.WithLabelValues(kind, s).Add(float64(count))
}

// RecordDropped records messages dropped because their topic does not exist.
func (m *Metrics) RecordDropped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.messagesSent.WithLabelValues("topic", StatusDropped).Add(float64(count))
}

// ObserveDispatch records an outbox dispatch on commit.
func (m *Metrics) ObserveDispatch(size int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.outboxSize.Observe(float64(size))
	m.dispatchDuration.Observe(durationSeconds)
}

// RecordReceive records the outcome of a receive call.
func (m *Metrics) RecordReceive(received bool) {
	if m == nil {
		return
	}
	if received {
		m.messagesReceived.Inc()
		m.messagesInFlight.Inc()
		return
	}
	m.emptyReceives.Inc()
}

// RecordSettlement records a complete or abandon call.
func (m *Metrics) RecordSettlement(outcome string, err error) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome, status(err)).Inc()
}

// DecMessagesInFlight is called once a received message is disposed.
func (m *Metrics) DecMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Dec()
}

// RecordLockRenewal records a lock renewal attempt.
func (m *Metrics) RecordLockRenewal(err error) {
	if m == nil {
		return
	}
	m.lockRenewals.WithLabelValues(status(err)).Inc()
}

// IncRenewalTasks increments the scheduled renewal task gauge.
func (m *Metrics) IncRenewalTasks() {
	if m == nil {
		return
	}
	m.renewalsInFlight.Inc()
}

// DecRenewalTasks decrements the scheduled renewal task gauge.
func (m *Metrics) DecRenewalTasks() {
	if m == nil {
		return
	}
	m.renewalsInFlight.Dec()
}

// RecordAdminCall records a control plane call outcome.
func (m *Metrics) RecordAdminCall(operation string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.adminCalls.WithLabelValues(operation, status(err)).Inc()
	m.adminDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// IncRetry records a retried control plane operation.
func (m *Metrics) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}
