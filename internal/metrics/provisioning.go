// Package metrics holds the prometheus collectors of the provisioning pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "device_provisioning"

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"

	BatchCommitted = "committed"
	BatchFailed    = "failed"

	JobCompleted = "completed"
	JobAborted   = "aborted"
	JobRejected  = "rejected"
)

// Provisioning collects job, batch and device signals.
type Provisioning struct {
	devices        *prometheus.CounterVec
	batches        *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	batchDuration  prometheus.Histogram
	deviceDuration prometheus.Histogram
	persistRetries prometheus.Counter
}

// NewProvisioning registers the collectors on registerer. A nil registerer
// falls back to the default one.
func NewProvisioning(registerer prometheus.Registerer) *Provisioning {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Provisioning{
		devices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_total",
			Help:      "Devices processed, by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches handled, by persistence result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Bulk jobs, by terminal result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from first device call to batch commit.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		deviceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_call_duration_seconds",
			Help:      "Latency of a single external provisioning call.",
			Buckets:   prometheus.DefBuckets,
		}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_persist_retries_total",
			Help:      "Batch transactions retried after a failure.",
		}),
	}

	registerer.MustRegister(
		m.devices,
		m.batches,
		m.jobs,
		m.batchDuration,
		m.deviceDuration,
		m.persistRetries,
	)
	return m
}

// ObserveDevice records one device call.
func (m *Provisioning) ObserveDevice(success bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeFailed
	if success {
		outcome = OutcomeSuccess
	}
	m.devices.WithLabelValues(outcome).Inc()
	m.deviceDuration.Observe(took.Seconds())
}

// ObserveBatch records a batch's persistence result.
func (m *Provisioning) ObserveBatch(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
	m.batchDuration.Observe(took.Seconds())
}

// ObserveJob records how a job ended.
func (m *Provisioning) ObserveJob(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
}

// ObservePersistRetry records a retried batch transaction.
func (m *Provisioning) ObservePersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}
