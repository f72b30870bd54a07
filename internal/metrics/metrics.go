// Package metrics exposes the prometheus collectors of the consumer, the
// workflow engine and the deployment store.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "deployq"

	LabelMethod  = "method"
	LabelSuccess = "success"
	LabelOutcome = "outcome"
	LabelStep    = "step"
)

type Metrics struct {
	messages      *prometheus.CounterVec
	batchDuration prometheus.Histogram
	batchSize     prometheus.Histogram
	stepDuration  *prometheus.HistogramVec
	storeDuration *prometheus.HistogramVec
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Messages settled by the consumer, by outcome.",
		}, []string{LabelOutcome}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "batch_duration_seconds",
			Help:      "Time taken to process one received batch.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "batch_size",
			Help:      "Number of messages per received batch.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow step invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{LabelStep, LabelSuccess}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelMethod, LabelSuccess}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.batchDuration, m.batchSize, m.stepDuration, m.storeDuration)
	}
	return m
}

func (m *Metrics) ObserveMessage(outcome string) {
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBatch(size int, d time.Duration) {
	m.batchSize.Observe(float64(size))
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStep(step string, success bool, d time.Duration) {
	m.stepDuration.WithLabelValues(step, fmt.Sprint(success)).Observe(d.Seconds())
}

func (m *Metrics) observeStore(method string, err error, begin time.Time) {
	m.storeDuration.WithLabelValues(method, fmt.Sprint(err == nil)).Observe(time.Since(begin).Seconds())
}
