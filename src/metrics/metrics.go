// Package metrics exposes Prometheus collectors for call jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callagent"

// JobMetrics exposes counters/histograms for job orchestration
type JobMetrics struct {
	jobsTotal    *prometheus.CounterVec
	activeJobs   prometheus.Gauge
	queueDepth   prometheus.Gauge
	dialTotal    *prometheus.CounterVec
	dialLatency  prometheus.Histogram
	egressTotal  *prometheus.CounterVec
	toolTotal    *prometheus.CounterVec
	toolLatency  *prometheus.HistogramVec
	startLatency prometheus.Histogram
}

// NewJobMetrics registers the collectors with reg, or the default registerer
// when reg is nil
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Finished jobs by intent and outcome",
		}, []string{"intent", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently running",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queued",
			Help:      "Jobs waiting for a worker",
		}),
		dialTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "dial_total",
			Help:      "Outbound dial attempts by result",
		}, []string{"result"}),
		dialLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "dial_seconds",
			Help:      "Time until an outbound call was answered or failed",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		}),
		egressTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "egress",
			Name:      "start_total",
			Help:      "Recording start requests by result",
		}, []string{"result"}),
		toolTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool invocations by tool and result",
		}, []string{"tool", "result"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "call_seconds",
			Help:      "Latency of tool invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		startLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "start_seconds",
			Help:      "Time from job start until the session was live",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.jobsTotal, m.activeJobs, m.queueDepth, m.dialTotal, m.dialLatency,
		m.egressTotal, m.toolTotal, m.toolLatency, m.startLatency)
	return m
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *JobMetrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *JobMetrics) JobFinished(intent, outcome string) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobsTotal.WithLabelValues(intent, outcome).Inc()
}

func (m *JobMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *JobMetrics) ObserveDial(answered bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "answered"
	if !answered {
		label = "failed"
	}
	m.dialTotal.WithLabelValues(label).Inc()
	m.dialLatency.Observe(elapsed.Seconds())
}

func (m *JobMetrics) ObserveEgress(ok bool) {
	if m == nil {
		return
	}
	m.egressTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveTool matches tools.Observer
func (m *JobMetrics) ObserveTool(name string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolTotal.WithLabelValues(name, resultLabel(ok)).Inc()
	m.toolLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *JobMetrics) ObserveSessionStart(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.startLatency.Observe(elapsed.Seconds())
}
