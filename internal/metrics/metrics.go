package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the checkout service.
type Metrics struct {
	registry        *prometheus.Registry
	sessionStarted  prometheus.Counter
	sessionFinished *prometheus.CounterVec
	stepExecuted    *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	rollbacks       *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	requeuedSteps   prometheus.Counter

	streamPending *prometheus.GaugeVec
	streamErrors  *prometheus.CounterVec
	streamDLQ     *prometheus.CounterVec
}

// New creates a metrics registry and registers checkout metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sessionStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkout_session_started_total",
		Help: "Total number of started checkout sessions.",
	})

	sessionFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_session_finished_total",
		Help: "Total number of checkout sessions reaching a terminal status.",
	}, []string{"status"})

	stepExecuted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_step_executed_total",
		Help: "Total number of step executions by step and result.",
	}, []string{"step", "result"})

	stepLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_step_latency_seconds",
		Help:    "Latency for step execution in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_rollback_total",
		Help: "Total number of rollback runs by outcome.",
	}, []string{"result"})

	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_active_sessions",
		Help: "Current number of in-progress checkout sessions.",
	})

	requeuedSteps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkout_step_requeued_total",
		Help: "Total number of stuck processing steps requeued by the sweeper.",
	})

	streamPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redis_stream_pending",
		Help: "Number of pending messages in Redis Streams consumer groups.",
	}, []string{"stream", "group"})

	streamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_handler_errors_total",
		Help: "Total number of stream handler errors.",
	}, []string{"stream", "group"})

	streamDLQ := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_dlq_total",
		Help: "Total number of messages moved to Redis Stream DLQ.",
	}, []string{"stream", "group"})

	registry.MustRegister(sessionStarted, sessionFinished, stepExecuted, stepLatency,
		rollbacks, activeSessions, requeuedSteps, streamPending, streamErrors, streamDLQ)

	return &Metrics{
		registry:        registry,
		sessionStarted:  sessionStarted,
		sessionFinished: sessionFinished,
		stepExecuted:    stepExecuted,
		stepLatency:     stepLatency,
		rollbacks:       rollbacks,
		activeSessions:  activeSessions,
		requeuedSteps:   requeuedSteps,
		streamPending:   streamPending,
		streamErrors:    streamErrors,
		streamDLQ:       streamDLQ,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSessionStarted increments the started session counter.
func (m *Metrics) IncSessionStarted() {
	if m == nil {
		return
	}
	m.sessionStarted.Inc()
	m.activeSessions.Inc()
}

// IncSessionFinished increments the finished session counter for a terminal status.
func (m *Metrics) IncSessionFinished(status string) {
	if m == nil {
		return
	}
	m.sessionFinished.WithLabelValues(status).Inc()
	m.activeSessions.Dec()
}

// IncStepExecuted increments the step execution counter.
func (m *Metrics) IncStepExecuted(step, result string) {
	if m == nil {
		return
	}
	m.stepExecuted.WithLabelValues(step, result).Inc()
}

// ObserveStepLatency records step execution latency.
func (m *Metrics) ObserveStepLatency(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(step).Observe(d.Seconds())
}

// IncRollback increments the rollback counter.
func (m *Metrics) IncRollback(result string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(result).Inc()
}

// AddRequeuedSteps adds to the requeued step counter.
func (m *Metrics) AddRequeuedSteps(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.requeuedSteps.Add(float64(n))
}

func (m *Metrics) SetStreamPending(stream, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func (m *Metrics) IncStreamError(stream, group string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) IncStreamDLQ(stream, group string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, group).Inc()
}
