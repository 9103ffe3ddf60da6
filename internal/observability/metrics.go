package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

type moduleMetrics struct {
	queueDepth      prometheus.Gauge
	queueActive     prometheus.Gauge
	enqueueTotal    prometheus.Counter
	completionTotal *prometheus.CounterVec
	taskDuration    prometheus.Histogram

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	consolidationsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	turnTotal        *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	llmRetriesTotal  *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	inboundTotal     *prometheus.CounterVec
	outboundTotal    *prometheus.CounterVec
	pairingDecisions *prometheus.CounterVec

	cronFiresTotal  *prometheus.CounterVec
	heartbeatsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func histogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	})
}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth:  gauge("queue_depth", "Tasks waiting across all session lanes."),
			queueActive: gauge("queue_active", "Tasks currently executing."),
			enqueueTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueue_total",
				Help:      "Total tasks submitted to session lanes.",
			}),
			completionTotal: counterVec("queue_completion_total", "Completed tasks by status.", "status"),
			taskDuration:    histogram("queue_task_duration_seconds", "Task execution duration in seconds."),

			activeSessions:      gauge("active_sessions", "Sessions present on disk."),
			sessionLoadDuration: histogram("session_load_duration_seconds", "Session load duration in seconds."),
			sessionSaveDuration: histogram("session_append_duration_seconds", "Session append duration in seconds."),
			consolidationsTotal: counterVec("memory_consolidations_total", "Memory consolidations by outcome.", "outcome"),

			toolExecutionTotal: counterVec("tool_execution_total", "Tool executions by tool and status.", "tool", "status"),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Tool execution duration in seconds by tool.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tool"}),

			turnTotal:        counterVec("turn_total", "Agent turns by outcome.", "outcome"),
			turnDuration:     histogram("turn_duration_seconds", "Agent turn duration in seconds."),
			llmRetriesTotal:  counterVec("llm_retries_total", "LLM transport retries by provider.", "provider"),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "provider_cooldown_active", Help: "Provider cooldown state (1 active, 0 inactive)."}, []string{"profile"}),

			inboundTotal:     counterVec("inbound_total", "Inbound events by channel and disposition.", "channel", "disposition"),
			outboundTotal:    counterVec("outbound_total", "Outbound messages by channel and status.", "channel", "status"),
			pairingDecisions: counterVec("pairing_decisions_total", "Consent gate decisions by channel and result.", "channel", "result"),

			cronFiresTotal:  counterVec("cron_fires_total", "Cron job firings by status.", "status"),
			heartbeatsTotal: counterVec("heartbeats_total", "Heartbeat ticks by outcome.", "outcome"),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.queueActive,
			m.enqueueTotal,
			m.completionTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.consolidationsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.turnTotal,
			m.turnDuration,
			m.llmRetriesTotal,
			m.providerCooldown,
			m.inboundTotal,
			m.outboundTotal,
			m.pairingDecisions,
			m.cronFiresTotal,
			m.heartbeatsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

func SetQueueState(depth, active int) {
	m := getMetrics()
	m.queueDepth.Set(float64(depth))
	m.queueActive.Set(float64(active))
}

func RecordQueueCompletion(duration time.Duration, success bool) {
	m := getMetrics()
	m.completionTotal.WithLabelValues(status(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

// RecordConsolidation counts a consolidation; outcome is "summarized",
// "archived_raw" or "skipped".
func RecordConsolidation(outcome string) {
	getMetrics().consolidationsTotal.WithLabelValues(outcome).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordTurn counts a finished agent turn by outcome (ok, turn_limit, transport, persistence, busy, error).
func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordLLMRetry(provider string) {
	getMetrics().llmRetriesTotal.WithLabelValues(provider).Inc()
}

func SetProviderCooldown(profile string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(v)
}

// RecordInbound counts an inbound event; disposition is one of accepted,
// duplicate, gated, ignored, dropped.
func RecordInbound(channel, disposition string) {
	getMetrics().inboundTotal.WithLabelValues(channel, disposition).Inc()
}

func RecordOutbound(channel string, success bool) {
	getMetrics().outboundTotal.WithLabelValues(channel, status(success)).Inc()
}

func RecordPairingDecision(channel, result string) {
	getMetrics().pairingDecisions.WithLabelValues(channel, result).Inc()
}

func RecordCronFire(success bool) {
	getMetrics().cronFiresTotal.WithLabelValues(status(success)).Inc()
}

// RecordHeartbeat counts a heartbeat tick; outcome is fired, skipped or error.
func RecordHeartbeat(outcome string) {
	getMetrics().heartbeatsTotal.WithLabelValues(outcome).Inc()
}
