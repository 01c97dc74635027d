package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	transitionCounter     *prometheus.CounterVec
	reconciliationCounter *prometheus.CounterVec
	monitorCounter        *prometheus.CounterVec
	providerCallCounter   *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
	stuckTransferCounter  prometheus.Counter
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_state_transitions_total",
			Help: "Accepted transfer state transitions",
		}, []string{"from", "to"})

		reconciliationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_signals_total",
			Help: "Settlement signals by channel and outcome",
		}, []string{"channel", "outcome"})

		monitorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_monitor_checks_total",
			Help: "Rate monitor pass outcomes per transfer",
		}, []string{"result"})

		providerCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Payment provider call outcomes",
		}, []string{"operation", "result"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		stuckTransferCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_stuck_escalations_total",
			Help: "Transfers stuck in a processing state past the threshold",
		})

		prometheus.MustRegister(
			httpDurationHistogram,
			transitionCounter,
			reconciliationCounter,
			monitorCounter,
			providerCallCounter,
			idempotencyCounter,
			workerRunCounter,
			stuckTransferCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementTransition(from, to string) {
	if transitionCounter == nil {
		return
	}
	transitionCounter.WithLabelValues(from, to).Inc()
}

func IncrementSettlementSignal(channel, outcome string) {
	if reconciliationCounter == nil {
		return
	}
	reconciliationCounter.WithLabelValues(channel, outcome).Inc()
}

func IncrementMonitorCheck(result string) {
	if monitorCounter == nil {
		return
	}
	monitorCounter.WithLabelValues(result).Inc()
}

func IncrementProviderCall(operation, result string) {
	if providerCallCounter == nil {
		return
	}
	providerCallCounter.WithLabelValues(operation, result).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementStuckEscalation() {
	if stuckTransferCounter == nil {
		return
	}
	stuckTransferCounter.Inc()
}
