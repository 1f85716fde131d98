// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded for chat requests.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
	OutcomeEmpty   = "empty"
)

var (
	chatRequestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webllm_chat_requests_total",
		Help: "Chat requests by backend and outcome",
	}, []string{"backend", "outcome"})

	engineReloadsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webllm_chat_engine_reloads_total",
		Help: "Model reloads issued to the in-process engine",
	}, []string{"model", "result"})

	staleRetriesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webllm_chat_engine_stale_retries_total",
		Help: "Completions retried after the engine worker was found torn down",
	})

	summarizationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webllm_chat_summarizations_total",
		Help: "Background title and memory summarization requests",
	}, []string{"kind", "outcome"})

	generatingSessionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webllm_chat_generating_sessions",
		Help: "Sessions with a primary chat request in flight",
	})
)

// ChatRequest records the outcome of one chat request.
func ChatRequest(backend, outcome string) {
	chatRequestsMetric.WithLabelValues(backend, outcome).Inc()
}

// EngineReload records a reload attempt.
func EngineReload(model string, err error) {
	result := OutcomeSuccess
	if err != nil {
		result = OutcomeError
	}
	engineReloadsMetric.WithLabelValues(model, result).Inc()
}

// StaleRetry records a reload-and-retry after a stale engine.
func StaleRetry() {
	staleRetriesMetric.Inc()
}

// Summarization records a title or memory request.
func Summarization(kind, outcome string) {
	summarizationsMetric.WithLabelValues(kind, outcome).Inc()
}

// GenerationStarted and GenerationFinished track in-flight sessions.
func GenerationStarted()  { generatingSessionsMetric.Inc() }
func GenerationFinished() { generatingSessionsMetric.Dec() }
