package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(chatRequestsMetric.WithLabelValues("webllm", OutcomeAborted))
	ChatRequest("webllm", OutcomeAborted)
	assert.Equal(t, before+1, testutil.ToFloat64(chatRequestsMetric.WithLabelValues("webllm", OutcomeAborted)))

	beforeErr := testutil.ToFloat64(engineReloadsMetric.WithLabelValues("m", OutcomeError))
	EngineReload("m", errors.New("boom"))
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(engineReloadsMetric.WithLabelValues("m", OutcomeError)))

	beforeStale := testutil.ToFloat64(staleRetriesMetric)
	StaleRetry()
	assert.Equal(t, beforeStale+1, testutil.ToFloat64(staleRetriesMetric))

	g := testutil.ToFloat64(generatingSessionsMetric)
	GenerationStarted()
	assert.Equal(t, g+1, testutil.ToFloat64(generatingSessionsMetric))
	GenerationFinished()
	assert.Equal(t, g, testutil.ToFloat64(generatingSessionsMetric))
}
