package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestInitIsIdempotent verifies repeated Init calls keep the same collectors.
func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := fetchesTotal
	Init()
	require.Same(t, first, fetchesTotal)
	require.NotNil(t, captchasTotal)
	require.NotNil(t, httpRequestsTotal)
}

// TestObserveFetchCountsByOutcome verifies fetch counters split by outcome label.
func TestObserveFetchCountsByOutcome(t *testing.T) {
	Init()
	before := testutil.ToFloat64(fetchesTotal.WithLabelValues("success"))
	ObserveFetch("success", 150*time.Millisecond)
	ObserveFetch("success", 50*time.Millisecond)
	ObserveFetch("transport_error", time.Second)

	require.InDelta(t, before+2, testutil.ToFloat64(fetchesTotal.WithLabelValues("success")), 0.001)
	require.Positive(t, testutil.CollectAndCount(fetchDurationSeconds))
}

// TestObserveCaptchaEgressLabel verifies direct and proxied anti-bot hits are counted apart.
func TestObserveCaptchaEgressLabel(t *testing.T) {
	Init()
	direct := testutil.ToFloat64(captchasTotal.WithLabelValues("direct"))
	proxied := testutil.ToFloat64(captchasTotal.WithLabelValues("proxy"))

	ObserveCaptcha(false)
	ObserveCaptcha(true)
	ObserveCaptcha(true)

	require.InDelta(t, direct+1, testutil.ToFloat64(captchasTotal.WithLabelValues("direct")), 0.001)
	require.InDelta(t, proxied+2, testutil.ToFloat64(captchasTotal.WithLabelValues("proxy")), 0.001)
}

// TestObserveEvictionUpdatesGauge verifies evictions move the active proxy gauge.
func TestObserveEvictionUpdatesGauge(t *testing.T) {
	Init()
	SetActiveProxies(3)
	before := testutil.ToFloat64(proxyEvictionsTotal)

	ObserveEviction(2)

	require.InDelta(t, before+1, testutil.ToFloat64(proxyEvictionsTotal), 0.001)
	require.InDelta(t, 2, testutil.ToFloat64(proxiesActive), 0.001)
}

// TestObservePredictionAndSolve verifies prediction and solver counters.
func TestObservePredictionAndSolve(t *testing.T) {
	Init()
	preds := testutil.ToFloat64(predictionsTotal.WithLabelValues("solver"))
	solves := testutil.ToFloat64(solverAttemptsTotal.WithLabelValues("none"))

	ObservePrediction("solver")
	ObserveSolve("none")
	ObserveRetry()
	ObserveRateLimitDelay(2 * time.Second)

	require.InDelta(t, preds+1, testutil.ToFloat64(predictionsTotal.WithLabelValues("solver")), 0.001)
	require.InDelta(t, solves+1, testutil.ToFloat64(solverAttemptsTotal.WithLabelValues("none")), 0.001)
	require.Equal(t, 1, testutil.CollectAndCount(rateLimitDelaySeconds))
}
