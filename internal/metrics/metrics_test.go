package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(rateLimitRejections.WithLabelValues("hourly"))
	RateLimitRejected("hourly")
	assert.Equal(t, before+1, testutil.ToFloat64(rateLimitRejections.WithLabelValues("hourly")))

	DeploymentFinished("ethereum", "testnet", "SUCCESS")
	assert.GreaterOrEqual(t, testutil.ToFloat64(deploymentsFinished.WithLabelValues("ethereum", "testnet", "SUCCESS")), 1.0)
}

func TestTrackedTransactionsGauge(t *testing.T) {
	start := testutil.ToFloat64(trackedTransactions)
	TrackedTransactionsInc()
	TrackedTransactionsInc()
	TrackedTransactionsDec()
	assert.Equal(t, start+1, testutil.ToFloat64(trackedTransactions))
	TrackedTransactionsDec()
}
