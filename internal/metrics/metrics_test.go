package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExposesMetrics(t *testing.T) {
	r := New("searcher")

	r.OpportunityDetected("arbitrage")
	r.OpportunityDetected("arbitrage")
	r.OpportunityScored(0.05)
	r.OpportunitySkipped("unprofitable")
	r.CycleDone(120*time.Millisecond, 7)
	r.GasPrice(42.5)
	r.BundleSubmitted("accepted")
	r.BundleIncluded()
	r.BundleExpired()
	r.RelayLatency(30 * time.Millisecond)
	r.ExecutionResult("sandwich", true)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `searcher_opportunities_detected_total{strategy="arbitrage"} 2`)
	assert.Contains(t, body, `searcher_opportunities_skipped_total{reason="unprofitable"} 1`)
	assert.Contains(t, body, "searcher_store_opportunities 7")
	assert.Contains(t, body, "searcher_gas_price_gwei 42.5")
	assert.Contains(t, body, `searcher_bundles_submitted_total{outcome="accepted"} 1`)
	assert.Contains(t, body, "searcher_bundles_included_total 1")
	assert.Contains(t, body, `searcher_execution_results_total{result="success",strategy="sandwich"} 1`)
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry

	assert.NotPanics(t, func() {
		r.OpportunityDetected("arbitrage")
		r.OpportunityScored(0.1)
		r.OpportunitySkipped("x")
		r.CycleDone(time.Second, 1)
		r.GasPrice(1)
		r.BundleSubmitted("accepted")
		r.BundleIncluded()
		r.BundleExpired()
		r.RelayLatency(time.Millisecond)
		r.ExecutionResult("arbitrage", false)
	})
}

func TestRegistry_IsolatedPerInstance(t *testing.T) {
	a := New("searcher")
	b := New("searcher")
	a.BundleIncluded()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "searcher_bundles_included_total") {
			assert.Equal(t, "searcher_bundles_included_total 0", line)
		}
	}
}
