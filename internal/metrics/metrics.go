package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the searcher's Prometheus collectors. All record methods
// are nil-safe so components can run without metrics wired in tests.
type Registry struct {
	reg *prometheus.Registry

	opportunitiesDetected *prometheus.CounterVec
	opportunitiesScored   prometheus.Counter
	opportunitiesSkipped  *prometheus.CounterVec
	cycleDuration         prometheus.Histogram
	storeSize             prometheus.Gauge

	profitExpected prometheus.Histogram
	gasPriceGwei   prometheus.Gauge

	bundlesSubmitted *prometheus.CounterVec
	bundlesIncluded  prometheus.Counter
	bundlesExpired   prometheus.Counter
	relayLatency     prometheus.Histogram

	executionResults *prometheus.CounterVec
}

// New creates the registry and registers every collector.
func New(namespace string) *Registry {
	if namespace == "" {
		namespace = "searcher"
	}
	r := &Registry{reg: prometheus.NewRegistry()}

	r.opportunitiesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_detected_total",
		Help:      "Opportunities emitted by detectors, by strategy.",
	}, []string{"strategy"})

	r.opportunitiesScored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_scored_total",
		Help:      "Opportunities that passed through scoring.",
	})

	r.opportunitiesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_skipped_total",
		Help:      "Opportunities dropped before execution, by reason.",
	}, []string{"reason"})

	r.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "detection_cycle_seconds",
		Help:      "Duration of a full detection cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	r.storeSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_opportunities",
		Help:      "Opportunities currently held in the store.",
	})

	r.profitExpected = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "expected_profit_eth",
		Help:      "Expected profit of detected opportunities in ETH.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	r.gasPriceGwei = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gas_price_gwei",
		Help:      "Last observed network gas price in gwei.",
	})

	r.bundlesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bundles_submitted_total",
		Help:      "Bundles submitted to the relay, by outcome.",
	}, []string{"outcome"})

	r.bundlesIncluded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bundles_included_total",
		Help:      "Bundles confirmed on chain.",
	})

	r.bundlesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bundles_expired_total",
		Help:      "Bundles expired before inclusion.",
	})

	r.relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "relay_request_seconds",
		Help:      "Relay request round-trip latency.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	r.executionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "execution_results_total",
		Help:      "Execution outcomes, by strategy and result.",
	}, []string{"strategy", "result"})

	r.reg.MustRegister(
		r.opportunitiesDetected,
		r.opportunitiesScored,
		r.opportunitiesSkipped,
		r.cycleDuration,
		r.storeSize,
		r.profitExpected,
		r.gasPriceGwei,
		r.bundlesSubmitted,
		r.bundlesIncluded,
		r.bundlesExpired,
		r.relayLatency,
		r.executionResults,
	)
	return r
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) OpportunityDetected(strategy string) {
	if r == nil {
		return
	}
	r.opportunitiesDetected.WithLabelValues(strategy).Inc()
}

func (r *Registry) OpportunityScored(expectedProfit float64) {
	if r == nil {
		return
	}
	r.opportunitiesScored.Inc()
	r.profitExpected.Observe(expectedProfit)
}

func (r *Registry) OpportunitySkipped(reason string) {
	if r == nil {
		return
	}
	r.opportunitiesSkipped.WithLabelValues(reason).Inc()
}

func (r *Registry) CycleDone(d time.Duration, storeSize int) {
	if r == nil {
		return
	}
	r.cycleDuration.Observe(d.Seconds())
	r.storeSize.Set(float64(storeSize))
}

func (r *Registry) GasPrice(gwei float64) {
	if r == nil {
		return
	}
	r.gasPriceGwei.Set(gwei)
}

func (r *Registry) BundleSubmitted(outcome string) {
	if r == nil {
		return
	}
	r.bundlesSubmitted.WithLabelValues(outcome).Inc()
}

func (r *Registry) BundleIncluded() {
	if r == nil {
		return
	}
	r.bundlesIncluded.Inc()
}

func (r *Registry) BundleExpired() {
	if r == nil {
		return
	}
	r.bundlesExpired.Inc()
}

func (r *Registry) RelayLatency(d time.Duration) {
	if r == nil {
		return
	}
	r.relayLatency.Observe(d.Seconds())
}

func (r *Registry) ExecutionResult(strategy string, success bool) {
	if r == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.executionResults.WithLabelValues(strategy, result).Inc()
}
