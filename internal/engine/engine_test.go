package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/searcher/internal/analytics"
	"github.com/mev-protocol/searcher/internal/bundle"
	"github.com/mev-protocol/searcher/internal/detect"
	"github.com/mev-protocol/searcher/internal/profit"
	"github.com/mev-protocol/searcher/internal/risk"
	"github.com/mev-protocol/searcher/internal/store"
	"github.com/mev-protocol/searcher/internal/strategy"
	"github.com/mev-protocol/searcher/pkg/types"
)

type staticFeed struct {
	snap types.MarketSnapshot
}

func (f *staticFeed) Price(context.Context, string, string, string) (float64, bool) { return 0, false }
func (f *staticFeed) Volatility(context.Context, string) (float64, bool)            { return 0, false }
func (f *staticFeed) Venues(context.Context, string, string) []string               { return nil }
func (f *staticFeed) Snapshot(context.Context) types.MarketSnapshot {
	f.snap.TakenAt = time.Now()
	return f.snap
}

type noPending struct{}

func (noPending) Pending() []types.PendingTx { return nil }

type stubDetector struct {
	ops []*types.Opportunity
	err error
}

func (d *stubDetector) Name() string { return "stub" }
func (d *stubDetector) Detect(context.Context, detect.View) ([]*types.Opportunity, error) {
	return d.ops, d.err
}

type stubSigner struct {
	signErr error
}

func (s *stubSigner) Candidate(types.Opportunity) (profit.TxCandidate, error) {
	return profit.TxCandidate{GasLimit: 300000, Value: big.NewInt(0)}, nil
}

func (s *stubSigner) SignedBundle(context.Context, types.Opportunity, types.ProfitAnalysis) ([]string, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	return []string{"0xsigned"}, nil
}

type stubChain struct{}

func (stubChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }
func (stubChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}
func (stubChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 200000, nil
}
func (stubChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return []byte{}, nil
}

type stubRelay struct {
	sim       types.SimulationSummary
	submitted int
}

func (r *stubRelay) Simulate(context.Context, *types.BundleRequest) types.SimulationSummary {
	return r.sim
}

func (r *stubRelay) SendBundle(context.Context, *types.BundleRequest, uint64) types.SubmissionResult {
	r.submitted++
	return types.SubmissionResult{Success: true, BundleHash: "0xbeef", TargetBlock: 101}
}

func (r *stubRelay) SendMEVShareBundle(context.Context, *types.BundleRequest, uint64, map[string]interface{}) types.SubmissionResult {
	return types.SubmissionResult{Success: true}
}

func (r *stubRelay) MonitorInclusion(context.Context, string) types.InclusionResult {
	return types.InclusionResult{Included: true, BlocksWaited: 1}
}

func (r *stubRelay) BundleStats(context.Context, string, uint64) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (r *stubRelay) CleanupExpired(time.Time) int { return 0 }

type allowAll struct{}

func (allowAll) CheckRiskControls(context.Context, risk.TxParams) (bool, string) { return true, "" }

func calmSnapshot() types.MarketSnapshot {
	return types.MarketSnapshot{
		BlockNumber:           100,
		GasPriceGwei:          30,
		TokenVolatility:       map[string]float64{},
		PendingTokenTxs:       map[string]int{},
		RegimeScore:           0.8,
		VolatilityScore:       0.8,
		TrendScore:            0.8,
		SentimentScore:        0.8,
		MarketHealth:          0.9,
		GasStability:          0.9,
		LiquidityRisk:         0.1,
		LiquidityAvailability: 0.9,
		GasCompetition:        0.2,
		Regime:                types.VolatilityNormal,
	}
}

func richOp(id string) *types.Opportunity {
	return &types.Opportunity{
		ID:              id,
		Strategy:        types.StrategyArbitrage,
		ChainID:         1,
		Tokens:          []string{"WETH", "USDC"},
		ExpectedProfit:  0.2,
		AmountIn:        1.0,
		GasEstimate:     0.005,
		DetectedAt:      time.Now(),
		PriceDataOK:     true,
		LiquidityDataOK: true,
	}
}

func newTestEngine(detectors []detect.Detector, relay *stubRelay, signer Signer) (*Engine, *store.Store) {
	opStore := store.New(100)
	bundles := bundle.NewManager(relay, allowAll{}, bundle.Config{})

	e := New(Config{
		ChainID:          1,
		MinConfidence:    0.1,
		ExecutionEnabled: signer != nil,
	}, Deps{
		Feed:      &staticFeed{snap: calmSnapshot()},
		Pending:   noPending{},
		Detectors: detectors,
		Scorer:    analytics.NewScorer(),
		Store:     opStore,
		Optimizer: profit.NewOptimizer(stubChain{}, profit.Config{MinROIPercent: 5}),
		Selector:  strategy.NewSelector(strategy.Thresholds{}),
		Bundles:   bundles,
		Signer:    signer,
	})
	return e, opStore
}

func TestCycle_ScoresAndStoresDetections(t *testing.T) {
	detector := &stubDetector{ops: []*types.Opportunity{richOp("a"), richOp("b")}}
	e, opStore := newTestEngine([]detect.Detector{detector}, &stubRelay{}, nil)

	require.NoError(t, e.cycle(context.Background()))

	assert.Equal(t, 2, opStore.Len())
	got, ok := opStore.Get("a")
	require.True(t, ok)
	require.NotNil(t, got.Score)
	assert.Equal(t, got.Score.Total, got.Confidence)
	assert.GreaterOrEqual(t, got.Priority, 1)
	assert.LessOrEqual(t, got.Priority, 10)
}

func TestCycle_DetectorErrorDoesNotStopOthers(t *testing.T) {
	broken := &stubDetector{err: assert.AnError}
	working := &stubDetector{ops: []*types.Opportunity{richOp("a")}}
	e, opStore := newTestEngine([]detect.Detector{broken, working}, &stubRelay{}, nil)

	require.NoError(t, e.cycle(context.Background()))
	assert.Equal(t, 1, opStore.Len())
}

func TestCycle_FailsWithoutMarketData(t *testing.T) {
	e, _ := newTestEngine(nil, &stubRelay{}, nil)
	e.deps.Feed = &staticFeed{snap: types.MarketSnapshot{}}

	assert.Error(t, e.cycle(context.Background()))
}

func TestCycle_EnforcesPerCycleCap(t *testing.T) {
	var ops []*types.Opportunity
	for i := 0; i < 10; i++ {
		ops = append(ops, richOp(string(rune('a'+i))))
	}
	detector := &stubDetector{ops: ops}
	e, opStore := newTestEngine([]detect.Detector{detector}, &stubRelay{}, nil)
	e.cfg.MaxPerCycle = 4

	require.NoError(t, e.cycle(context.Background()))
	assert.Equal(t, 4, opStore.Len())
}

func TestCycle_ExecutesProfitableOpportunity(t *testing.T) {
	relay := &stubRelay{sim: types.SimulationSummary{
		Success: true, GasUsed: 200000, EstimatedProfit: 0.1, BundleHash: "0xsim",
	}}
	detector := &stubDetector{ops: []*types.Opportunity{richOp("a")}}
	e, _ := newTestEngine([]detect.Detector{detector}, relay, &stubSigner{})

	require.NoError(t, e.cycle(context.Background()))
	e.deps.Bundles.Stop(context.Background())

	assert.Equal(t, 1, relay.submitted)
	// Executed strategy feedback lands in the scorer EMA.
	assert.NotEqual(t, 0.5, e.deps.Scorer.SuccessRate(types.StrategyArbitrage))
}

func TestCycle_SimulationFailureBlacklistsOpportunity(t *testing.T) {
	relay := &stubRelay{sim: types.SimulationSummary{Success: false, Error: "reverted"}}
	detector := &stubDetector{ops: []*types.Opportunity{richOp("a")}}
	e, opStore := newTestEngine([]detect.Detector{detector}, relay, &stubSigner{})

	require.NoError(t, e.cycle(context.Background()))

	assert.Zero(t, relay.submitted)
	assert.Equal(t, 1, opStore.BlacklistedCount())
	// Blacklisted ids cannot re-enter on the next cycle.
	require.NoError(t, e.cycle(context.Background()))
	assert.Zero(t, relay.submitted)
}

func TestCycle_SkipsExecutionInRiskyMarket(t *testing.T) {
	relay := &stubRelay{sim: types.SimulationSummary{Success: true, BundleHash: "0xsim"}}
	detector := &stubDetector{ops: []*types.Opportunity{richOp("a")}}
	e, _ := newTestEngine([]detect.Detector{detector}, relay, &stubSigner{})

	snap := calmSnapshot()
	snap.GasPriceGwei = 150 // above the skip bound
	e.deps.Feed = &staticFeed{snap: snap}

	require.NoError(t, e.cycle(context.Background()))
	assert.Zero(t, relay.submitted)
}

func TestStartStop_Lifecycle(t *testing.T) {
	e, _ := newTestEngine(nil, &stubRelay{}, nil)
	e.cfg.ScanInterval = 10 * time.Millisecond

	assert.Equal(t, StateStopped, e.State())

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())

	// Idempotent: a second Start changes nothing.
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.State())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Stop(stopCtx)
	assert.Equal(t, StateStopped, e.State())

	// Stop on a stopped engine is a no-op.
	e.Stop(stopCtx)
	assert.Equal(t, StateStopped, e.State())
}

func TestStats_TracksCycles(t *testing.T) {
	detector := &stubDetector{ops: []*types.Opportunity{richOp("a")}}
	e, _ := newTestEngine([]detect.Detector{detector}, &stubRelay{}, nil)

	require.NoError(t, e.cycle(context.Background()))
	require.NoError(t, e.cycle(context.Background()))

	stats := e.Stats()
	assert.Equal(t, uint64(2), stats.Cycles)
	assert.Equal(t, 1, stats.StoreSize)
	assert.GreaterOrEqual(t, stats.AvgCycleMs, 0.0)
}
