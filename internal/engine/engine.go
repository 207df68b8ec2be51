package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/internal/analytics"
	"github.com/mev-protocol/searcher/internal/bundle"
	"github.com/mev-protocol/searcher/internal/detect"
	"github.com/mev-protocol/searcher/internal/market"
	"github.com/mev-protocol/searcher/internal/metrics"
	"github.com/mev-protocol/searcher/internal/profit"
	"github.com/mev-protocol/searcher/internal/risk"
	"github.com/mev-protocol/searcher/internal/store"
	"github.com/mev-protocol/searcher/internal/strategy"
	"github.com/mev-protocol/searcher/pkg/types"
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Signer turns an opportunity into transactions. Implementations hold the
// execution keys; the engine never sees key material. A nil signer disables
// the execution path entirely.
type Signer interface {
	// Candidate builds the unsigned transaction used for profit simulation.
	Candidate(op types.Opportunity) (profit.TxCandidate, error)
	// SignedBundle builds and signs the raw transactions for submission.
	SignedBundle(ctx context.Context, op types.Opportunity, analysis types.ProfitAnalysis) ([]string, error)
}

// PendingSource supplies the mempool window for a cycle.
type PendingSource interface {
	Pending() []types.PendingTx
}

// Config tunes the detection loop.
type Config struct {
	ChainID          uint64
	ScanInterval     time.Duration
	Backoff          time.Duration
	StaleTTL         time.Duration
	MinProfitETH     float64
	MinConfidence    float64
	MaxPerCycle      int
	ExecutionEnabled bool
	// ExecutionBatch bounds candidates taken from the store per cycle.
	ExecutionBatch int
}

// Deps are the engine's collaborators.
type Deps struct {
	Feed      market.Feed
	Pending   PendingSource
	Detectors []detect.Detector
	Scorer    *analytics.Scorer
	Store     *store.Store
	Optimizer *profit.Optimizer
	Selector  *strategy.Selector
	Bundles   *bundle.Manager
	Signer    Signer
	Metrics   *metrics.Registry
}

// Stats is a snapshot of the engine's running counters.
type Stats struct {
	State      State
	Cycles     uint64
	AvgCycleMs float64
	StoreSize  int
}

// Engine runs the detection loop: snapshot the market, run the detectors,
// score and store what they find, then hand the best candidates to the
// execution path. One cycle failure backs off and retries; it never stops
// the loop.
type Engine struct {
	cfg  Config
	deps Deps

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu    sync.Mutex
	cycles     uint64
	avgCycleMs float64
}

// New creates the engine. Zero config fields fall back to safe defaults.
func New(cfg Config, deps Deps) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 3 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = 5 * time.Minute
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.6
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 50
	}
	if cfg.ExecutionBatch <= 0 {
		cfg.ExecutionBatch = 5
	}
	return &Engine{cfg: cfg, deps: deps}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start launches the detection loop. Calling Start on a non-stopped engine
// is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.run(runCtx)

	e.state.Store(int32(StateRunning))
	log.Info().
		Dur("interval", e.cfg.ScanInterval).
		Bool("execution", e.cfg.ExecutionEnabled && e.deps.Signer != nil).
		Msg("Detection engine started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Detection engine stop timed out")
	}

	e.state.Store(int32(StateStopped))
	log.Info().Msg("Detection engine stopped")
}

// Stats returns a snapshot of the running counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		State:      e.State(),
		Cycles:     e.cycles,
		AvgCycleMs: e.avgCycleMs,
		StoreSize:  e.deps.Store.Len(),
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	e.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	if err := e.cycle(ctx); err != nil {
		log.Warn().Err(err).Dur("backoff", e.cfg.Backoff).Msg("Detection cycle failed")
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.Backoff):
		}
	}
}

// cycle runs one pass of the loop against a single market snapshot, so every
// opportunity in the pass is scored against the same view.
func (e *Engine) cycle(ctx context.Context) error {
	start := time.Now()

	snap := e.deps.Feed.Snapshot(ctx)
	if snap.BlockNumber == 0 && snap.GasPriceGwei == 0 {
		return errors.New("engine: no usable market snapshot")
	}
	e.deps.Metrics.GasPrice(snap.GasPriceGwei)

	view := detect.View{
		ChainID:  e.cfg.ChainID,
		Snapshot: &snap,
		Feed:     e.deps.Feed,
	}
	if e.deps.Pending != nil {
		view.Pending = e.deps.Pending.Pending()
	}

	admitted := 0
	for _, d := range e.deps.Detectors {
		if admitted >= e.cfg.MaxPerCycle {
			break
		}
		ops, err := d.Detect(ctx, view)
		if err != nil {
			log.Warn().Err(err).Str("detector", d.Name()).Msg("Detector failed")
			continue
		}
		for _, op := range ops {
			if admitted >= e.cfg.MaxPerCycle {
				break
			}
			e.deps.Metrics.OpportunityDetected(string(op.Strategy))
			if e.admit(op, &snap) {
				admitted++
			}
		}
	}

	evicted := e.deps.Store.EvictStale(time.Now(), e.cfg.StaleTTL)
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Stale opportunities evicted")
	}

	if e.cfg.ExecutionEnabled && e.deps.Signer != nil {
		e.execute(ctx, &snap)
	}

	e.recordCycle(time.Since(start))
	e.deps.Metrics.CycleDone(time.Since(start), e.deps.Store.Len())
	return nil
}

// admit scores an opportunity and stores it. The score's aggregate becomes
// the opportunity's confidence, its risk component maps to the risk level,
// and the execution priority is derived from both.
func (e *Engine) admit(op *types.Opportunity, snap *types.MarketSnapshot) bool {
	score := e.deps.Scorer.Score(op, snap)
	op.Score = &score
	op.Confidence = score.Total
	op.Risk = types.RiskLevelFromScore(score.Risk)
	op.Priority = analytics.ExecutionPriority(op, score)

	if !e.deps.Store.Upsert(op) {
		e.deps.Metrics.OpportunitySkipped("blacklisted")
		return false
	}
	e.deps.Metrics.OpportunityScored(op.ExpectedProfit)
	return true
}

func (e *Engine) execute(ctx context.Context, snap *types.MarketSnapshot) {
	mode := e.deps.Selector.Select(snap.MempoolTxRate, snap.GasPriceGwei, snap.VolatilityPct)
	if mode == types.ModeSkip {
		e.deps.Metrics.OpportunitySkipped("market_conditions")
		return
	}

	best := e.deps.Store.GetBest(e.cfg.ExecutionBatch, e.cfg.MinProfitETH, e.cfg.MinConfidence)
	for i := range best {
		if ctx.Err() != nil {
			return
		}
		e.executeOne(ctx, best[i], snap, mode)
	}
}

func (e *Engine) executeOne(ctx context.Context, op types.Opportunity, snap *types.MarketSnapshot, mode types.ExecutionMode) {
	candidate, err := e.deps.Signer.Candidate(op)
	if err != nil {
		log.Warn().Err(err).Str("id", op.ID).Msg("No transaction candidate")
		e.deps.Metrics.OpportunitySkipped("no_candidate")
		return
	}

	analysis := e.deps.Optimizer.Analyze(ctx, &op, candidate)
	if !analysis.Profitable {
		e.deps.Metrics.OpportunitySkipped("unprofitable")
		return
	}

	rawTxs, err := e.deps.Signer.SignedBundle(ctx, op, analysis)
	if err != nil {
		log.Warn().Err(err).Str("id", op.ID).Msg("Bundle signing failed")
		e.deps.Metrics.OpportunitySkipped("signing_failed")
		return
	}

	tracked := e.deps.Bundles.Construct(rawTxs, snap.BlockNumber+1, nil, nil)
	params := risk.TxParams{
		To:           candidate.To,
		ValueETH:     weiToETH(candidate.Value),
		GasPriceGwei: analysis.RecommendedGasPrice,
		GasLimit:     candidate.GasLimit,
		Strategy:     op.Strategy,
	}
	confirm := func(sim types.SimulationSummary) bool {
		return sim.Success && sim.EstimatedProfit >= e.cfg.MinProfitETH
	}

	result, err := e.deps.Bundles.Submit(ctx, tracked, params, confirm)
	if err != nil {
		e.handleSubmitError(op, analysis, err)
		return
	}

	log.Info().
		Str("id", op.ID).
		Str("strategy", string(op.Strategy)).
		Str("mode", string(mode)).
		Str("bundle", result.BundleHash).
		Uint64("block", result.TargetBlock).
		Msg("Bundle submitted")
	e.deps.Metrics.BundleSubmitted("ok")
	e.deps.Metrics.ExecutionResult(string(op.Strategy), result.Success)
	e.deps.Scorer.RecordResult(op.Strategy, result.Success, analysis.NetProfit)
	e.deps.Optimizer.RecordExecutionResult(analysis, result.Success, analysis.NetProfit)
}

// handleSubmitError routes lifecycle failures into feedback. Simulation
// failures blacklist the opportunity so it cannot be retried with the same
// broken payload; risk rejections do not, since conditions may clear.
func (e *Engine) handleSubmitError(op types.Opportunity, analysis types.ProfitAnalysis, err error) {
	switch {
	case errors.Is(err, bundle.ErrSimulationFailed):
		e.deps.Store.Blacklist(op.ID)
		e.deps.Metrics.OpportunitySkipped("simulation_failed")
		e.deps.Scorer.RecordResult(op.Strategy, false, 0)
		e.deps.Optimizer.RecordExecutionResult(analysis, false, 0)
	case errors.Is(err, bundle.ErrRiskRejected):
		e.deps.Metrics.OpportunitySkipped("risk_rejected")
	case errors.Is(err, bundle.ErrVerdictWithdrawn):
		e.deps.Metrics.OpportunitySkipped("verdict_withdrawn")
	default:
		e.deps.Metrics.BundleSubmitted("error")
		e.deps.Scorer.RecordResult(op.Strategy, false, 0)
	}
	log.Warn().Err(err).Str("id", op.ID).Msg("Bundle not submitted")
}

func (e *Engine) recordCycle(d time.Duration) {
	ms := float64(d.Milliseconds())
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.cycles++
	if e.cycles == 1 {
		e.avgCycleMs = ms
		return
	}
	e.avgCycleMs = e.avgCycleMs*0.9 + ms*0.1
}

func weiToETH(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18)).Float64()
	return f
}
