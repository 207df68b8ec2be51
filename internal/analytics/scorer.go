package analytics

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/pkg/types"
)

// scoreWeights is the per-strategy weight vector. Every vector sums to 1:
// strategy adjustments hold their pinned values and the remaining weights
// are scaled proportionally.
type scoreWeights struct {
	profit      float64
	risk        float64
	execution   float64
	market      float64
	gas         float64
	competition float64
}

func (w scoreWeights) sum() float64 {
	return w.profit + w.risk + w.execution + w.market + w.gas + w.competition
}

var baseWeights = scoreWeights{
	profit:      0.30,
	risk:        0.20,
	execution:   0.20,
	market:      0.15,
	gas:         0.10,
	competition: 0.05,
}

// weightsFor returns the weight vector for a strategy type. The table is
// exhaustive over types.AllStrategies. Pinned adjustments keep their exact
// values; the untouched weights absorb the difference proportionally.
func weightsFor(strategy types.StrategyType) scoreWeights {
	w := baseWeights
	switch strategy {
	case types.StrategyFlashloanArbitrage:
		w.profit = 0.40
		w.risk = 0.15
		scale := (1 - w.profit - w.risk) / (w.execution + w.market + w.gas + w.competition)
		w.execution *= scale
		w.market *= scale
		w.gas *= scale
		w.competition *= scale
	case types.StrategySandwich:
		w.risk = 0.30
		w.competition = 0.15
		scale := (1 - w.risk - w.competition) / (w.profit + w.execution + w.market + w.gas)
		w.profit *= scale
		w.execution *= scale
		w.market *= scale
		w.gas *= scale
	case types.StrategyArbitrage:
		w.execution = 0.25
		scale := (1 - w.execution) / (w.profit + w.risk + w.market + w.gas + w.competition)
		w.profit *= scale
		w.risk *= scale
		w.market *= scale
		w.gas *= scale
		w.competition *= scale
	case types.StrategyFrontRun, types.StrategyBackRun, types.StrategyLiquidation:
		// base weights already sum to 1
	}
	return w
}

// strategyBaseRisk is the intrinsic risk contribution per strategy type.
func strategyBaseRisk(strategy types.StrategyType) float64 {
	switch strategy {
	case types.StrategyArbitrage:
		return 0.1
	case types.StrategyFrontRun:
		return 0.3
	case types.StrategyBackRun:
		return 0.2
	case types.StrategySandwich:
		return 0.5
	case types.StrategyFlashloanArbitrage:
		return 0.15
	case types.StrategyLiquidation:
		return 0.25
	default:
		return 0.3
	}
}

// Scorer converts raw opportunities plus a market snapshot into bounded
// composite scores. Scoring within a cycle reads only the snapshot, so
// re-scoring the same opportunity against the same snapshot (and unchanged
// performance history) is deterministic.
type Scorer struct {
	mu             sync.RWMutex
	successRates   map[types.StrategyType]float64
	avgProfits     map[types.StrategyType]float64
	historicalComp map[types.StrategyType]float64
	scored         uint64
}

// NewScorer creates an analytics engine with neutral performance history.
func NewScorer() *Scorer {
	return &Scorer{
		successRates:   make(map[types.StrategyType]float64),
		avgProfits:     make(map[types.StrategyType]float64),
		historicalComp: make(map[types.StrategyType]float64),
	}
}

// failClosedScore is the score emitted when scoring cannot proceed: zero
// total, maximal risk and competition, empty confidence interval. The
// opportunity stays visible but will never clear a confidence filter.
func failClosedScore() types.OpportunityScore {
	return types.OpportunityScore{
		Total:          0,
		Risk:           1.0,
		Competition:    1.0,
		ConfidenceLow:  0,
		ConfidenceHigh: 0,
	}
}

// Score produces the composite score for an opportunity against a market
// snapshot.
func (s *Scorer) Score(op *types.Opportunity, snap *types.MarketSnapshot) types.OpportunityScore {
	if op == nil || snap == nil || !op.Strategy.Valid() ||
		op.ExpectedProfit < 0 || op.GasEstimate < 0 ||
		op.Confidence < 0 || op.Confidence > 1 {
		if op != nil {
			log.Warn().Str("id", op.ID).Str("strategy", string(op.Strategy)).Msg("Scoring rejected invalid opportunity")
		}
		return failClosedScore()
	}

	profitScore := profitScore(op.ExpectedProfit, op.AmountIn, op.GasEstimate)
	riskScore := s.riskScore(op, snap)
	executionScore := s.executionScore(op.Strategy, snap)
	marketScore := marketScore(snap)
	gasScore := gasEfficiencyScore(op.ExpectedProfit, op.GasEstimate)
	competitionScore := s.competitionScore(op, snap)

	w := weightsFor(op.Strategy)
	total := profitScore*w.profit +
		riskScore*w.risk +
		executionScore*w.execution +
		marketScore*w.market +
		gasScore*w.gas +
		competitionScore*w.competition

	low, high := confidenceInterval(op, snap, total)

	s.mu.Lock()
	s.scored++
	s.mu.Unlock()

	return types.OpportunityScore{
		Total:                total,
		ProfitPotential:      profitScore,
		Risk:                 riskScore,
		ExecutionProbability: executionScore,
		MarketConditions:     marketScore,
		GasEfficiency:        gasScore,
		Competition:          competitionScore,
		ConfidenceLow:        low,
		ConfidenceHigh:       high,
	}
}

// ExecutionPriority maps a score to a 1-10 priority with strategy-type
// adjustments.
func ExecutionPriority(op *types.Opportunity, score types.OpportunityScore) int {
	priority := int(score.Total * 10)

	switch op.Strategy {
	case types.StrategyFlashloanArbitrage:
		priority += 2
	case types.StrategySandwich:
		priority--
	}
	if op.TimeSensitive {
		priority++
	}

	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return priority
}

// RecordResult folds an execution outcome into the per-strategy success-rate
// and profit EMAs (alpha 0.1).
func (s *Scorer) RecordResult(strategy types.StrategyType, success bool, profit float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate, ok := s.successRates[strategy]
	if !ok {
		rate = 0.5
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	s.successRates[strategy] = rate*0.9 + outcome*0.1
	s.avgProfits[strategy] = s.avgProfits[strategy]*0.9 + profit*0.1
}

// SuccessRate returns the EMA success rate for a strategy (0.5 when unknown).
func (s *Scorer) SuccessRate(strategy types.StrategyType) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rate, ok := s.successRates[strategy]; ok {
		return rate
	}
	return 0.5
}

// profitScore maps net profit ROI through the monotonic step function.
func profitScore(expectedProfit, amountIn, gasEstimate float64) float64 {
	if expectedProfit <= 0 || amountIn <= 0 {
		return 0
	}
	netProfit := expectedProfit - gasEstimate
	if netProfit <= 0 {
		return 0
	}

	roi := netProfit / amountIn
	switch {
	case roi < 0.001:
		return 0.1
	case roi < 0.01:
		return 0.3
	case roi < 0.05:
		return 0.6
	case roi < 0.1:
		return 0.8
	default:
		return math.Min(1.0, 0.8+(roi-0.1)*2)
	}
}

// riskScore sums independent risk contributions, clamped to [0,1].
// 0 means no risk.
func (s *Scorer) riskScore(op *types.Opportunity, snap *types.MarketSnapshot) float64 {
	risk := 0.0

	for _, token := range op.Tokens {
		if vol, ok := snap.TokenVolatility[token]; ok && vol > 0.1 {
			risk += 0.3
		}
	}

	risk += snap.LiquidityRisk

	if op.SlippageEstimate > 0.05 {
		risk += 0.4
	}

	risk += s.historicalCompetition(op.Strategy) * 0.3
	risk += strategyBaseRisk(op.Strategy)

	return math.Min(1.0, risk)
}

func (s *Scorer) executionScore(strategy types.StrategyType, snap *types.MarketSnapshot) float64 {
	return mean(
		s.SuccessRate(strategy),
		snap.MarketHealth,
		snap.GasStability,
		snap.LiquidityAvailability,
	)
}

func marketScore(snap *types.MarketSnapshot) float64 {
	return mean(snap.RegimeScore, snap.VolatilityScore, snap.TrendScore, snap.SentimentScore)
}

// gasEfficiencyScore is a step function of the gas-to-profit ratio.
func gasEfficiencyScore(expectedProfit, gasEstimate float64) float64 {
	if expectedProfit <= 0 || gasEstimate <= 0 {
		return 0
	}
	ratio := gasEstimate / expectedProfit
	switch {
	case ratio < 0.05:
		return 1.0
	case ratio < 0.1:
		return 0.8
	case ratio < 0.2:
		return 0.6
	case ratio < 0.5:
		return 0.3
	default:
		return 0
	}
}

func (s *Scorer) competitionScore(op *types.Opportunity, snap *types.MarketSnapshot) float64 {
	similar := 0
	for _, token := range op.Tokens {
		if n := snap.PendingTokenTxs[token]; n > similar {
			similar = n
		}
	}

	return mean(
		math.Min(1.0, float64(similar)*0.2),
		s.historicalCompetition(op.Strategy),
		snap.GasCompetition,
	)
}

func (s *Scorer) historicalCompetition(strategy types.StrategyType) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.historicalComp[strategy]; ok {
		return c
	}
	return 0.3
}

// confidenceInterval widens around the total for low data quality and high
// volatility regimes, clamped to [0,1].
func confidenceInterval(op *types.Opportunity, snap *types.MarketSnapshot, total float64) (float64, float64) {
	uncertainty := 0.10
	if !op.PriceDataOK {
		uncertainty += 0.10
	}
	if !op.LiquidityDataOK {
		uncertainty += 0.10
	}
	if snap.Regime == types.VolatilityHigh {
		uncertainty += 0.15
	}

	low := math.Max(0, total-uncertainty)
	high := math.Min(1, total+uncertainty)
	return low, high
}

func mean(vals ...float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
