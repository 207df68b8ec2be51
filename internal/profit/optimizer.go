package profit

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/internal/rpc"
	"github.com/mev-protocol/searcher/pkg/types"
)

// Profit markers used by the confidence adjustment.
const (
	highProfitMark = 0.01
	lowProfitMark  = 0.005
)

// Config for the profit optimizer.
type Config struct {
	MinROIPercent   float64
	MinProfitETH    float64
	DefaultGasLimit uint64
	HistorySize     int
}

// TxCandidate is the unsigned transaction shape handed over for simulation.
type TxCandidate struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

type gasSample struct {
	at   time.Time
	gwei float64
}

type simulation struct {
	success              bool
	gasEstimate          uint64
	executionProbability float64
}

// Optimizer simulates candidates, optimizes gas pricing against recent
// history and renders the final profit verdict. Every step fails closed.
type Optimizer struct {
	client rpc.ChainClient
	cfg    Config

	mu      sync.Mutex
	history []gasSample

	statsMu         sync.RWMutex
	totalAnalyses   uint64
	profitableCount uint64
	executedCount   uint64
	totalProfitETH  float64
	totalGasETH     float64
}

// NewOptimizer creates a profit optimizer backed by a chain client.
func NewOptimizer(client rpc.ChainClient, cfg Config) *Optimizer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 500000
	}
	return &Optimizer{client: client, cfg: cfg}
}

// conservativeAnalysis is the fail-closed verdict: zero figures, not
// profitable, high risk.
func conservativeAnalysis() types.ProfitAnalysis {
	return types.ProfitAnalysis{
		Profitable:        false,
		Risk:              types.RiskHigh,
		SimulationSuccess: false,
	}
}

// Analyze runs the full profitability pipeline for one candidate: simulate,
// price gas, compute the verdict, probe alternative gas strategies when the
// verdict is negative, and emit the final analysis.
func (o *Optimizer) Analyze(ctx context.Context, op *types.Opportunity, candidate TxCandidate) types.ProfitAnalysis {
	if op == nil || o.client == nil {
		return conservativeAnalysis()
	}
	started := time.Now()

	sim := o.simulate(ctx, candidate)

	currentGwei, err := o.currentGasPriceGwei(ctx)
	if err != nil {
		log.Error().Err(err).Str("id", op.ID).Msg("Gas price unavailable, failing closed")
		return conservativeAnalysis()
	}
	o.recordGasPrice(currentGwei)

	optimizedGwei := o.optimalGasPrice(currentGwei)

	gross := op.ExpectedProfit
	amountIn := op.AmountIn
	gasCost := gasCostETH(sim.gasEstimate, optimizedGwei)
	net := gross - gasCost
	roi := 0.0
	if amountIn > 0 {
		roi = net / amountIn * 100
	}

	profitable := amountIn > 0 &&
		net >= o.cfg.MinProfitETH &&
		roi >= o.cfg.MinROIPercent &&
		sim.success

	recommended := optimizedGwei
	if !profitable {
		// Keep the best achievable outcome even if it stays unprofitable.
		best := net
		for _, factor := range []float64{0.8, 0.9, 1.0, 1.1} {
			gwei := currentGwei * factor
			probe := gross - gasCostETH(sim.gasEstimate, gwei)
			if probe > best {
				best = probe
				recommended = gwei
			}
		}
	}

	finalGasCost := gasCostETH(sim.gasEstimate, recommended)
	finalNet := gross - finalGasCost
	finalROI := 0.0
	if amountIn > 0 {
		finalROI = finalNet / amountIn * 100
	}
	finalProfitable := amountIn > 0 &&
		finalNet >= o.cfg.MinProfitETH &&
		finalROI >= o.cfg.MinROIPercent &&
		sim.success

	analysis := types.ProfitAnalysis{
		GrossProfit:          gross,
		GasCost:              finalGasCost,
		NetProfit:            finalNet,
		ROIPercent:           finalROI,
		Profitable:           finalProfitable,
		Confidence:           o.profitConfidence(op.Strategy, sim, finalNet),
		Risk:                 profitRisk(finalNet, finalROI, sim.success),
		RecommendedGasPrice:  recommended,
		SimulationSuccess:    sim.success,
		ExecutionProbability: sim.executionProbability,
	}

	o.statsMu.Lock()
	o.totalAnalyses++
	if analysis.Profitable {
		o.profitableCount++
	}
	o.statsMu.Unlock()

	log.Debug().
		Str("id", op.ID).
		Bool("profitable", analysis.Profitable).
		Float64("net_eth", analysis.NetProfit).
		Dur("elapsed", time.Since(started)).
		Msg("Profit analysis completed")

	return analysis
}

// IsProfitableTrade reports whether a trade clears the ROI threshold after
// gas. The threshold is inclusive; a non-positive input fails closed.
func (o *Optimizer) IsProfitableTrade(inputAmt, outputAmt, gasCostETH, roiThresholdPct float64) bool {
	if inputAmt <= 0 {
		return false
	}
	netProfit := outputAmt - inputAmt - gasCostETH
	roi := netProfit / inputAmt * 100
	return roi >= roiThresholdPct
}

// RecordExecutionResult folds an executed opportunity's outcome into the
// running totals.
func (o *Optimizer) RecordExecutionResult(analysis types.ProfitAnalysis, success bool, actualProfit float64) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	o.executedCount++
	if success {
		o.totalProfitETH += actualProfit
		o.totalGasETH += analysis.GasCost
	}
}

// Stats is a snapshot of the optimizer's counters.
type Stats struct {
	TotalAnalyses  uint64
	Profitable     uint64
	Executed       uint64
	TotalProfitETH float64
	TotalGasETH    float64
}

// StatsSnapshot returns a copy of the running counters.
func (o *Optimizer) StatsSnapshot() Stats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()

	return Stats{
		TotalAnalyses:  o.totalAnalyses,
		Profitable:     o.profitableCount,
		Executed:       o.executedCount,
		TotalProfitETH: o.totalProfitETH,
		TotalGasETH:    o.totalGasETH,
	}
}

// simulate dry-runs the candidate. Failure falls back to the configured
// default gas limit with a low execution probability; the simulation flag
// itself still forces the final verdict to not-profitable.
func (o *Optimizer) simulate(ctx context.Context, candidate TxCandidate) simulation {
	msg := ethereum.CallMsg{
		From:  candidate.From,
		To:    &candidate.To,
		Value: candidate.Value,
		Data:  candidate.Data,
	}

	if _, err := o.client.CallContract(ctx, msg, nil); err != nil {
		log.Warn().Err(err).Msg("Transaction simulation failed")
		return simulation{
			success:              false,
			gasEstimate:          o.fallbackGasLimit(candidate),
			executionProbability: 0.3,
		}
	}

	gas, err := o.client.EstimateGas(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("Gas estimation failed")
		return simulation{
			success:              false,
			gasEstimate:          o.fallbackGasLimit(candidate),
			executionProbability: 0.3,
		}
	}

	return simulation{
		success:              true,
		gasEstimate:          gas,
		executionProbability: 0.9,
	}
}

func (o *Optimizer) fallbackGasLimit(candidate TxCandidate) uint64 {
	if candidate.GasLimit > 0 {
		return candidate.GasLimit
	}
	return o.cfg.DefaultGasLimit
}

func (o *Optimizer) currentGasPriceGwei(ctx context.Context) (float64, error) {
	wei, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, err
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return gwei, nil
}

// optimalGasPrice adjusts the current price against the trailing-10-sample
// average: de-risk by 10% when the market runs more than 20% hot, bid up 10%
// when it runs more than 20% cold, otherwise keep the current price.
func (o *Optimizer) optimalGasPrice(currentGwei float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) <= 10 {
		return currentGwei
	}

	recent := o.history[len(o.history)-10:]
	var avg float64
	for _, s := range recent {
		avg += s.gwei
	}
	avg /= float64(len(recent))

	switch {
	case currentGwei > avg*1.2:
		return currentGwei * 0.9
	case currentGwei < avg*0.8:
		return currentGwei * 1.1
	default:
		return currentGwei
	}
}

func (o *Optimizer) recordGasPrice(gwei float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, gasSample{at: time.Now(), gwei: gwei})
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
}

// GasMarket classifies recent gas price variance.
type GasMarket string

const (
	GasMarketUnknown  GasMarket = "unknown"
	GasMarketStable   GasMarket = "stable"
	GasMarketModerate GasMarket = "moderate"
	GasMarketVolatile GasMarket = "volatile"
)

// GasMarketConditions classifies the trailing-5-sample gas price variance.
func (o *Optimizer) GasMarketConditions() GasMarket {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) < 5 {
		return GasMarketUnknown
	}

	recent := o.history[len(o.history)-5:]
	var mean float64
	for _, s := range recent {
		mean += s.gwei
	}
	mean /= float64(len(recent))

	var variance float64
	for _, s := range recent {
		variance += (s.gwei - mean) * (s.gwei - mean)
	}
	variance /= float64(len(recent))

	switch {
	case variance > 100:
		return GasMarketVolatile
	case variance > 25:
		return GasMarketModerate
	default:
		return GasMarketStable
	}
}

// profitConfidence starts neutral and adjusts for simulation outcome, profit
// margin, gas market state and strategy class, clamped to [0.1, 1.0].
func (o *Optimizer) profitConfidence(strategy types.StrategyType, sim simulation, netProfit float64) float64 {
	confidence := 0.5

	if sim.success {
		confidence += 0.2
	}

	if netProfit > highProfitMark {
		confidence += 0.15
	} else if netProfit > lowProfitMark {
		confidence += 0.1
	}

	switch o.GasMarketConditions() {
	case GasMarketStable:
		confidence += 0.1
	case GasMarketVolatile:
		confidence -= 0.1
	}

	switch strategy {
	case types.StrategyArbitrage, types.StrategyFlashloanArbitrage:
		confidence += 0.05
	case types.StrategySandwich, types.StrategyFrontRun:
		confidence -= 0.1
	}

	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// profitRisk scores risk points from margin, ROI and simulation outcome.
func profitRisk(netProfit, roiPercent float64, simSuccess bool) types.RiskLevel {
	points := 0

	switch {
	case netProfit < lowProfitMark:
		points += 3
	case netProfit < highProfitMark:
		points += 2
	case netProfit < 0.02:
		points++
	}

	switch {
	case roiPercent < 5:
		points += 2
	case roiPercent < 10:
		points++
	}

	if !simSuccess {
		points += 2
	}

	switch {
	case points >= 5:
		return types.RiskHigh
	case points >= 3:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// gasCostETH converts gas units at a gwei price to ETH.
func gasCostETH(gasUnits uint64, gwei float64) float64 {
	return float64(gasUnits) * gwei / 1e9
}
