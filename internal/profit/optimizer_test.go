package profit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"

	"github.com/mev-protocol/searcher/pkg/types"
)

type fakeChain struct {
	gasPriceGwei float64
	gasEstimate  uint64
	callErr      error
	estimateErr  error
	gasPriceErr  error
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 19000000, nil }

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	wei := new(big.Float).Mul(big.NewFloat(f.gasPriceGwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out, nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasEstimate, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return []byte{}, nil
}

func candidate() TxCandidate {
	return TxCandidate{GasLimit: 300000, Value: big.NewInt(0)}
}

func profitableOp() *types.Opportunity {
	return &types.Opportunity{
		ID:             "op-1",
		Strategy:       types.StrategyArbitrage,
		ExpectedProfit: 0.2,
		AmountIn:       1.0,
		DetectedAt:     time.Now(),
	}
}

func TestAnalyze_ProfitableVerdict(t *testing.T) {
	chain := &fakeChain{gasPriceGwei: 30, gasEstimate: 200000}
	o := NewOptimizer(chain, Config{MinROIPercent: 5, MinProfitETH: 0.001})

	analysis := o.Analyze(context.Background(), profitableOp(), candidate())

	// gas cost 200000 * 30 gwei = 0.006 ETH, net 0.194, ROI 19.4%
	assert.True(t, analysis.Profitable)
	assert.True(t, analysis.SimulationSuccess)
	assert.InDelta(t, 0.006, analysis.GasCost, 1e-9)
	assert.InDelta(t, 0.194, analysis.NetProfit, 1e-9)
	assert.InDelta(t, 19.4, analysis.ROIPercent, 1e-6)
	assert.Equal(t, 0.9, analysis.ExecutionProbability)
}

func TestAnalyze_SimulationFailureNeverProfitable(t *testing.T) {
	chain := &fakeChain{gasPriceGwei: 30, callErr: errors.New("execution reverted")}
	o := NewOptimizer(chain, Config{MinROIPercent: 5})

	analysis := o.Analyze(context.Background(), profitableOp(), candidate())

	assert.False(t, analysis.Profitable)
	assert.False(t, analysis.SimulationSuccess)
	// Fallback keeps a residual execution probability for reporting.
	assert.Equal(t, 0.3, analysis.ExecutionProbability)
	// The fallback gas limit is the candidate's own limit.
	assert.InDelta(t, gasCostETH(300000, 30), analysis.GasCost, 1e-9)
}

func TestAnalyze_GasPriceFailureFailsClosed(t *testing.T) {
	chain := &fakeChain{gasEstimate: 200000, gasPriceErr: errors.New("rpc down")}
	o := NewOptimizer(chain, Config{MinROIPercent: 5})

	analysis := o.Analyze(context.Background(), profitableOp(), candidate())

	assert.False(t, analysis.Profitable)
	assert.Equal(t, types.RiskHigh, analysis.Risk)
	assert.Equal(t, 0.0, analysis.NetProfit)
}

func TestAnalyze_NilClientFailsClosed(t *testing.T) {
	o := NewOptimizer(nil, Config{})
	analysis := o.Analyze(context.Background(), profitableOp(), candidate())
	assert.False(t, analysis.Profitable)
	assert.Equal(t, types.RiskHigh, analysis.Risk)
}

func TestIsProfitableTrade(t *testing.T) {
	o := NewOptimizer(&fakeChain{}, Config{})

	// ROI exactly at the threshold passes (inclusive).
	assert.True(t, o.IsProfitableTrade(1.0, 1.06, 0.01, 5.0))
	assert.True(t, o.IsProfitableTrade(1.0, 1.2, 0.01, 5.0))
	assert.False(t, o.IsProfitableTrade(1.0, 1.04, 0.01, 5.0))
	// Non-positive input fails closed.
	assert.False(t, o.IsProfitableTrade(0, 1.2, 0.01, 5.0))
	assert.False(t, o.IsProfitableTrade(-1, 1.2, 0.01, 5.0))
}

func TestOptimalGasPrice_TrailingAverageBands(t *testing.T) {
	o := NewOptimizer(&fakeChain{}, Config{})

	// Not enough history: price passes through.
	assert.Equal(t, 50.0, o.optimalGasPrice(50))

	for i := 0; i < 11; i++ {
		o.recordGasPrice(50)
	}

	// More than 20% above the trailing average: back off 10%.
	assert.InDelta(t, 70*0.9, o.optimalGasPrice(70), 1e-9)
	// More than 20% below: bid up 10%.
	assert.InDelta(t, 30*1.1, o.optimalGasPrice(30), 1e-9)
	// Inside the band: unchanged.
	assert.Equal(t, 55.0, o.optimalGasPrice(55))
}

func TestGasMarketConditions(t *testing.T) {
	o := NewOptimizer(&fakeChain{}, Config{})
	assert.Equal(t, GasMarketUnknown, o.GasMarketConditions())

	for _, gwei := range []float64{30, 30, 31, 30, 31} {
		o.recordGasPrice(gwei)
	}
	assert.Equal(t, GasMarketStable, o.GasMarketConditions())

	for _, gwei := range []float64{30, 45, 30, 45, 30} {
		o.recordGasPrice(gwei)
	}
	assert.Equal(t, GasMarketModerate, o.GasMarketConditions())

	for _, gwei := range []float64{30, 80, 20, 90, 25} {
		o.recordGasPrice(gwei)
	}
	assert.Equal(t, GasMarketVolatile, o.GasMarketConditions())
}

func TestProfitRisk_PointSystem(t *testing.T) {
	// Thin margin, thin ROI, failed simulation: 3+2+2 points.
	assert.Equal(t, types.RiskHigh, profitRisk(0.001, 1, false))
	// Thin margin, good ROI: 3 points.
	assert.Equal(t, types.RiskMedium, profitRisk(0.001, 20, true))
	// Fat margin, fat ROI, clean simulation.
	assert.Equal(t, types.RiskLow, profitRisk(0.05, 20, true))
}

func TestRecordExecutionResult_Totals(t *testing.T) {
	o := NewOptimizer(&fakeChain{gasPriceGwei: 30, gasEstimate: 200000}, Config{MinROIPercent: 5})

	analysis := o.Analyze(context.Background(), profitableOp(), candidate())
	o.RecordExecutionResult(analysis, true, 0.15)
	o.RecordExecutionResult(analysis, false, 0)

	stats := o.StatsSnapshot()
	assert.Equal(t, uint64(1), stats.TotalAnalyses)
	assert.Equal(t, uint64(2), stats.Executed)
	assert.InDelta(t, 0.15, stats.TotalProfitETH, 1e-9)
}
