package detect

import (
	"context"

	"github.com/mev-protocol/searcher/internal/market"
	"github.com/mev-protocol/searcher/pkg/types"
)

// View is the read-only world state handed to each detector for one cycle:
// the cycle's market snapshot, a pending-transaction snapshot and the price
// feed.
type View struct {
	ChainID  uint64
	Snapshot *types.MarketSnapshot
	Pending  []types.PendingTx
	Feed     market.Feed
}

// Detector produces raw candidate opportunities. A detector error empties its
// contribution for the cycle; it never stops the loop.
type Detector interface {
	Name() string
	Detect(ctx context.Context, view View) ([]*types.Opportunity, error)
}

// GasEstimates holds the per-strategy gas cost priors in ETH, injected into
// detectors rather than buried in their logic.
type GasEstimates map[types.StrategyType]float64

// DefaultGasEstimates are mainnet priors for a typical execution of each
// strategy.
func DefaultGasEstimates() GasEstimates {
	return GasEstimates{
		types.StrategyArbitrage:          0.01,
		types.StrategyFrontRun:           0.015,
		types.StrategyBackRun:            0.015,
		types.StrategySandwich:           0.025,
		types.StrategyFlashloanArbitrage: 0.02,
		types.StrategyLiquidation:        0.02,
	}
}

// For returns the prior for a strategy, defaulting conservatively.
func (g GasEstimates) For(strategy types.StrategyType) float64 {
	if est, ok := g[strategy]; ok {
		return est
	}
	return 0.02
}

func valueETH(wei uint64) float64 {
	return float64(wei) / 1e18
}
