package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/pkg/types"
)

// Router selectors for the swap calls worth targeting.
var swapSelectors = map[string]string{
	"0x38ed1739": "swapExactTokensForTokens",
	"0x7ff36ab5": "swapExactETHForTokens",
	"0x18cbafe5": "swapExactTokensForETH",
	"0x8803dbee": "swapTokensForExactTokens",
	"0xfb3bdb41": "swapETHForExactTokens",
	"0x5c11d795": "swapExactTokensForTokensSupportingFeeOnTransferTokens",
	"0x414bf389": "exactInputSingle",
	"0xc04b8d59": "exactInput",
}

// MempoolConfig tunes the pending-transaction detectors.
type MempoolConfig struct {
	// MinTargetValueETH filters out swaps too small to be worth
	// positioning around.
	MinTargetValueETH float64
	// FrontRun / BackRun / Sandwich enable the individual strategies.
	FrontRun bool
	BackRun  bool
	Sandwich bool
	// ProfitFraction estimates capturable profit as a fraction of the
	// target's value.
	ProfitFraction float64
	// MaxPerCycle bounds emitted opportunities per scan.
	MaxPerCycle int
	Gas         GasEstimates
}

// Mempool derives front-run, back-run and sandwich opportunities from
// pending swap transactions.
type Mempool struct {
	cfg MempoolConfig
}

// NewMempool creates the mempool detector.
func NewMempool(cfg MempoolConfig) *Mempool {
	if cfg.MinTargetValueETH <= 0 {
		cfg.MinTargetValueETH = 0.5
	}
	if cfg.ProfitFraction <= 0 {
		cfg.ProfitFraction = 0.002
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 20
	}
	if cfg.Gas == nil {
		cfg.Gas = DefaultGasEstimates()
	}
	return &Mempool{cfg: cfg}
}

func (d *Mempool) Name() string { return "mempool" }

func (d *Mempool) Detect(ctx context.Context, view View) ([]*types.Opportunity, error) {
	var out []*types.Opportunity

	for i := range view.Pending {
		if len(out) >= d.cfg.MaxPerCycle {
			break
		}
		tx := &view.Pending[i]
		name, ok := swapSelector(tx.Input)
		if !ok {
			continue
		}
		value := valueETH(tx.ValueWei)
		if value < d.cfg.MinTargetValueETH {
			continue
		}

		if d.cfg.Sandwich {
			if op := d.opportunity(view.ChainID, tx, types.StrategySandwich, name, value); op != nil {
				out = append(out, op)
				continue // one strategy per target
			}
		}
		if d.cfg.FrontRun {
			if op := d.opportunity(view.ChainID, tx, types.StrategyFrontRun, name, value); op != nil {
				out = append(out, op)
				continue
			}
		}
		if d.cfg.BackRun {
			if op := d.opportunity(view.ChainID, tx, types.StrategyBackRun, name, value); op != nil {
				out = append(out, op)
			}
		}
	}

	if len(out) > 0 {
		log.Debug().Int("count", len(out)).Msg("Mempool opportunities detected")
	}
	return out, nil
}

func (d *Mempool) opportunity(chainID uint64, tx *types.PendingTx, strategy types.StrategyType, method string, value float64) *types.Opportunity {
	profitFraction := d.cfg.ProfitFraction
	switch strategy {
	case types.StrategySandwich:
		// Both legs capture the slippage window.
		profitFraction *= 2
	case types.StrategyBackRun:
		// Back-runs only capture the post-trade rebalance.
		profitFraction *= 0.5
	}

	expectedProfit := value * profitFraction
	gas := d.cfg.Gas.For(strategy)
	if expectedProfit <= gas {
		return nil
	}

	now := time.Now()
	var tokens []string
	if tx.To != nil {
		tokens = []string{strings.ToLower(tx.To.Hex())}
	}
	target := tx.Hash

	return &types.Opportunity{
		ID:               types.NewOpportunityID(strategy, chainID, tokens, now),
		Strategy:         strategy,
		ChainID:          chainID,
		Tokens:           tokens,
		ExpectedProfit:   expectedProfit,
		AmountIn:         value,
		GasEstimate:      gas,
		DetectedAt:       now,
		SlippageEstimate: 0.01,
		TargetTx:         &target,
		TimeSensitive:    true,
		PriceDataOK:      true,
		LiquidityDataOK:  true,
		Metadata: map[string]string{
			"target_method":    method,
			"target_value_eth": fmt.Sprintf("%.4f", value),
			"target_gas_price": fmt.Sprintf("%d", tx.GasPrice),
		},
	}
}

func swapSelector(input []byte) (string, bool) {
	if len(input) < 4 {
		return "", false
	}
	sel := fmt.Sprintf("0x%x", input[:4])
	name, ok := swapSelectors[sel]
	return name, ok
}
