package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/mev-protocol/searcher/pkg/types"
)

// Position is a lending position eligible for liquidation checks.
type Position struct {
	Protocol     string
	Borrower     string
	Collateral   string // token symbol
	Debt         string // token symbol
	DebtETH      float64
	HealthFactor float64
	Bonus        float64 // liquidation bonus as a fraction
}

// PositionSource supplies lending positions to the liquidation detector.
// Implementations poll protocol subgraphs or on-chain views.
type PositionSource interface {
	Positions(ctx context.Context) ([]Position, error)
}

// LiquidationConfig tunes the liquidation detector.
type LiquidationConfig struct {
	// HealthThreshold marks positions at or below it as liquidatable.
	HealthThreshold float64
	// CloseFactor caps the repayable share of the debt.
	CloseFactor  float64
	MinProfitETH float64
	Gas          GasEstimates
}

// Liquidation detects under-collateralized lending positions.
type Liquidation struct {
	cfg    LiquidationConfig
	source PositionSource
}

// NewLiquidation creates the liquidation detector.
func NewLiquidation(cfg LiquidationConfig, source PositionSource) *Liquidation {
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 1.0
	}
	if cfg.CloseFactor <= 0 {
		cfg.CloseFactor = 0.5
	}
	if cfg.Gas == nil {
		cfg.Gas = DefaultGasEstimates()
	}
	return &Liquidation{cfg: cfg, source: source}
}

func (d *Liquidation) Name() string { return "liquidation" }

func (d *Liquidation) Detect(ctx context.Context, view View) ([]*types.Opportunity, error) {
	positions, err := d.source.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var out []*types.Opportunity
	for _, pos := range positions {
		if pos.HealthFactor > d.cfg.HealthThreshold || pos.DebtETH <= 0 {
			continue
		}

		repay := pos.DebtETH * d.cfg.CloseFactor
		expectedProfit := repay * pos.Bonus
		if expectedProfit < d.cfg.MinProfitETH {
			continue
		}

		now := time.Now()
		tokens := []string{pos.Collateral, pos.Debt}
		out = append(out, &types.Opportunity{
			ID:               types.NewOpportunityID(types.StrategyLiquidation, view.ChainID, tokens, now),
			Strategy:         types.StrategyLiquidation,
			ChainID:          view.ChainID,
			Tokens:           tokens,
			ExpectedProfit:   expectedProfit,
			AmountIn:         repay,
			GasEstimate:      d.cfg.Gas.For(types.StrategyLiquidation),
			DetectedAt:       now,
			SlippageEstimate: 0.02,
			TimeSensitive:    true,
			PriceDataOK:      true,
			LiquidityDataOK:  true,
			Metadata: map[string]string{
				"protocol":      pos.Protocol,
				"borrower":      pos.Borrower,
				"health_factor": fmt.Sprintf("%.4f", pos.HealthFactor),
			},
		})
	}
	return out, nil
}
