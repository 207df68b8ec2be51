package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/pkg/types"
)

// ArbitrageConfig tunes the cross-venue spread detector.
type ArbitrageConfig struct {
	Pairs        [][2]string
	MinSpread    float64 // fraction, e.g. 0.005 for 0.5%
	AmountIn     float64 // ETH committed per trade
	MinProfitETH float64
	Gas          GasEstimates
}

// Arbitrage detects cross-venue price spreads on configured token pairs.
type Arbitrage struct {
	cfg ArbitrageConfig
}

// NewArbitrage creates the arbitrage detector.
func NewArbitrage(cfg ArbitrageConfig) *Arbitrage {
	if cfg.MinSpread <= 0 {
		cfg.MinSpread = 0.005
	}
	if cfg.AmountIn <= 0 {
		cfg.AmountIn = 1.0
	}
	if cfg.Gas == nil {
		cfg.Gas = DefaultGasEstimates()
	}
	return &Arbitrage{cfg: cfg}
}

func (d *Arbitrage) Name() string { return "arbitrage" }

// Detect compares every venue pair quoting each configured token pair and
// emits an opportunity for spreads above the minimum.
func (d *Arbitrage) Detect(ctx context.Context, view View) ([]*types.Opportunity, error) {
	var out []*types.Opportunity

	for _, pair := range d.cfg.Pairs {
		tokenA, tokenB := pair[0], pair[1]
		venues := view.Feed.Venues(ctx, tokenA, tokenB)
		if len(venues) < 2 {
			continue
		}

		quotes := make([]venueQuote, 0, len(venues))
		for _, venue := range venues {
			if price, ok := view.Feed.Price(ctx, tokenA, tokenB, venue); ok && price > 0 {
				quotes = append(quotes, venueQuote{venue: venue, price: price})
			}
		}
		if len(quotes) < 2 {
			continue
		}

		for i := 0; i < len(quotes); i++ {
			for j := i + 1; j < len(quotes); j++ {
				op := d.spreadOpportunity(view.ChainID, tokenA, tokenB, quotes[i], quotes[j])
				if op != nil {
					out = append(out, op)
				}
			}
		}
	}

	if len(out) > 0 {
		log.Debug().Int("count", len(out)).Msg("Arbitrage spreads detected")
	}
	return out, nil
}

type venueQuote struct {
	venue string
	price float64
}

func (d *Arbitrage) spreadOpportunity(chainID uint64, tokenA, tokenB string, a, b venueQuote) *types.Opportunity {
	low, high := a, b
	if b.price < a.price {
		low, high = b, a
	}

	spread := (high.price - low.price) / low.price
	if spread <= d.cfg.MinSpread {
		return nil
	}

	expectedProfit := d.cfg.AmountIn * spread
	if expectedProfit < d.cfg.MinProfitETH {
		return nil
	}

	now := time.Now()
	tokens := []string{tokenA, tokenB}
	return &types.Opportunity{
		ID:              types.NewOpportunityID(types.StrategyArbitrage, chainID, tokens, now),
		Strategy:        types.StrategyArbitrage,
		ChainID:         chainID,
		Tokens:          tokens,
		ExpectedProfit:  expectedProfit,
		AmountIn:        d.cfg.AmountIn,
		GasEstimate:     d.cfg.Gas.For(types.StrategyArbitrage),
		DetectedAt:      now,
		SlippageEstimate: math.Min(spread/2, 0.05),
		PriceDataOK:     true,
		LiquidityDataOK: true,
		Metadata: map[string]string{
			"venue_buy":  low.venue,
			"venue_sell": high.venue,
			"spread_pct": fmt.Sprintf("%.4f", spread*100),
		},
	}
}

// FlashloanConfig tunes the flashloan-amplified arbitrage detector.
type FlashloanConfig struct {
	Pairs        [][2]string
	MinSpread    float64 // wider floor than plain arbitrage
	LoanAmount   float64 // ETH borrowed per trade
	FeeRate      float64 // flash loan fee as a fraction
	MinProfitETH float64
	Gas          GasEstimates
}

// Flashloan detects spreads wide enough to be worth amplifying with
// borrowed size after the loan fee.
type Flashloan struct {
	cfg FlashloanConfig
}

// NewFlashloan creates the flashloan arbitrage detector.
func NewFlashloan(cfg FlashloanConfig) *Flashloan {
	if cfg.MinSpread <= 0 {
		cfg.MinSpread = 0.01
	}
	if cfg.LoanAmount <= 0 {
		cfg.LoanAmount = 10.0
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = 0.0009
	}
	if cfg.Gas == nil {
		cfg.Gas = DefaultGasEstimates()
	}
	return &Flashloan{cfg: cfg}
}

func (d *Flashloan) Name() string { return "flashloan_arbitrage" }

func (d *Flashloan) Detect(ctx context.Context, view View) ([]*types.Opportunity, error) {
	var out []*types.Opportunity

	for _, pair := range d.cfg.Pairs {
		tokenA, tokenB := pair[0], pair[1]

		var best, worst float64
		var haveQuotes bool
		for _, venue := range view.Feed.Venues(ctx, tokenA, tokenB) {
			price, ok := view.Feed.Price(ctx, tokenA, tokenB, venue)
			if !ok || price <= 0 {
				continue
			}
			if !haveQuotes {
				best, worst = price, price
				haveQuotes = true
				continue
			}
			if price > best {
				best = price
			}
			if price < worst {
				worst = price
			}
		}
		if !haveQuotes || worst <= 0 {
			continue
		}

		spread := (best - worst) / worst
		if spread <= d.cfg.MinSpread {
			continue
		}

		grossProfit := d.cfg.LoanAmount * spread
		loanFee := d.cfg.LoanAmount * d.cfg.FeeRate
		expectedProfit := grossProfit - loanFee
		if expectedProfit < d.cfg.MinProfitETH {
			continue
		}

		now := time.Now()
		tokens := []string{tokenA, tokenB}
		out = append(out, &types.Opportunity{
			ID:              types.NewOpportunityID(types.StrategyFlashloanArbitrage, view.ChainID, tokens, now),
			Strategy:        types.StrategyFlashloanArbitrage,
			ChainID:         view.ChainID,
			Tokens:          tokens,
			ExpectedProfit:  expectedProfit,
			AmountIn:        d.cfg.LoanAmount,
			GasEstimate:     d.cfg.Gas.For(types.StrategyFlashloanArbitrage),
			DetectedAt:      now,
			SlippageEstimate: math.Min(spread/2, 0.05),
			PriceDataOK:     true,
			LiquidityDataOK: true,
			Metadata: map[string]string{
				"loan_fee_eth": fmt.Sprintf("%.6f", loanFee),
				"spread_pct":   fmt.Sprintf("%.4f", spread*100),
			},
		})
	}

	return out, nil
}
