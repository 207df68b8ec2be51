package strategy

import (
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/pkg/types"
)

// Thresholds are the market-condition bounds driving selection.
type Thresholds struct {
	GasHighGwei   float64 // at or above: skip
	GasMediumGwei float64 // strictly below, with high mempool volume: multi_hop
	VolatilityPct float64 // at or above: skip
	MempoolTxRate float64 // at or above: high-volume regime
}

// DefaultThresholds match mainnet operating experience.
func DefaultThresholds() Thresholds {
	return Thresholds{
		GasHighGwei:   100,
		GasMediumGwei: 60,
		VolatilityPct: 10.0,
		MempoolTxRate: 1000,
	}
}

// Conditions is the market view used for confidence scoring. A nil value
// means conditions are unknown and confidence stays neutral.
type Conditions struct {
	GasPriceGwei  float64
	VolatilityPct float64
	MempoolTxRate float64
}

// Selector chooses an execution mode from live network conditions,
// independent of any specific opportunity.
type Selector struct {
	thresholds Thresholds
}

// NewSelector creates a selector. Zero-valued thresholds fall back to
// defaults.
func NewSelector(t Thresholds) *Selector {
	d := DefaultThresholds()
	if t.GasHighGwei <= 0 {
		t.GasHighGwei = d.GasHighGwei
	}
	if t.GasMediumGwei <= 0 {
		t.GasMediumGwei = d.GasMediumGwei
	}
	if t.VolatilityPct <= 0 {
		t.VolatilityPct = d.VolatilityPct
	}
	if t.MempoolTxRate <= 0 {
		t.MempoolTxRate = d.MempoolTxRate
	}
	return &Selector{thresholds: t}
}

// Select applies the rules in order, first match wins:
//  1. gas at/above the high bound or volatility at/above its bound: skip
//  2. mempool volume at/above the high bound AND gas strictly below the
//     medium bound: multi_hop
//  3. otherwise: simple
//
// The medium-gas comparison is deliberately strict while the skip bounds are
// inclusive; gas exactly at the medium bound selects simple.
func (s *Selector) Select(mempoolTxRate, gasPriceGwei, volatilityPct float64) types.ExecutionMode {
	if gasPriceGwei >= s.thresholds.GasHighGwei || volatilityPct >= s.thresholds.VolatilityPct {
		log.Info().
			Float64("gas_gwei", gasPriceGwei).
			Float64("volatility_pct", volatilityPct).
			Msg("Market conditions too risky, skipping")
		return types.ModeSkip
	}

	if mempoolTxRate >= s.thresholds.MempoolTxRate && gasPriceGwei < s.thresholds.GasMediumGwei {
		log.Info().
			Float64("tx_rate", mempoolTxRate).
			Float64("gas_gwei", gasPriceGwei).
			Msg("High mempool volume with low gas, using multi_hop")
		return types.ModeMultiHop
	}

	return types.ModeSimple
}

// Confidence scores the selected mode against current conditions. Skip is
// always 0; unknown conditions are neutral 0.5.
func (s *Selector) Confidence(mode types.ExecutionMode, cond *Conditions) float64 {
	if mode == types.ModeSkip {
		return 0
	}
	if cond == nil {
		return 0.5
	}

	confidence := 0.5

	if cond.GasPriceGwei < 30 {
		confidence += 0.2
	} else if cond.GasPriceGwei > 80 {
		confidence -= 0.2
	}

	if cond.VolatilityPct < 5.0 {
		confidence += 0.2
	} else if cond.VolatilityPct > 15.0 {
		confidence -= 0.2
	}

	if cond.MempoolTxRate > 500 {
		confidence += 0.1
	}

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
