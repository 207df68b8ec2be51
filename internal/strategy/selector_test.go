package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mev-protocol/searcher/pkg/types"
)

func TestSelect_SkipOnHighGasOrVolatility(t *testing.T) {
	s := NewSelector(Thresholds{})

	assert.Equal(t, types.ModeSkip, s.Select(100, 150, 2))
	assert.Equal(t, types.ModeSkip, s.Select(100, 40, 12))
	// Inclusive bounds: exactly at the threshold skips.
	assert.Equal(t, types.ModeSkip, s.Select(100, 100, 2))
	assert.Equal(t, types.ModeSkip, s.Select(100, 40, 10))
}

func TestSelect_MultiHopOnBusyCheapMempool(t *testing.T) {
	s := NewSelector(Thresholds{})

	assert.Equal(t, types.ModeMultiHop, s.Select(1200, 40, 2))
	// Exactly at the mempool bound still counts as high volume.
	assert.Equal(t, types.ModeMultiHop, s.Select(1000, 40, 2))
	// Gas exactly at the medium bound is not "low": strict comparison.
	assert.Equal(t, types.ModeSimple, s.Select(1200, 60, 2))
}

func TestSelect_SimpleOtherwise(t *testing.T) {
	s := NewSelector(Thresholds{})

	assert.Equal(t, types.ModeSimple, s.Select(100, 40, 2))
	assert.Equal(t, types.ModeSimple, s.Select(1200, 70, 2))
	assert.Equal(t, types.ModeSimple, s.Select(0, 0, 0))
}

func TestSelect_SkipWinsOverMultiHop(t *testing.T) {
	s := NewSelector(Thresholds{})
	// Busy and cheap, but volatile: skip takes precedence.
	assert.Equal(t, types.ModeSkip, s.Select(1500, 40, 20))
}

func TestSelect_CustomThresholds(t *testing.T) {
	s := NewSelector(Thresholds{GasHighGwei: 50, GasMediumGwei: 30, VolatilityPct: 5, MempoolTxRate: 100})

	assert.Equal(t, types.ModeSkip, s.Select(10, 50, 1))
	assert.Equal(t, types.ModeMultiHop, s.Select(150, 20, 1))
	assert.Equal(t, types.ModeSimple, s.Select(50, 40, 1))
}

func TestConfidence(t *testing.T) {
	s := NewSelector(Thresholds{})

	assert.Equal(t, 0.0, s.Confidence(types.ModeSkip, &Conditions{}))
	assert.Equal(t, 0.5, s.Confidence(types.ModeSimple, nil))

	// Cheap gas, calm market, busy mempool: every bonus applies.
	best := s.Confidence(types.ModeSimple, &Conditions{GasPriceGwei: 20, VolatilityPct: 2, MempoolTxRate: 600})
	assert.InDelta(t, 1.0, best, 1e-9)

	// Expensive gas and violent market: both penalties apply.
	worst := s.Confidence(types.ModeSimple, &Conditions{GasPriceGwei: 90, VolatilityPct: 20})
	assert.InDelta(t, 0.1, worst, 1e-9)

	// Middle of every band stays neutral.
	mid := s.Confidence(types.ModeMultiHop, &Conditions{GasPriceGwei: 50, VolatilityPct: 10, MempoolTxRate: 100})
	assert.InDelta(t, 0.5, mid, 1e-9)
}
