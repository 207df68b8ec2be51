package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PendingTx is a mempool transaction descriptor.
type PendingTx struct {
	Hash      common.Hash
	From      common.Address
	To        *common.Address
	ValueWei  uint64
	GasPrice  uint64
	GasLimit  uint64
	Input     []byte
	Nonce     uint64
	Timestamp time.Time
}

// VolatilityRegime labels the market's volatility state.
type VolatilityRegime string

const (
	VolatilityNormal VolatilityRegime = "normal"
	VolatilityHigh   VolatilityRegime = "high"
)

// MarketSnapshot captures the market state at the start of a detection cycle.
// Scoring within a cycle reads only from this snapshot, never from live feeds,
// so every opportunity in the cycle is judged against the same view.
type MarketSnapshot struct {
	TakenAt     time.Time
	BlockNumber uint64

	GasPriceGwei  float64
	MempoolTxRate float64 // transactions per minute
	VolatilityPct float64 // headline token volatility, percentage

	// Per-token volatility as a fraction (0.05 == 5%). Missing tokens are
	// treated as unknown by consumers.
	TokenVolatility map[string]float64

	// Pending transaction counts keyed by token symbol, used for competition
	// estimates.
	PendingTokenTxs map[string]int

	// Component scores sourced from the market data collaborator, all [0,1].
	RegimeScore           float64
	VolatilityScore       float64
	TrendScore            float64
	SentimentScore        float64
	MarketHealth          float64
	GasStability          float64
	LiquidityRisk         float64
	LiquidityAvailability float64
	GasCompetition        float64

	Regime VolatilityRegime
}
