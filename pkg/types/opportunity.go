package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// StrategyType enumerates the supported MEV strategies.
type StrategyType string

const (
	StrategyArbitrage          StrategyType = "arbitrage"
	StrategyFrontRun           StrategyType = "front_run"
	StrategyBackRun            StrategyType = "back_run"
	StrategySandwich           StrategyType = "sandwich"
	StrategyFlashloanArbitrage StrategyType = "flashloan_arbitrage"
	StrategyLiquidation        StrategyType = "liquidation"
)

// AllStrategies lists every strategy type; used for exhaustive tables.
var AllStrategies = []StrategyType{
	StrategyArbitrage,
	StrategyFrontRun,
	StrategyBackRun,
	StrategySandwich,
	StrategyFlashloanArbitrage,
	StrategyLiquidation,
}

// Valid reports whether s is a known strategy type.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyArbitrage, StrategyFrontRun, StrategyBackRun,
		StrategySandwich, StrategyFlashloanArbitrage, StrategyLiquidation:
		return true
	}
	return false
}

// RiskLevel classifies an opportunity's risk.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// RiskLevelFromScore maps a risk sub-score in [0,1] to a risk level.
func RiskLevelFromScore(score float64) RiskLevel {
	switch {
	case score < 0.25:
		return RiskLow
	case score < 0.5:
		return RiskMedium
	case score < 0.75:
		return RiskHigh
	default:
		return RiskExtreme
	}
}

// OpportunityScore is the scoring breakdown produced by the analytics engine.
// All sub-scores are in [0,1]. A score is immutable once produced; re-scoring
// replaces the whole value.
type OpportunityScore struct {
	Total                float64
	ProfitPotential      float64
	Risk                 float64
	ExecutionProbability float64
	MarketConditions     float64
	GasEfficiency        float64
	Competition          float64
	ConfidenceLow        float64
	ConfidenceHigh       float64
}

// Opportunity is a candidate profit action discovered by a strategy detector.
// Amounts are in native-currency units (ETH).
type Opportunity struct {
	ID             string
	Strategy       StrategyType
	ChainID        uint64
	Tokens         []string
	ExpectedProfit float64
	AmountIn       float64
	GasEstimate    float64
	Confidence     float64
	Risk           RiskLevel
	Priority       int
	DetectedAt     time.Time

	// SlippageEstimate is the detector's slippage guess as a fraction.
	SlippageEstimate float64
	// TargetTx is the mempool transaction this opportunity reacts to, if any.
	TargetTx *common.Hash
	// TimeSensitive marks opportunities that decay within a block or two.
	TimeSensitive bool
	// PriceDataOK and LiquidityDataOK flag the quality of the data the
	// detector worked from; low quality widens the score's confidence interval.
	PriceDataOK     bool
	LiquidityDataOK bool

	Metadata map[string]string
	Score    *OpportunityScore
}

// PriorityScore is the store's ranking key.
func (o *Opportunity) PriorityScore() float64 {
	return o.ExpectedProfit * o.Confidence
}

// NewOpportunityID derives a stable id from the opportunity's identity fields.
func NewOpportunityID(strategy StrategyType, chainID uint64, tokens []string, discoveredAt time.Time) string {
	seed := fmt.Sprintf("%s_%d_%s_%d", strategy, chainID, strings.Join(tokens, "-"), discoveredAt.UnixNano())
	return common.Bytes2Hex(crypto.Keccak256([]byte(seed))[:8])
}

// ProfitAnalysis is the optimizer's verdict for one transaction candidate.
type ProfitAnalysis struct {
	GrossProfit          float64
	GasCost              float64
	NetProfit            float64
	ROIPercent           float64
	Profitable           bool
	Confidence           float64
	Risk                 RiskLevel
	RecommendedGasPrice  float64 // gwei
	SimulationSuccess    bool
	ExecutionProbability float64
}

// ExecutionMode is the strategy selector's output.
type ExecutionMode string

const (
	ModeSimple   ExecutionMode = "simple"
	ModeMultiHop ExecutionMode = "multi_hop"
	ModeSkip     ExecutionMode = "skip"
)
