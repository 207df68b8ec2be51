package market

import (
	"bytes"
	"context"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/internal/mempool"
	"github.com/mev-protocol/searcher/internal/rpc"
	"github.com/mev-protocol/searcher/pkg/types"
)

// Feed is the market-data capability consumed by the pipeline. Implementations
// must tolerate missing data: a false second return value means unknown, and
// the pipeline degrades instead of faulting.
type Feed interface {
	// Price returns the tokenA/tokenB price on a venue.
	Price(ctx context.Context, tokenA, tokenB, venue string) (float64, bool)
	// Volatility returns a token's volatility as a fraction.
	Volatility(ctx context.Context, token string) (float64, bool)
	// Venues lists the venues with a quote for the pair.
	Venues(ctx context.Context, tokenA, tokenB string) []string
	// Snapshot captures the market state for one detection cycle.
	Snapshot(ctx context.Context) types.MarketSnapshot
}

// Indicators are the slow-moving market metrics pushed in by the external
// market-data collector. Values are [0,1] scores unless noted.
type Indicators struct {
	RegimeScore           float64
	TrendScore            float64
	SentimentScore        float64
	MarketHealth          float64
	LiquidityRisk         float64
	LiquidityAvailability float64
	GasCompetition        float64
}

func defaultIndicators() Indicators {
	return Indicators{
		RegimeScore:           0.6,
		TrendScore:            0.6,
		SentimentScore:        0.5,
		MarketHealth:          0.7,
		LiquidityRisk:         0.2,
		LiquidityAvailability: 0.9,
		GasCompetition:        0.4,
	}
}

// ChainFeed is the production Feed. Prices, volatilities and indicators are
// pushed in by the external ingestion process; gas price and block height come
// from the RPC pool; mempool-derived fields come from the scanner window.
type ChainFeed struct {
	pool    *rpc.Pool
	scanner *mempool.Scanner

	mu          sync.RWMutex
	prices      map[string]map[string]float64 // pair -> venue -> price
	volatility  map[string]float64            // token -> fraction
	tokenAddrs  map[string]common.Address
	indicators  Indicators
	gasSamples  []float64
	maxGasSamps int
}

// NewChainFeed creates the production feed. tokenAddrs maps token symbols to
// their contract addresses, used to attribute pending transactions to tokens.
func NewChainFeed(pool *rpc.Pool, scanner *mempool.Scanner, tokenAddrs map[string]common.Address) *ChainFeed {
	return &ChainFeed{
		pool:        pool,
		scanner:     scanner,
		prices:      make(map[string]map[string]float64),
		volatility:  make(map[string]float64),
		tokenAddrs:  tokenAddrs,
		indicators:  defaultIndicators(),
		maxGasSamps: 60,
	}
}

// SetPrice records a venue quote pushed by the ingestion process.
func (f *ChainFeed) SetPrice(tokenA, tokenB, venue string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := pairKey(tokenA, tokenB)
	if f.prices[key] == nil {
		f.prices[key] = make(map[string]float64)
	}
	f.prices[key][venue] = price
}

// SetVolatility records a token volatility pushed by the ingestion process.
func (f *ChainFeed) SetVolatility(token string, vol float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volatility[token] = vol
}

// SetIndicators replaces the slow-moving market indicators.
func (f *ChainFeed) SetIndicators(ind Indicators) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indicators = ind
}

// Price implements Feed.
func (f *ChainFeed) Price(_ context.Context, tokenA, tokenB, venue string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	venues, ok := f.prices[pairKey(tokenA, tokenB)]
	if !ok {
		return 0, false
	}
	price, ok := venues[venue]
	return price, ok
}

// Volatility implements Feed.
func (f *ChainFeed) Volatility(_ context.Context, token string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	vol, ok := f.volatility[token]
	return vol, ok
}

// Venues implements Feed.
func (f *ChainFeed) Venues(_ context.Context, tokenA, tokenB string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	quoted, ok := f.prices[pairKey(tokenA, tokenB)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(quoted))
	for venue := range quoted {
		out = append(out, venue)
	}
	return out
}

// Snapshot implements Feed. Gas price and block number failures degrade to
// zero values rather than failing the cycle.
func (f *ChainFeed) Snapshot(ctx context.Context) types.MarketSnapshot {
	snap := types.MarketSnapshot{TakenAt: time.Now()}

	if f.pool != nil {
		if gwei, err := f.pool.GasPriceGwei(ctx); err == nil {
			snap.GasPriceGwei = gwei
			f.recordGasSample(gwei)
		} else {
			log.Warn().Err(err).Msg("Gas price unavailable for snapshot")
		}
		if block, err := f.pool.BlockNumber(ctx); err == nil {
			snap.BlockNumber = block
		}
	}

	var pending []types.PendingTx
	if f.scanner != nil {
		snap.MempoolTxRate = f.scanner.TxRate()
		pending = f.scanner.Pending()
	}

	f.mu.RLock()
	snap.TokenVolatility = make(map[string]float64, len(f.volatility))
	maxVol := 0.0
	for token, vol := range f.volatility {
		snap.TokenVolatility[token] = vol
		if vol > maxVol {
			maxVol = vol
		}
	}
	ind := f.indicators
	snap.GasStability = gasStability(f.gasSamples)
	pendingCounts := countPendingByToken(pending, f.tokenAddrs)
	f.mu.RUnlock()

	snap.VolatilityPct = maxVol * 100
	snap.PendingTokenTxs = pendingCounts
	snap.RegimeScore = ind.RegimeScore
	snap.TrendScore = ind.TrendScore
	snap.SentimentScore = ind.SentimentScore
	snap.MarketHealth = ind.MarketHealth
	snap.LiquidityRisk = ind.LiquidityRisk
	snap.LiquidityAvailability = ind.LiquidityAvailability
	snap.GasCompetition = ind.GasCompetition
	snap.VolatilityScore = clamp01(1 - maxVol/0.2)

	snap.Regime = types.VolatilityNormal
	if snap.VolatilityPct >= 8 {
		snap.Regime = types.VolatilityHigh
	}

	return snap
}

func (f *ChainFeed) recordGasSample(gwei float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gasSamples = append(f.gasSamples, gwei)
	if len(f.gasSamples) > f.maxGasSamps {
		f.gasSamples = f.gasSamples[len(f.gasSamples)-f.maxGasSamps:]
	}
}

// gasStability maps recent gas price variance to a [0,1] stability score.
func gasStability(samples []float64) float64 {
	if len(samples) < 5 {
		return 0.8
	}
	recent := samples[len(samples)-5:]
	var mean float64
	for _, s := range recent {
		mean += s
	}
	mean /= float64(len(recent))
	var variance float64
	for _, s := range recent {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(recent))
	return clamp01(1 - math.Sqrt(variance)/25)
}

// countPendingByToken attributes pending transactions to tokens by matching
// the token's contract address inside the calldata or as the target.
func countPendingByToken(pending []types.PendingTx, tokenAddrs map[string]common.Address) map[string]int {
	counts := make(map[string]int, len(tokenAddrs))
	if len(tokenAddrs) == 0 {
		return counts
	}
	for _, tx := range pending {
		for symbol, addr := range tokenAddrs {
			if tx.To != nil && *tx.To == addr {
				counts[symbol]++
				continue
			}
			if len(tx.Input) >= 24 && bytes.Contains(tx.Input, addr.Bytes()) {
				counts[symbol]++
			}
		}
	}
	return counts
}

func pairKey(tokenA, tokenB string) string {
	if tokenA > tokenB {
		tokenA, tokenB = tokenB, tokenA
	}
	return tokenA + "/" + tokenB
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
