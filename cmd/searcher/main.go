package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/internal/analytics"
	"github.com/mev-protocol/searcher/internal/bundle"
	"github.com/mev-protocol/searcher/internal/config"
	"github.com/mev-protocol/searcher/internal/detect"
	"github.com/mev-protocol/searcher/internal/engine"
	"github.com/mev-protocol/searcher/internal/market"
	"github.com/mev-protocol/searcher/internal/mempool"
	"github.com/mev-protocol/searcher/internal/metrics"
	"github.com/mev-protocol/searcher/internal/profit"
	"github.com/mev-protocol/searcher/internal/relay"
	"github.com/mev-protocol/searcher/internal/risk"
	"github.com/mev-protocol/searcher/internal/rpc"
	"github.com/mev-protocol/searcher/internal/store"
	"github.com/mev-protocol/searcher/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg.Log)

	log.Info().Msg("MEV Searcher v0.1.0")
	log.Info().Msg("===================")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	registry := metrics.New("searcher")

	rpcPool := rpc.NewPool(rpc.Config{
		Endpoints:           cfg.Chain.Endpoints,
		RequestTimeout:      time.Duration(cfg.Chain.RequestTimeoutSecs) * time.Second,
		HealthCheckInterval: time.Duration(cfg.Chain.HealthCheckSeconds) * time.Second,
	})

	scanner := mempool.NewScanner(mempool.Config{
		BufferSize:    cfg.Chain.MempoolBufferSize,
		FilterEnabled: true,
		MinValueWei:   1e17, // 0.1 ETH
	}, rpcPool)

	// The pool must be running before anything takes a client from it.
	if err := rpcPool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start RPC pool")
	}

	feed := market.NewChainFeed(rpcPool, scanner, tokenAddresses(cfg.Chain.Tokens))

	flashbots := relay.NewClient(relay.Config{
		FlashbotsURL:  cfg.Relay.FlashbotsURL,
		MEVShareURL:   cfg.Relay.MEVShareURL,
		SigningKey:    cfg.Relay.SigningKey,
		MaxRetries:    cfg.Relay.MaxRetries,
		Timeout:       time.Duration(cfg.Relay.TimeoutSeconds) * time.Second,
		MonitorBlocks: cfg.Relay.MonitorBlocks,
		BlockTime:     time.Duration(cfg.Chain.BlockTimeSeconds) * time.Second,
		BundleTimeout: time.Duration(cfg.Relay.BundleTimeoutSeconds) * time.Second,
		SubmitRate:    cfg.Relay.SubmitRatePerSec,
		Metrics:       registry,
	})

	controls := risk.NewControls(cfg.Risk.MaxGasPriceGwei, cfg.Risk.MaxGasLimit, cfg.Risk.DenyAddresses)
	bundles := bundle.NewManager(flashbots, controls, bundle.Config{
		BundleTimeout: time.Duration(cfg.Relay.BundleTimeoutSeconds) * time.Second,
		Metrics:       registry,
	})

	opStore := store.New(10000)
	scorer := analytics.NewScorer()
	optimizer := newOptimizer(rpcPool, cfg)
	selector := strategy.NewSelector(strategy.Thresholds{
		GasHighGwei:   cfg.Strategy.GasHighGwei,
		GasMediumGwei: cfg.Strategy.GasMediumGwei,
		VolatilityPct: cfg.Strategy.VolatilityPct,
		MempoolTxRate: cfg.Strategy.MempoolTxRate,
	})

	loop := engine.New(engine.Config{
		ChainID:          cfg.Chain.ID,
		ScanInterval:     cfg.ScanInterval(),
		Backoff:          cfg.Backoff(),
		StaleTTL:         cfg.StaleTTL(),
		MinProfitETH:     cfg.Scanner.MinProfitETH,
		MinConfidence:    cfg.Scanner.MinConfidence,
		MaxPerCycle:      cfg.Scanner.MaxPerCycle,
		ExecutionEnabled: cfg.Scanner.ExecutionEnabled,
	}, engine.Deps{
		Feed:      feed,
		Pending:   scanner,
		Detectors: buildDetectors(cfg),
		Scorer:    scorer,
		Store:     opStore,
		Optimizer: optimizer,
		Selector:  selector,
		Bundles:   bundles,
		Metrics:   registry,
	})

	// Start components
	if err := scanner.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start mempool scanner")
	}
	if err := flashbots.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start relay client")
	}
	if err := bundles.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bundle manager")
	}
	if err := loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start detection engine")
	}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: registry.Handler()}
	go func() {
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics listener started")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics listener failed")
		}
	}()

	log.Info().Msg("All components started successfully")

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	loop.Stop(shutdownCtx)
	bundles.Stop(shutdownCtx)
	flashbots.Stop(shutdownCtx)
	scanner.Stop(shutdownCtx)
	rpcPool.Stop(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info().Msg("Shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newOptimizer(pool *rpc.Pool, cfg *config.Config) *profit.Optimizer {
	client, err := pool.Best()
	var chain rpc.ChainClient
	if err == nil {
		chain = client
	}
	return profit.NewOptimizer(chain, profit.Config{
		MinROIPercent:   cfg.Profit.MinROIPercent,
		MinProfitETH:    cfg.Profit.MinProfitETH,
		DefaultGasLimit: cfg.Profit.DefaultGasLimit,
		HistorySize:     cfg.Profit.GasHistorySize,
	})
}

func tokenAddresses(tokens map[string]string) map[string]common.Address {
	addrs := make(map[string]common.Address, len(tokens))
	for symbol, hex := range tokens {
		if !common.IsHexAddress(hex) {
			log.Warn().Str("token", symbol).Str("address", hex).Msg("Ignoring invalid token address")
			continue
		}
		addrs[symbol] = common.HexToAddress(hex)
	}
	return addrs
}

func buildDetectors(cfg *config.Config) []detect.Detector {
	pairs := cfg.WatchedPairs()
	if len(pairs) == 0 && (cfg.Scanner.Arbitrage || cfg.Scanner.Flashloan) {
		log.Warn().Msg("Spread detectors enabled without watched pairs; they will stay idle")
	}

	var detectors []detect.Detector
	if cfg.Scanner.Arbitrage {
		detectors = append(detectors, detect.NewArbitrage(detect.ArbitrageConfig{
			Pairs:        pairs,
			MinProfitETH: cfg.Scanner.MinProfitETH,
		}))
	}
	if cfg.Scanner.Flashloan {
		detectors = append(detectors, detect.NewFlashloan(detect.FlashloanConfig{
			Pairs:        pairs,
			MinProfitETH: cfg.Scanner.MinProfitETH,
		}))
	}
	if cfg.Scanner.FrontRun || cfg.Scanner.BackRun || cfg.Scanner.Sandwich {
		detectors = append(detectors, detect.NewMempool(detect.MempoolConfig{
			FrontRun: cfg.Scanner.FrontRun,
			BackRun:  cfg.Scanner.BackRun,
			Sandwich: cfg.Scanner.Sandwich,
		}))
	}
	return detectors
}
