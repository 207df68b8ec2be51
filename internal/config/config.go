package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full searcher configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Profit   ProfitConfig   `yaml:"profit"`
	Strategy StrategyConfig `yaml:"strategy"`
	Relay    RelayConfig    `yaml:"relay"`
	Risk     RiskConfig     `yaml:"risk"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ChainConfig identifies the target chain, its RPC endpoints and the token
// contracts the feed attributes pending transactions to.
type ChainConfig struct {
	ID                  uint64            `yaml:"id"`
	Endpoints           []string          `yaml:"endpoints"`
	Tokens              map[string]string `yaml:"tokens"` // symbol -> contract address
	HealthCheckSeconds  int               `yaml:"health_check_seconds"`
	RequestTimeoutSecs  int               `yaml:"request_timeout_seconds"`
	BlockTimeSeconds    int               `yaml:"block_time_seconds"`
	MempoolBufferSize   int               `yaml:"mempool_buffer_size"`
	MempoolWindowBlocks int               `yaml:"mempool_window_blocks"`
}

// ScannerConfig controls the detection loop.
type ScannerConfig struct {
	IntervalSeconds  int      `yaml:"interval_seconds"`
	BackoffSeconds   int      `yaml:"backoff_seconds"`
	Pairs            []string `yaml:"pairs"` // "TOKENA/TOKENB" watched by spread detectors
	MinProfitETH     float64  `yaml:"min_profit_eth"`
	MinConfidence    float64  `yaml:"min_confidence"`
	MaxPerCycle      int      `yaml:"max_per_cycle"`
	StaleTTLSeconds  int      `yaml:"stale_ttl_seconds"`
	ExecutionEnabled bool     `yaml:"execution_enabled"`

	Arbitrage   bool `yaml:"arbitrage"`
	Flashloan   bool `yaml:"flashloan"`
	FrontRun    bool `yaml:"front_run"`
	BackRun     bool `yaml:"back_run"`
	Sandwich    bool `yaml:"sandwich"`
	Liquidation bool `yaml:"liquidation"`
}

// ProfitConfig controls the profit optimizer.
type ProfitConfig struct {
	MinROIPercent   float64 `yaml:"min_roi_percent"`
	MinProfitETH    float64 `yaml:"min_profit_eth"`
	DefaultGasLimit uint64  `yaml:"default_gas_limit"`
	GasHistorySize  int     `yaml:"gas_history_size"`
}

// StrategyConfig holds the strategy selector thresholds.
type StrategyConfig struct {
	GasHighGwei   float64 `yaml:"gas_high_gwei"`
	GasMediumGwei float64 `yaml:"gas_medium_gwei"`
	VolatilityPct float64 `yaml:"volatility_pct"`
	MempoolTxRate float64 `yaml:"mempool_tx_rate"`
}

// RelayConfig controls the Flashbots relay client. The signing key is taken
// from the environment only, never from the YAML file.
type RelayConfig struct {
	FlashbotsURL         string  `yaml:"flashbots_url"`
	MEVShareURL          string  `yaml:"mev_share_url"`
	SigningKey           string  `yaml:"-"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	MaxRetries           int     `yaml:"max_retries"`
	MonitorBlocks        int     `yaml:"monitor_blocks"`
	BundleTimeoutSeconds int     `yaml:"bundle_timeout_seconds"`
	SubmitRatePerSec     float64 `yaml:"submit_rate_per_sec"`
}

// RiskConfig holds the default risk-control limits.
type RiskConfig struct {
	MaxGasPriceGwei float64  `yaml:"max_gas_price_gwei"`
	MaxGasLimit     uint64   `yaml:"max_gas_limit"`
	DenyAddresses   []string `yaml:"deny_addresses"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// Load reads the YAML config at path, applies .env / environment overrides
// and fills defaults. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the startup-fatal conditions. Everything else fails soft at
// runtime.
func (c *Config) Validate() error {
	if c.Chain.ID == 0 {
		return fmt.Errorf("config: chain id is required")
	}
	if len(c.Chain.Endpoints) == 0 {
		return fmt.Errorf("config: at least one RPC endpoint is required")
	}
	if c.Scanner.ExecutionEnabled && c.Relay.SigningKey == "" {
		return fmt.Errorf("config: FLASHBOTS_SIGNING_KEY is required when execution is enabled")
	}
	return nil
}

// ScanInterval returns the detection cycle interval.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scanner.IntervalSeconds) * time.Second
}

// Backoff returns the pause applied after a failed cycle.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Scanner.BackoffSeconds) * time.Second
}

// StaleTTL returns the opportunity staleness window.
func (c *Config) StaleTTL() time.Duration {
	return time.Duration(c.Scanner.StaleTTLSeconds) * time.Second
}

// WatchedPairs parses scanner.pairs entries of the form "TOKENA/TOKENB".
// Malformed entries are logged and skipped.
func (c *Config) WatchedPairs() [][2]string {
	pairs := make([][2]string, 0, len(c.Scanner.Pairs))
	for _, raw := range c.Scanner.Pairs {
		a, b, ok := strings.Cut(raw, "/")
		if !ok || a == "" || b == "" {
			log.Warn().Str("pair", raw).Msg("Ignoring malformed watched pair")
			continue
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs
}

func applyEnvOverrides(cfg *Config) {
	cfg.Relay.SigningKey = os.Getenv("FLASHBOTS_SIGNING_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Chain.HealthCheckSeconds <= 0 {
		cfg.Chain.HealthCheckSeconds = 30
	}
	if cfg.Chain.RequestTimeoutSecs <= 0 {
		cfg.Chain.RequestTimeoutSecs = 5
	}
	if cfg.Chain.BlockTimeSeconds <= 0 {
		cfg.Chain.BlockTimeSeconds = 12
	}
	if cfg.Chain.MempoolBufferSize <= 0 {
		cfg.Chain.MempoolBufferSize = 10000
	}
	if cfg.Scanner.IntervalSeconds <= 0 {
		cfg.Scanner.IntervalSeconds = 3
	}
	if cfg.Scanner.BackoffSeconds <= 0 {
		cfg.Scanner.BackoffSeconds = 5
	}
	if cfg.Scanner.MinConfidence <= 0 {
		cfg.Scanner.MinConfidence = 0.6
	}
	if cfg.Scanner.MaxPerCycle <= 0 {
		cfg.Scanner.MaxPerCycle = 50
	}
	if cfg.Scanner.StaleTTLSeconds <= 0 {
		cfg.Scanner.StaleTTLSeconds = 300
	}
	if cfg.Profit.MinROIPercent <= 0 {
		cfg.Profit.MinROIPercent = 5.0
	}
	if cfg.Profit.DefaultGasLimit == 0 {
		cfg.Profit.DefaultGasLimit = 500000
	}
	if cfg.Profit.GasHistorySize <= 0 {
		cfg.Profit.GasHistorySize = 1000
	}
	if cfg.Strategy.GasHighGwei <= 0 {
		cfg.Strategy.GasHighGwei = 100
	}
	if cfg.Strategy.GasMediumGwei <= 0 {
		cfg.Strategy.GasMediumGwei = 60
	}
	if cfg.Strategy.VolatilityPct <= 0 {
		cfg.Strategy.VolatilityPct = 10.0
	}
	if cfg.Strategy.MempoolTxRate <= 0 {
		cfg.Strategy.MempoolTxRate = 1000
	}
	if cfg.Relay.FlashbotsURL == "" {
		cfg.Relay.FlashbotsURL = "https://relay.flashbots.net"
	}
	if cfg.Relay.MEVShareURL == "" {
		cfg.Relay.MEVShareURL = "https://mev-share.flashbots.net"
	}
	if cfg.Relay.TimeoutSeconds <= 0 {
		cfg.Relay.TimeoutSeconds = 10
	}
	if cfg.Relay.MaxRetries <= 0 {
		cfg.Relay.MaxRetries = 3
	}
	if cfg.Relay.MonitorBlocks <= 0 {
		cfg.Relay.MonitorBlocks = 2
	}
	if cfg.Relay.BundleTimeoutSeconds <= 0 {
		cfg.Relay.BundleTimeoutSeconds = 12
	}
	if cfg.Relay.SubmitRatePerSec <= 0 {
		cfg.Relay.SubmitRatePerSec = 5
	}
	if cfg.Risk.MaxGasPriceGwei <= 0 {
		cfg.Risk.MaxGasPriceGwei = 300
	}
	if cfg.Risk.MaxGasLimit == 0 {
		cfg.Risk.MaxGasLimit = 2000000
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
