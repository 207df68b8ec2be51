package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mev-protocol/searcher/internal/metrics"
	"github.com/mev-protocol/searcher/pkg/types"
)

// Config for the relay client.
type Config struct {
	FlashbotsURL  string
	MEVShareURL   string
	SigningKey    string
	MaxRetries    int
	Timeout       time.Duration
	MonitorBlocks int
	BlockTime     time.Duration
	BundleTimeout time.Duration
	SubmitRate    float64
	Metrics       *metrics.Registry
}

// Client speaks the Flashbots relay protocol: eth_sendBundle, eth_callBundle,
// mev_sendBundle, eth_getBundleByHash and flashbots_getBundleStats. Network
// and relay-reported errors surface as structured failure results, never as
// implicit success.
type Client struct {
	config     Config
	httpClient *http.Client
	signingKey *ecdsa.PrivateKey
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	running    bool

	mu      sync.RWMutex
	pending map[string]pendingBundle

	statsMu      sync.RWMutex
	submissions  uint64
	included     uint64
	failed       uint64
	avgLatencyMs float64
}

type pendingBundle struct {
	targetBlock uint64
	submittedAt time.Time
}

// NewClient creates a relay client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MonitorBlocks <= 0 {
		cfg.MonitorBlocks = 2
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 12 * time.Second
	}
	if cfg.BundleTimeout <= 0 {
		cfg.BundleTimeout = 12 * time.Second
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 5
	}

	settings := gobreaker.Settings{Name: "flashbots-relay"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		limiter:    rate.NewLimiter(rate.Limit(cfg.SubmitRate), 1),
		pending:    make(map[string]pendingBundle),
	}
}

// Start parses the signing key. Submission requires a key; read-only
// simulation does not.
func (c *Client) Start(ctx context.Context) error {
	log.Info().Msg("Starting Flashbots relay client")

	if c.config.SigningKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.config.SigningKey, "0x"))
		if err != nil {
			return fmt.Errorf("invalid signing key: %w", err)
		}
		c.signingKey = key

		addr := crypto.PubkeyToAddress(key.PublicKey)
		log.Info().Str("address", addr.Hex()).Msg("Relay signing identity loaded")
	}

	c.running = true
	return nil
}

// Stop shuts the client down.
func (c *Client) Stop(ctx context.Context) {
	log.Info().Msg("Stopping Flashbots relay client")
	c.running = false
}

// SendBundle submits a bundle via eth_sendBundle. A relay error or missing
// bundle hash is a submission failure.
func (c *Client) SendBundle(ctx context.Context, bundle *types.BundleRequest, targetBlock uint64) types.SubmissionResult {
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return c.failSubmission("flashbots", start, err)
	}

	raw, err := c.call(ctx, c.config.FlashbotsURL, "eth_sendBundle", []interface{}{bundle})
	if err != nil {
		return c.failSubmission("flashbots", start, err)
	}

	hash, err := parseBundleHash(raw)
	if err != nil {
		return c.failSubmission("flashbots", start, err)
	}

	latency := time.Since(start)
	c.trackSubmission(hash, targetBlock, latency)

	log.Info().
		Str("bundleHash", hash).
		Int("txCount", len(bundle.Txs)).
		Uint64("targetBlock", targetBlock).
		Dur("latency", latency).
		Msg("Bundle submitted")

	return types.SubmissionResult{
		Success:     true,
		BundleHash:  hash,
		TargetBlock: targetBlock,
		Latency:     latency,
		Relay:       "flashbots",
	}
}

// SendMEVShareBundle submits via mev_sendBundle to the secondary distribution
// channel with optional hints.
func (c *Client) SendMEVShareBundle(ctx context.Context, bundle *types.BundleRequest, targetBlock uint64, hints map[string]interface{}) types.SubmissionResult {
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return c.failSubmission("mev-share", start, err)
	}

	params := map[string]interface{}{
		"txs":         bundle.Txs,
		"blockNumber": bundle.BlockNumber,
	}
	if bundle.MinTimestamp != nil {
		params["minTimestamp"] = *bundle.MinTimestamp
	}
	if bundle.MaxTimestamp != nil {
		params["maxTimestamp"] = *bundle.MaxTimestamp
	}
	if hints != nil {
		params["hints"] = hints
	}

	raw, err := c.call(ctx, c.config.MEVShareURL, "mev_sendBundle", []interface{}{params})
	if err != nil {
		return c.failSubmission("mev-share", start, err)
	}

	hash, err := parseBundleHash(raw)
	if err != nil {
		return c.failSubmission("mev-share", start, err)
	}

	latency := time.Since(start)
	c.trackSubmission(hash, targetBlock, latency)

	log.Info().
		Str("bundleHash", hash).
		Dur("latency", latency).
		Msg("MEV-Share bundle submitted")

	return types.SubmissionResult{
		Success:     true,
		BundleHash:  hash,
		TargetBlock: targetBlock,
		Latency:     latency,
		Relay:       "mev-share",
	}
}

// Simulate dry-runs the bundle with eth_callBundle against the latest state.
// Any relay error, transport error or garbled response yields Success=false
// with zero estimates.
func (c *Client) Simulate(ctx context.Context, bundle *types.BundleRequest) types.SimulationSummary {
	raw, err := c.call(ctx, c.config.FlashbotsURL, "eth_callBundle", []interface{}{bundle, "latest"})
	if err != nil {
		log.Warn().Err(err).Msg("Bundle simulation failed")
		return types.SimulationSummary{Error: err.Error()}
	}

	var result struct {
		BundleHash   string `json:"bundleHash"`
		CoinbaseDiff string `json:"coinbaseDiff"`
		Results      []struct {
			GasUsed string `json:"gasUsed"`
			Error   string `json:"error"`
			Revert  string `json:"revert"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		log.Warn().Err(err).Msg("Garbled simulation response")
		return types.SimulationSummary{Error: "garbled simulation response"}
	}

	var gasUsed uint64
	for _, tx := range result.Results {
		if tx.Error != "" {
			return types.SimulationSummary{Error: fmt.Sprintf("tx reverted: %s", tx.Error)}
		}
		gasUsed += parseHexUint(tx.GasUsed)
	}

	profit := 0.0
	if result.CoinbaseDiff != "" {
		profit = float64(parseHexUint(result.CoinbaseDiff)) / 1e18
	}

	summary := types.SimulationSummary{
		Success:         result.BundleHash != "",
		GasUsed:         gasUsed,
		EstimatedProfit: profit,
		BundleHash:      result.BundleHash,
	}

	log.Info().
		Bool("success", summary.Success).
		Uint64("gasUsed", summary.GasUsed).
		Float64("profit_eth", summary.EstimatedProfit).
		Msg("Bundle simulated")

	return summary
}

// BundleStatus checks inclusion via eth_getBundleByHash. An empty result
// means the bundle has not been included yet.
func (c *Client) BundleStatus(ctx context.Context, bundleHash string) (types.InclusionResult, error) {
	raw, err := c.call(ctx, c.config.FlashbotsURL, "eth_getBundleByHash", []interface{}{bundleHash})
	if err != nil {
		return types.InclusionResult{}, err
	}

	if len(raw) == 0 || string(raw) == "null" {
		return types.InclusionResult{Included: false}, nil
	}

	var meta struct {
		BlockNumber string `json:"blockNumber"`
		BundleIndex int    `json:"bundleIndex"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return types.InclusionResult{}, fmt.Errorf("garbled bundle status: %w", err)
	}

	c.statsMu.Lock()
	c.included++
	c.statsMu.Unlock()

	return types.InclusionResult{
		Included:    true,
		BlockNumber: parseHexUint(meta.BlockNumber),
		BundleIndex: meta.BundleIndex,
	}, nil
}

// MonitorInclusion polls bundle status once per block for the configured
// window and reports the outcome. Exhaustion of the window reports
// Included=false.
func (c *Client) MonitorInclusion(ctx context.Context, bundleHash string) types.InclusionResult {
	for waited := 1; waited <= c.config.MonitorBlocks; waited++ {
		select {
		case <-ctx.Done():
			return types.InclusionResult{Included: false, BlocksWaited: waited - 1}
		case <-time.After(c.config.BlockTime):
		}

		status, err := c.BundleStatus(ctx, bundleHash)
		if err != nil {
			log.Warn().Err(err).Str("bundleHash", bundleHash).Msg("Bundle status check failed")
			continue
		}
		if status.Included {
			status.BlocksWaited = waited
			return status
		}
	}
	return types.InclusionResult{Included: false, BlocksWaited: c.config.MonitorBlocks}
}

// BundleStats queries flashbots_getBundleStats for a submitted bundle.
func (c *Client) BundleStats(ctx context.Context, bundleHash string, blockNumber uint64) (map[string]interface{}, error) {
	raw, err := c.call(ctx, c.config.FlashbotsURL, "flashbots_getBundleStats", []interface{}{
		map[string]interface{}{
			"bundleHash":  bundleHash,
			"blockNumber": fmt.Sprintf("0x%x", blockNumber),
		},
	})
	if err != nil {
		return nil, err
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("garbled bundle stats: %w", err)
	}
	return stats, nil
}

// CleanupExpired purges pending bundles older than the bundle timeout and
// returns the number removed.
func (c *Client) CleanupExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for hash, b := range c.pending {
		if now.Sub(b.submittedAt) > c.config.BundleTimeout {
			delete(c.pending, hash)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("expired", removed).Msg("Expired bundles cleaned up")
	}
	return removed
}

// PendingCount returns the number of tracked in-flight bundles.
func (c *Client) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Stats is a snapshot of the relay client's counters.
type Stats struct {
	Submissions  uint64
	Included     uint64
	Failed       uint64
	AvgLatencyMs float64
	Pending      int
}

// StatsSnapshot returns a copy of the running counters.
func (c *Client) StatsSnapshot() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()

	return Stats{
		Submissions:  c.submissions,
		Included:     c.included,
		Failed:       c.failed,
		AvgLatencyMs: c.avgLatencyMs,
		Pending:      c.PendingCount(),
	}
}

// call performs one signed JSON-RPC request through the circuit breaker with
// retries. The relay's error object is surfaced as a Go error.
func (c *Client) call(ctx context.Context, url, method string, params []interface{}) (json.RawMessage, error) {
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetries(ctx, url, body)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Client) doWithRetries(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		raw, err := c.do(ctx, url, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.signingKey != nil {
		signature, err := c.signPayload(body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Flashbots-Signature", signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("garbled relay response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("relay error: %s", envelope.Error.Message)
	}
	return envelope.Result, nil
}

// signPayload produces the X-Flashbots-Signature header: the EIP-191
// signature of the keccak hash of the request body.
func (c *Client) signPayload(body []byte) (string, error) {
	hashedBody := crypto.Keccak256Hash(body).Hex()

	signature, err := crypto.Sign(
		crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(hashedBody), hashedBody))),
		c.signingKey,
	)
	if err != nil {
		return "", err
	}

	addr := crypto.PubkeyToAddress(c.signingKey.PublicKey)
	return fmt.Sprintf("%s:%s", addr.Hex(), hexutil.Encode(signature)), nil
}

func (c *Client) trackSubmission(hash string, targetBlock uint64, latency time.Duration) {
	c.mu.Lock()
	c.pending[hash] = pendingBundle{targetBlock: targetBlock, submittedAt: time.Now()}
	c.mu.Unlock()

	ms := float64(latency.Microseconds()) / 1000

	c.statsMu.Lock()
	c.submissions++
	c.avgLatencyMs = c.avgLatencyMs*0.9 + ms*0.1
	c.statsMu.Unlock()

	c.config.Metrics.RelayLatency(latency)
}

func (c *Client) failSubmission(relayName string, start time.Time, err error) types.SubmissionResult {
	c.statsMu.Lock()
	c.failed++
	c.statsMu.Unlock()

	c.config.Metrics.RelayLatency(time.Since(start))

	log.Error().Err(err).Str("relay", relayName).Msg("Bundle submission failed")

	return types.SubmissionResult{
		Success: false,
		Latency: time.Since(start),
		Relay:   relayName,
		Error:   err.Error(),
	}
}

func parseBundleHash(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("no bundle hash returned from relay")
	}

	// The relay returns either a bare hash string or {"bundleHash": "0x..."}.
	var hash string
	if err := json.Unmarshal(raw, &hash); err == nil && hash != "" {
		return hash, nil
	}

	var wrapped struct {
		BundleHash string `json:"bundleHash"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.BundleHash == "" {
		return "", fmt.Errorf("no bundle hash returned from relay")
	}
	return wrapped.BundleHash, nil
}

// parseHexUint parses 0x-prefixed or decimal unsigned integers, returning 0
// for anything unparseable.
func parseHexUint(s string) uint64 {
	if s == "" {
		return 0
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
