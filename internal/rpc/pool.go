package rpc

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
)

// Config for the RPC pool.
type Config struct {
	Endpoints           []string
	RequestTimeout      time.Duration
	HealthCheckInterval time.Duration
}

// Client wraps an eth client with endpoint metadata.
type Client struct {
	*ethclient.Client
	raw      *gethrpc.Client
	endpoint string
	latency  time.Duration
	healthy  bool
}

// Geth returns the extended geth API surface for this client, used for
// pending-transaction subscriptions.
func (c *Client) Geth() *gethclient.Client {
	return gethclient.New(c.raw)
}

// ChainClient is the capability surface the pipeline needs from a node.
// The pool's best client satisfies it; tests substitute a double.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Pool manages multiple RPC connections and hands out the healthiest one.
type Pool struct {
	config  Config
	clients []*Client
	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// NewPool creates a new RPC pool.
func NewPool(cfg Config) *Pool {
	return &Pool{
		config:  cfg,
		clients: make([]*Client, 0, len(cfg.Endpoints)),
	}
}

// Start dials all endpoints and begins health checking. At least one
// connection must succeed.
func (p *Pool) Start(ctx context.Context) error {
	log.Info().Int("endpoints", len(p.config.Endpoints)).Msg("Starting RPC pool")

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	for _, endpoint := range p.config.Endpoints {
		client, err := p.connect(ctx, endpoint)
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to connect")
			continue
		}
		p.mu.Lock()
		p.clients = append(p.clients, client)
		p.mu.Unlock()
	}

	p.mu.RLock()
	connected := len(p.clients)
	p.mu.RUnlock()
	if connected == 0 {
		return ErrNoClients
	}

	p.wg.Add(1)
	go p.healthCheckLoop(ctx)

	return nil
}

// Stop closes all connections.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	p.running = false
	clients := p.clients
	p.mu.Unlock()

	log.Info().Msg("Stopping RPC pool")

	for _, client := range clients {
		client.Close()
	}

	p.wg.Wait()
}

// Best returns the healthy client with the lowest observed latency, falling
// back to any client when none are marked healthy.
func (p *Pool) Best() (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.clients) == 0 {
		return nil, ErrNoClients
	}

	var best *Client
	for _, c := range p.clients {
		if !c.healthy {
			continue
		}
		if best == nil || c.latency < best.latency {
			best = c
		}
	}
	if best == nil {
		return p.clients[0], nil
	}
	return best, nil
}

// GasPriceGwei returns the suggested gas price from the best client.
func (p *Pool) GasPriceGwei(ctx context.Context) (float64, error) {
	client, err := p.Best()
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	wei, err := client.SuggestGasPrice(callCtx)
	if err != nil {
		return 0, err
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return gwei, nil
}

// BlockNumber returns the head block from the best client.
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := p.Best()
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	return client.BlockNumber(callCtx)
}

func (p *Pool) connect(ctx context.Context, endpoint string) (*Client, error) {
	start := time.Now()

	raw, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)

	log.Info().
		Str("endpoint", endpoint).
		Dur("latency", latency).
		Msg("Connected to RPC")

	return &Client{
		Client:   ethclient.NewClient(raw),
		raw:      raw,
		endpoint: endpoint,
		latency:  latency,
		healthy:  true,
	}, nil
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, client := range p.clients {
		start := time.Now()

		checkCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
		_, err := client.BlockNumber(checkCtx)
		cancel()

		if err != nil {
			client.healthy = false
			log.Warn().
				Str("endpoint", client.endpoint).
				Err(err).
				Msg("RPC health check failed")
		} else {
			client.healthy = true
			client.latency = time.Since(start)
		}
	}
}

// PoolError is a typed sentinel error.
type PoolError string

func (e PoolError) Error() string { return string(e) }

const (
	ErrNoClients PoolError = "no RPC clients available"
)
