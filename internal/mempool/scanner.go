package mempool

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/internal/rpc"
	"github.com/mev-protocol/searcher/pkg/types"
)

// Config for the mempool scanner.
type Config struct {
	BufferSize      int
	WindowSize      int
	FilterEnabled   bool
	MinValueWei     float64
	TargetSelectors []string
}

// Scanner watches the mempool and keeps a bounded window of recent pending
// transactions. Each call to Pending returns a finite, restartable snapshot
// of that window.
type Scanner struct {
	config    Config
	rpcPool   *rpc.Pool
	txChan    chan *types.PendingTx
	selectors map[string]bool

	mu      sync.RWMutex
	window  []types.PendingTx
	running bool
	wg      sync.WaitGroup
}

// NewScanner creates a mempool scanner backed by the RPC pool.
func NewScanner(cfg Config, pool *rpc.Pool) *Scanner {
	selectors := make(map[string]bool)
	for _, sel := range cfg.TargetSelectors {
		selectors[sel] = true
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5000
	}

	return &Scanner{
		config:    cfg,
		rpcPool:   pool,
		txChan:    make(chan *types.PendingTx, cfg.BufferSize),
		selectors: selectors,
		window:    make([]types.PendingTx, 0, cfg.WindowSize),
	}
}

// Start begins the subscription and collection loops.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	log.Info().Msg("Starting mempool scanner")

	s.wg.Add(1)
	go s.subscribeLoop(ctx)

	s.wg.Add(1)
	go s.collectLoop(ctx)

	return nil
}

// Stop gracefully stops the scanner.
func (s *Scanner) Stop(ctx context.Context) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Info().Msg("Stopping mempool scanner")
	s.wg.Wait()
}

// Pending returns a snapshot of the recent pending-transaction window.
func (s *Scanner) Pending() []types.PendingTx {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PendingTx, len(s.window))
	copy(out, s.window)
	return out
}

// TxRate returns the observed mempool arrival rate in transactions per
// minute, derived from the timestamps in the current window.
func (s *Scanner) TxRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.window) < 2 {
		return 0
	}
	span := s.window[len(s.window)-1].Timestamp.Sub(s.window[0].Timestamp)
	if span <= 0 {
		return 0
	}
	return float64(len(s.window)) / span.Minutes()
}

func (s *Scanner) subscribeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		running := s.running
		s.mu.RUnlock()
		if !running {
			return
		}

		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Mempool subscription error, reconnecting...")
			time.Sleep(time.Second)
		}
	}
}

func (s *Scanner) subscribe(ctx context.Context) error {
	client, err := s.rpcPool.Best()
	if err != nil {
		return err
	}

	txChan := make(chan *gethtypes.Transaction, 1000)
	sub, err := client.Geth().SubscribeFullPendingTransactions(ctx, txChan)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.Info().Msg("Subscribed to pending transactions")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return err

		case tx := <-txChan:
			s.handleTransaction(tx)
		}
	}
}

func (s *Scanner) handleTransaction(tx *gethtypes.Transaction) {
	if s.config.FilterEnabled {
		if tx.Value().Uint64() < uint64(s.config.MinValueWei) && len(tx.Data()) < 4 {
			return
		}
		if len(s.selectors) > 0 && len(tx.Data()) >= 4 {
			selector := "0x" + common.Bytes2Hex(tx.Data()[:4])
			if !s.selectors[selector] {
				return
			}
		}
	}

	pendingTx := &types.PendingTx{
		Hash:      tx.Hash(),
		To:        tx.To(),
		ValueWei:  tx.Value().Uint64(),
		GasPrice:  tx.GasPrice().Uint64(),
		GasLimit:  tx.Gas(),
		Input:     tx.Data(),
		Nonce:     tx.Nonce(),
		Timestamp: time.Now(),
	}

	signer := gethtypes.LatestSignerForChainID(tx.ChainId())
	if from, err := gethtypes.Sender(signer, tx); err == nil {
		pendingTx.From = from
	}

	select {
	case s.txChan <- pendingTx:
	default:
		log.Warn().Msg("Tx channel full, dropping transaction")
	}
}

func (s *Scanner) collectLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var count uint64

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if count > 0 {
				log.Debug().Uint64("txs", count).Msg("Pending transactions collected")
				count = 0
			}

		case tx := <-s.txChan:
			count++
			s.append(*tx)
		}
	}
}

func (s *Scanner) append(tx types.PendingTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = append(s.window, tx)
	if len(s.window) > s.config.WindowSize {
		s.window = s.window[len(s.window)-s.config.WindowSize:]
	}
}
