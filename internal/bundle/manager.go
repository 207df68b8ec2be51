package bundle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/searcher/internal/metrics"
	"github.com/mev-protocol/searcher/internal/risk"
	"github.com/mev-protocol/searcher/pkg/types"
)

// Relay is the wire-protocol surface the manager drives. *relay.Client
// satisfies it; tests substitute a double.
type Relay interface {
	Simulate(ctx context.Context, bundle *types.BundleRequest) types.SimulationSummary
	SendBundle(ctx context.Context, bundle *types.BundleRequest, targetBlock uint64) types.SubmissionResult
	SendMEVShareBundle(ctx context.Context, bundle *types.BundleRequest, targetBlock uint64, hints map[string]interface{}) types.SubmissionResult
	MonitorInclusion(ctx context.Context, bundleHash string) types.InclusionResult
	BundleStats(ctx context.Context, bundleHash string, blockNumber uint64) (map[string]interface{}, error)
	CleanupExpired(now time.Time) int
}

// Config for the lifecycle manager.
type Config struct {
	BundleTimeout   time.Duration
	MEVShareEnabled bool
	MEVShareHints   map[string]interface{}
	Metrics         *metrics.Registry
}

// Tracked is one bundle moving through the lifecycle state machine:
// Constructed -> Simulated(ok|fail) -> Submitted -> Included | NotIncluded |
// Expired. After submission a bundle is only observed, never mutated by
// callers.
type Tracked struct {
	ID          string
	Request     *types.BundleRequest
	TargetBlock uint64
	State       types.BundleState
	Simulation  types.SimulationSummary
	BundleHash  string
	SubmittedAt time.Time
	Inclusion   *types.InclusionResult
}

// Manager owns the relay protocol for every bundle from construction through
// terminal state. It is the sole writer of the tracked-bundle map.
type Manager struct {
	relay Relay
	risk  risk.Engine
	cfg   Config

	mu      sync.RWMutex
	tracked map[string]*Tracked
	seq     uint64

	wg sync.WaitGroup
}

// Typed sentinel errors for lifecycle hard stops.
type LifecycleError string

func (e LifecycleError) Error() string { return string(e) }

const (
	ErrRiskRejected      LifecycleError = "risk controls rejected submission"
	ErrSimulationFailed  LifecycleError = "bundle simulation failed"
	ErrVerdictWithdrawn  LifecycleError = "profit verdict withdrawn post-simulation"
	ErrSubmissionFailed  LifecycleError = "bundle submission failed"
	ErrInvalidTransition LifecycleError = "invalid bundle state transition"
)

// NewManager creates a lifecycle manager.
func NewManager(relayClient Relay, riskEngine risk.Engine, cfg Config) *Manager {
	if cfg.BundleTimeout <= 0 {
		cfg.BundleTimeout = 12 * time.Second
	}
	return &Manager{
		relay:   relayClient,
		risk:    riskEngine,
		cfg:     cfg,
		tracked: make(map[string]*Tracked),
	}
}

// Start runs the expiry cleanup loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
	return nil
}

// Stop waits for the cleanup loop and any in-flight monitors to finish.
// Monitors are bounded by their block-count window, so this returns within
// that window at worst.
func (m *Manager) Stop(ctx context.Context) {
	m.wg.Wait()
}

// Construct creates a tracked bundle targeting one specific block.
func (m *Manager) Construct(rawTxs []string, targetBlock uint64, minTimestamp, maxTimestamp *uint64) *Tracked {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &Tracked{
		ID: fmt.Sprintf("bundle-%d-%d", targetBlock, m.seq),
		Request: &types.BundleRequest{
			Txs:          rawTxs,
			BlockNumber:  fmt.Sprintf("0x%x", targetBlock),
			MinTimestamp: minTimestamp,
			MaxTimestamp: maxTimestamp,
		},
		TargetBlock: targetBlock,
		State:       types.BundleConstructed,
	}
	m.tracked[t.ID] = t
	return t
}

// Submit drives a constructed bundle through risk check, simulation,
// post-simulation confirmation and submission, then spawns an inclusion
// monitor. A bundle is never submitted without a preceding successful
// simulation reporting a non-negative estimated profit.
func (m *Manager) Submit(ctx context.Context, t *Tracked, params risk.TxParams, confirm func(types.SimulationSummary) bool) (types.SubmissionResult, error) {
	if state := m.stateOf(t); state != types.BundleConstructed {
		return types.SubmissionResult{}, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, state)
	}

	if safe, reason := m.risk.CheckRiskControls(ctx, params); !safe {
		log.Warn().
			Str("bundle", t.ID).
			Str("reason", reason).
			Msg("Risk controls rejected bundle")
		return types.SubmissionResult{}, fmt.Errorf("%w: %s", ErrRiskRejected, reason)
	}

	sim := m.relay.Simulate(ctx, t.Request)
	if !sim.Success || sim.EstimatedProfit < 0 {
		m.transition(t, types.BundleSimulatedFail)
		m.setSimulation(t, sim)
		log.Warn().
			Str("bundle", t.ID).
			Str("error", sim.Error).
			Msg("Simulation blocked submission")
		return types.SubmissionResult{}, ErrSimulationFailed
	}

	m.transition(t, types.BundleSimulatedOK)
	m.setSimulation(t, sim)

	// Conditions may have shifted during the simulation round trip; the
	// profit verdict gets the final word.
	if confirm != nil && !confirm(sim) {
		return types.SubmissionResult{}, ErrVerdictWithdrawn
	}

	result := m.relay.SendBundle(ctx, t.Request, t.TargetBlock)
	if !result.Success {
		return result, ErrSubmissionFailed
	}

	m.mu.Lock()
	t.State = types.BundleSubmitted
	t.BundleHash = result.BundleHash
	t.SubmittedAt = time.Now()
	m.mu.Unlock()

	if m.cfg.MEVShareEnabled {
		if share := m.relay.SendMEVShareBundle(ctx, t.Request, t.TargetBlock, m.cfg.MEVShareHints); !share.Success {
			log.Warn().Str("bundle", t.ID).Str("error", share.Error).Msg("MEV-Share distribution failed")
		}
	}

	m.wg.Add(1)
	go m.monitor(ctx, t)

	return result, nil
}

// Get returns a copy of the tracked bundle.
func (m *Manager) Get(id string) (Tracked, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tracked[id]
	if !ok {
		return Tracked{}, false
	}
	return *t, true
}

// PendingCount returns the number of tracked, non-purged bundles.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracked)
}

// CleanupExpired purges bundles older than the bundle timeout since
// submission, regardless of terminal status, and returns the number removed.
// Bundles that never reached submission are left alone.
func (m *Manager) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tracked {
		if t.SubmittedAt.IsZero() {
			continue
		}
		if now.Sub(t.SubmittedAt) > m.cfg.BundleTimeout {
			if !t.State.Terminal() {
				t.State = types.BundleExpired
				m.cfg.Metrics.BundleExpired()
			}
			delete(m.tracked, id)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("expired", removed).Msg("Expired bundles purged")
	}
	return removed
}

func (m *Manager) monitor(ctx context.Context, t *Tracked) {
	defer m.wg.Done()

	result := m.relay.MonitorInclusion(ctx, t.BundleHash)

	m.mu.Lock()
	if t.State != types.BundleSubmitted {
		// Expiry cleanup won the race; the terminal state stands.
		m.mu.Unlock()
		return
	}
	t.Inclusion = &result
	if result.Included {
		t.State = types.BundleIncluded
	} else {
		t.State = types.BundleNotIncluded
	}
	bundleHash, targetBlock := t.BundleHash, t.TargetBlock
	m.mu.Unlock()

	if result.Included {
		m.cfg.Metrics.BundleIncluded()
	} else if stats, err := m.relay.BundleStats(ctx, bundleHash, targetBlock); err == nil {
		log.Debug().
			Str("bundle", t.ID).
			Interface("stats", stats).
			Msg("Relay stats for missed bundle")
	}

	log.Info().
		Str("bundle", t.ID).
		Bool("included", result.Included).
		Int("blocksWaited", result.BlocksWaited).
		Msg("Bundle monitoring finished")
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			m.CleanupExpired(now)
			m.relay.CleanupExpired(now)
		}
	}
}

func (m *Manager) stateOf(t *Tracked) types.BundleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return t.State
}

func (m *Manager) setSimulation(t *Tracked, sim types.SimulationSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Simulation = sim
}

// transition applies a legal state change; illegal transitions are logged
// and dropped rather than corrupting the machine.
func (m *Manager) transition(t *Tracked, to types.BundleState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legalTransition(t.State, to) {
		log.Error().
			Str("bundle", t.ID).
			Str("from", t.State.String()).
			Str("to", to.String()).
			Msg("Illegal bundle state transition dropped")
		return
	}
	t.State = to
}

func legalTransition(from, to types.BundleState) bool {
	switch from {
	case types.BundleConstructed:
		return to == types.BundleSimulatedOK || to == types.BundleSimulatedFail
	case types.BundleSimulatedOK:
		return to == types.BundleSubmitted
	case types.BundleSubmitted:
		return to == types.BundleIncluded || to == types.BundleNotIncluded || to == types.BundleExpired
	default:
		return false
	}
}
