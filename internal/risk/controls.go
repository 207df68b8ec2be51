package risk

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mev-protocol/searcher/pkg/types"
)

// TxParams describes the transaction a risk check applies to.
type TxParams struct {
	To           common.Address
	ValueETH     float64
	GasPriceGwei float64
	GasLimit     uint64
	Strategy     types.StrategyType
}

// Engine is the safety gatekeeper consulted before every submission. A false
// verdict is a hard stop for that candidate; the opportunity itself is not
// blacklisted since conditions may become safe later.
type Engine interface {
	CheckRiskControls(ctx context.Context, params TxParams) (bool, string)
}

// Controls is the built-in engine: an emergency pause switch, gas ceilings
// and a deny list.
type Controls struct {
	maxGasPriceGwei float64
	maxGasLimit     uint64

	mu     sync.RWMutex
	paused bool
	denied map[common.Address]struct{}
}

// NewControls builds the default risk engine.
func NewControls(maxGasPriceGwei float64, maxGasLimit uint64, denyAddresses []string) *Controls {
	denied := make(map[common.Address]struct{}, len(denyAddresses))
	for _, addr := range denyAddresses {
		denied[common.HexToAddress(addr)] = struct{}{}
	}
	return &Controls{
		maxGasPriceGwei: maxGasPriceGwei,
		maxGasLimit:     maxGasLimit,
		denied:          denied,
	}
}

// Pause engages the emergency stop; all checks fail until Resume.
func (c *Controls) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume releases the emergency stop.
func (c *Controls) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Deny adds an address to the deny list.
func (c *Controls) Deny(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied[addr] = struct{}{}
}

// CheckRiskControls implements Engine.
func (c *Controls) CheckRiskControls(_ context.Context, params TxParams) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.paused {
		return false, "emergency pause engaged"
	}
	if c.maxGasPriceGwei > 0 && params.GasPriceGwei > c.maxGasPriceGwei {
		return false, "gas price above ceiling"
	}
	if c.maxGasLimit > 0 && params.GasLimit > c.maxGasLimit {
		return false, "gas limit above ceiling"
	}
	if _, blocked := c.denied[params.To]; blocked {
		return false, "target address denied"
	}
	return true, ""
}
