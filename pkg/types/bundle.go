package types

import "time"

// BundleState is the lifecycle state of a tracked bundle.
type BundleState int

const (
	BundleConstructed BundleState = iota
	BundleSimulatedOK
	BundleSimulatedFail
	BundleSubmitted
	BundleIncluded
	BundleNotIncluded
	BundleExpired
)

func (s BundleState) String() string {
	switch s {
	case BundleConstructed:
		return "constructed"
	case BundleSimulatedOK:
		return "simulated_ok"
	case BundleSimulatedFail:
		return "simulated_fail"
	case BundleSubmitted:
		return "submitted"
	case BundleIncluded:
		return "included"
	case BundleNotIncluded:
		return "not_included"
	case BundleExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s BundleState) Terminal() bool {
	switch s {
	case BundleSimulatedFail, BundleIncluded, BundleNotIncluded, BundleExpired:
		return true
	}
	return false
}

// BundleRequest is the wire shape shared by eth_sendBundle, eth_callBundle
// and mev_sendBundle.
type BundleRequest struct {
	Txs          []string `json:"txs"`
	BlockNumber  string   `json:"blockNumber"`
	MinTimestamp *uint64  `json:"minTimestamp,omitempty"`
	MaxTimestamp *uint64  `json:"maxTimestamp,omitempty"`
}

// SimulationSummary is the fail-closed digest of an eth_callBundle response.
// A relay error, transport error or garbled response always reads as
// Success=false with zero estimates.
type SimulationSummary struct {
	Success         bool
	GasUsed         uint64
	EstimatedProfit float64 // ETH, from coinbaseDiff
	BundleHash      string
	Error           string
}

// InclusionResult reports the outcome of monitoring a submitted bundle.
type InclusionResult struct {
	Included     bool
	BlockNumber  uint64
	BundleIndex  int
	BlocksWaited int
}

// SubmissionResult reports the outcome of a bundle submission.
type SubmissionResult struct {
	Success     bool
	BundleHash  string
	TargetBlock uint64
	Latency     time.Duration
	Relay       string
	Error       string
}
