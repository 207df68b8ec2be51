package mempool

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/searcher/pkg/types"
)

func legacyTx(valueWei int64, data []byte) *gethtypes.Transaction {
	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    7,
		To:       &to,
		Value:    big.NewInt(valueWei),
		Gas:      200000,
		GasPrice: big.NewInt(40e9),
		Data:     data,
	})
}

func drain(t *testing.T, s *Scanner) types.PendingTx {
	t.Helper()
	select {
	case tx := <-s.txChan:
		return *tx
	default:
		t.Fatal("expected a transaction in the channel")
		return types.PendingTx{}
	}
}

func TestHandleTransaction_FiltersDust(t *testing.T) {
	s := NewScanner(Config{BufferSize: 10, FilterEnabled: true, MinValueWei: 1e17}, nil)

	// Below the value floor with no calldata: dropped.
	s.handleTransaction(legacyTx(1e16, nil))
	assert.Empty(t, s.txChan)

	// Below the floor but carrying calldata: kept.
	s.handleTransaction(legacyTx(1e16, []byte{0x38, 0xed, 0x17, 0x39, 0x00}))
	got := drain(t, s)
	assert.Equal(t, uint64(1e16), got.ValueWei)

	// Above the floor: kept.
	s.handleTransaction(legacyTx(5e17, nil))
	got = drain(t, s)
	assert.Equal(t, uint64(5e17), got.ValueWei)
	assert.Equal(t, uint64(200000), got.GasLimit)
	assert.Equal(t, uint64(40e9), got.GasPrice)
}

func TestHandleTransaction_SelectorFilter(t *testing.T) {
	s := NewScanner(Config{
		BufferSize:      10,
		FilterEnabled:   true,
		TargetSelectors: []string{"0x38ed1739"},
	}, nil)

	s.handleTransaction(legacyTx(1e18, []byte{0xa9, 0x05, 0x9c, 0xbb}))
	assert.Empty(t, s.txChan)

	s.handleTransaction(legacyTx(1e18, []byte{0x38, 0xed, 0x17, 0x39}))
	got := drain(t, s)
	assert.Equal(t, []byte{0x38, 0xed, 0x17, 0x39}, got.Input)
}

func TestHandleTransaction_NoFilterKeepsEverything(t *testing.T) {
	s := NewScanner(Config{BufferSize: 10, FilterEnabled: false, MinValueWei: 1e18}, nil)

	s.handleTransaction(legacyTx(1, nil))
	got := drain(t, s)
	assert.Equal(t, uint64(1), got.ValueWei)
}

func TestPending_SnapshotAndWindowBound(t *testing.T) {
	s := NewScanner(Config{BufferSize: 10, WindowSize: 3}, nil)

	for i := 0; i < 5; i++ {
		s.append(types.PendingTx{Nonce: uint64(i), Timestamp: time.Now()})
	}

	snap := s.Pending()
	require.Len(t, snap, 3)
	assert.Equal(t, uint64(2), snap[0].Nonce)
	assert.Equal(t, uint64(4), snap[2].Nonce)

	// The snapshot is a copy, not a view.
	snap[0].Nonce = 99
	assert.Equal(t, uint64(2), s.Pending()[0].Nonce)
}

func TestTxRate(t *testing.T) {
	s := NewScanner(Config{BufferSize: 10, WindowSize: 100}, nil)
	assert.Zero(t, s.TxRate())

	base := time.Now()
	for i := 0; i < 30; i++ {
		s.append(types.PendingTx{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	// 30 transactions over 29 seconds is just above one per second.
	assert.InDelta(t, 30/(29.0/60.0), s.TxRate(), 1e-6)
}
