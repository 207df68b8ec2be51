package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/searcher/internal/metrics"
	"github.com/mev-protocol/searcher/pkg/types"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		FlashbotsURL:  srv.URL,
		MEVShareURL:   srv.URL,
		SigningKey:    testKey,
		MonitorBlocks: 2,
		BlockTime:     5 * time.Millisecond,
		BundleTimeout: 50 * time.Millisecond,
		SubmitRate:    1000,
	})
	require.NoError(t, c.Start(context.Background()))
	return c, srv
}

func rpcResult(t *testing.T, w http.ResponseWriter, result interface{}) {
	t.Helper()
	require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "result": result,
	}))
}

func bundle() *types.BundleRequest {
	return &types.BundleRequest{Txs: []string{"0xdead"}, BlockNumber: "0x112a880"}
}

func TestSendBundle_Success(t *testing.T) {
	var gotMethod, gotSig string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotMethod = req.Method
		gotSig = r.Header.Get("X-Flashbots-Signature")
		rpcResult(t, w, map[string]string{"bundleHash": "0xbeef"})
	})

	res := c.SendBundle(context.Background(), bundle(), 100)

	assert.True(t, res.Success)
	assert.Equal(t, "0xbeef", res.BundleHash)
	assert.Equal(t, uint64(100), res.TargetBlock)
	assert.Equal(t, "flashbots", res.Relay)
	assert.Equal(t, "eth_sendBundle", gotMethod)
	assert.True(t, strings.HasPrefix(gotSig, "0x"), "signature header should start with the signer address")
	assert.Contains(t, gotSig, ":0x")
	assert.Equal(t, 1, c.PendingCount())
}

func TestSendBundle_RecordsRelayLatency(t *testing.T) {
	reg := metrics.New("searcher")
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			rpcResult(t, w, map[string]string{"bundleHash": "0xbeef"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32000, "message": "bundle rejected"},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		FlashbotsURL: srv.URL,
		SigningKey:   testKey,
		SubmitRate:   1000,
		Metrics:      reg,
	})
	require.NoError(t, c.Start(context.Background()))

	// One success, one relay rejection; both round trips are observed.
	require.True(t, c.SendBundle(context.Background(), bundle(), 100).Success)
	require.False(t, c.SendBundle(context.Background(), bundle(), 101).Success)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "searcher_relay_request_seconds_count 2")
}

func TestSendBundle_RelayErrorIsFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32000, "message": "bundle rejected"},
		})
	})

	res := c.SendBundle(context.Background(), bundle(), 100)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "bundle rejected")
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, uint64(1), c.StatsSnapshot().Failed)
}

func TestSendBundle_MissingHashIsFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, nil)
	})

	res := c.SendBundle(context.Background(), bundle(), 100)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no bundle hash")
}

func TestSendBundle_BareStringHash(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, "0xcafe")
	})

	res := c.SendBundle(context.Background(), bundle(), 100)
	assert.True(t, res.Success)
	assert.Equal(t, "0xcafe", res.BundleHash)
}

func TestSendMEVShareBundle_CarriesHints(t *testing.T) {
	var gotParams []map[string]interface{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string                   `json:"method"`
			Params []map[string]interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "mev_sendBundle", req.Method)
		gotParams = req.Params
		rpcResult(t, w, map[string]string{"bundleHash": "0xshare"})
	})

	res := c.SendMEVShareBundle(context.Background(), bundle(), 100, map[string]interface{}{
		"calldata": true,
	})

	assert.True(t, res.Success)
	assert.Equal(t, "mev-share", res.Relay)
	require.Len(t, gotParams, 1)
	assert.Contains(t, gotParams[0], "hints")
}

func TestSimulate_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "eth_callBundle", req.Method)
		require.Len(t, req.Params, 2)
		assert.Equal(t, "latest", req.Params[1])

		rpcResult(t, w, map[string]interface{}{
			"bundleHash":   "0xsim",
			"coinbaseDiff": "0x2386f26fc10000", // 0.01 ETH
			"results": []map[string]string{
				{"gasUsed": "0x30d40"}, // 200000
				{"gasUsed": "0x186a0"}, // 100000
			},
		})
	})

	sum := c.Simulate(context.Background(), bundle())

	assert.True(t, sum.Success)
	assert.Equal(t, "0xsim", sum.BundleHash)
	assert.Equal(t, uint64(300000), sum.GasUsed)
	assert.InDelta(t, 0.01, sum.EstimatedProfit, 1e-9)
	assert.Empty(t, sum.Error)
}

func TestSimulate_TxRevertFailsClosed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, map[string]interface{}{
			"bundleHash": "0xsim",
			"results": []map[string]string{
				{"gasUsed": "0x30d40", "error": "execution reverted"},
			},
		})
	})

	sum := c.Simulate(context.Background(), bundle())

	assert.False(t, sum.Success)
	assert.Zero(t, sum.GasUsed)
	assert.Zero(t, sum.EstimatedProfit)
	assert.Contains(t, sum.Error, "reverted")
}

func TestSimulate_RelayErrorFailsClosed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32000, "message": "sim unavailable"},
		})
	})

	sum := c.Simulate(context.Background(), bundle())
	assert.False(t, sum.Success)
	assert.Contains(t, sum.Error, "sim unavailable")
}

func TestSimulate_GarbledResponseFailsClosed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, "not an object")
	})

	sum := c.Simulate(context.Background(), bundle())
	assert.False(t, sum.Success)
	assert.Contains(t, sum.Error, "garbled")
}

func TestBundleStatus(t *testing.T) {
	included := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !included {
			rpcResult(t, w, nil)
			return
		}
		rpcResult(t, w, map[string]interface{}{"blockNumber": "0x112a881", "bundleIndex": 3})
	})

	status, err := c.BundleStatus(context.Background(), "0xbeef")
	require.NoError(t, err)
	assert.False(t, status.Included)

	included = true
	status, err = c.BundleStatus(context.Background(), "0xbeef")
	require.NoError(t, err)
	assert.True(t, status.Included)
	assert.Equal(t, uint64(0x112a881), status.BlockNumber)
	assert.Equal(t, 3, status.BundleIndex)
}

func TestMonitorInclusion_WindowExhaustion(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, nil)
	})

	res := c.MonitorInclusion(context.Background(), "0xbeef")
	assert.False(t, res.Included)
	assert.Equal(t, 2, res.BlocksWaited)
}

func TestMonitorInclusion_FoundOnSecondBlock(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			rpcResult(t, w, nil)
			return
		}
		rpcResult(t, w, map[string]interface{}{"blockNumber": "0x64", "bundleIndex": 0})
	})

	res := c.MonitorInclusion(context.Background(), "0xbeef")
	assert.True(t, res.Included)
	assert.Equal(t, 2, res.BlocksWaited)
	assert.Equal(t, uint64(100), res.BlockNumber)
}

func TestCleanupExpired(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, map[string]string{"bundleHash": "0xbeef"})
	})

	c.SendBundle(context.Background(), bundle(), 100)
	require.Equal(t, 1, c.PendingCount())

	assert.Equal(t, 0, c.CleanupExpired(time.Now()))
	assert.Equal(t, 1, c.CleanupExpired(time.Now().Add(time.Second)))
	assert.Equal(t, 0, c.PendingCount())
}

func TestStart_RejectsMalformedKey(t *testing.T) {
	c := NewClient(Config{SigningKey: "not-a-key"})
	assert.Error(t, c.Start(context.Background()))
}

func TestParseHexUint(t *testing.T) {
	assert.Equal(t, uint64(0), parseHexUint(""))
	assert.Equal(t, uint64(0), parseHexUint("zzz"))
	assert.Equal(t, uint64(255), parseHexUint("0xff"))
	assert.Equal(t, uint64(42), parseHexUint("42"))
}
