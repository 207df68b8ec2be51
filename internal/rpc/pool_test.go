package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBest_PrefersLowestLatencyHealthy(t *testing.T) {
	p := NewPool(Config{})
	p.clients = []*Client{
		{endpoint: "a", latency: 50 * time.Millisecond, healthy: true},
		{endpoint: "b", latency: 10 * time.Millisecond, healthy: true},
		{endpoint: "c", latency: 5 * time.Millisecond, healthy: false},
	}

	best, err := p.Best()
	require.NoError(t, err)
	assert.Equal(t, "b", best.endpoint)
}

func TestBest_FallsBackWhenNoneHealthy(t *testing.T) {
	p := NewPool(Config{})
	p.clients = []*Client{
		{endpoint: "a", healthy: false},
		{endpoint: "b", healthy: false},
	}

	best, err := p.Best()
	require.NoError(t, err)
	assert.Equal(t, "a", best.endpoint)
}

func TestBest_NoClients(t *testing.T) {
	p := NewPool(Config{})
	_, err := p.Best()
	assert.ErrorIs(t, err, ErrNoClients)
}

func TestStart_FailsWhenNoEndpointConnects(t *testing.T) {
	p := NewPool(Config{
		Endpoints:      []string{"bogus://unreachable"},
		RequestTimeout: 100 * time.Millisecond,
	})

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoClients)
}
