package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMempoolNetworkStatsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/mining/hashrate/3d":
			w.Write([]byte(`{"currentHashrate":6.5e20,"currentDifficulty":9.0e13}`))
		case "/api/blocks/tip/height":
			w.Write([]byte(`858000`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewMempoolNetworkStats(srv.URL, testPool())
	val, err := p.Fetch(context.Background(), nil)
	require.NoError(t, err)

	stats := val.(NetworkStats)
	assert.InDelta(t, 9.0e13, stats.Difficulty, 1)
	assert.InDelta(t, 6.5e8, stats.HashrateTHS, 1) // 6.5e20 H/s in TH/s
	assert.Equal(t, int64(858000), stats.BlockHeight)
	require.NoError(t, ValidateNetworkStats(stats))
}

func TestMempoolNetworkStatsZeroDifficulty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/mining/hashrate/3d":
			w.Write([]byte(`{"currentHashrate":0,"currentDifficulty":0}`))
		case "/api/blocks/tip/height":
			w.Write([]byte(`858000`))
		}
	}))
	defer srv.Close()

	p := NewMempoolNetworkStats(srv.URL, testPool())
	_, err := p.Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestBlockchainInfoStatsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Write([]byte(`{"difficulty":9.0e13,"hash_rate":6.5e11,"n_blocks_total":858001}`))
	}))
	defer srv.Close()

	p := NewBlockchainInfoStats(srv.URL, testPool())
	val, err := p.Fetch(context.Background(), nil)
	require.NoError(t, err)

	stats := val.(NetworkStats)
	assert.InDelta(t, 9.0e13, stats.Difficulty, 1)
	assert.InDelta(t, 6.5e8, stats.HashrateTHS, 1) // 6.5e11 GH/s in TH/s
	assert.Equal(t, int64(858001), stats.BlockHeight)
}

func TestBlockchainInfoStatsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewBlockchainInfoStats(srv.URL, testPool())
	_, err := p.Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "5xx is retryable")
}
