package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/wattmine/minecore/internal/infrastructure/httpclient"
)

// MempoolNetworkStats serves network-stats from mempool.space, the primary
// source for difficulty and hashrate.
type MempoolNetworkStats struct {
	baseURL string
	pool    *httpclient.ClientPool
}

// NewMempoolNetworkStats builds the provider.
func NewMempoolNetworkStats(baseURL string, pool *httpclient.ClientPool) *MempoolNetworkStats {
	if baseURL == "" {
		baseURL = "https://mempool.space"
	}
	return &MempoolNetworkStats{baseURL: baseURL, pool: pool}
}

func (p *MempoolNetworkStats) ID() string { return "mempool" }

func (p *MempoolNetworkStats) Fetch(ctx context.Context, _ map[string]string) (any, error) {
	var hashrate struct {
		CurrentHashrate   float64 `json:"currentHashrate"` // H/s
		CurrentDifficulty float64 `json:"currentDifficulty"`
	}
	if err := fetchJSON(ctx, p.pool, p.ID(), p.baseURL+"/api/v1/mining/hashrate/3d", &hashrate); err != nil {
		return nil, err
	}

	var height int64
	if err := fetchJSON(ctx, p.pool, p.ID(), p.baseURL+"/api/blocks/tip/height", &height); err != nil {
		return nil, err
	}

	if hashrate.CurrentDifficulty == 0 || hashrate.CurrentHashrate == 0 {
		return nil, NewMalformedError(p.ID(), fmt.Errorf("zero difficulty or hashrate in response"))
	}

	return NetworkStats{
		Difficulty:  hashrate.CurrentDifficulty,
		HashrateTHS: hashrate.CurrentHashrate / 1e12,
		BlockHeight: height,
		AsOf:        time.Now().UTC(),
	}, nil
}

// BlockchainInfoStats serves network-stats from blockchain.info's stats
// endpoint, the fallback when mempool.space is unreachable.
type BlockchainInfoStats struct {
	baseURL string
	pool    *httpclient.ClientPool
}

// NewBlockchainInfoStats builds the provider.
func NewBlockchainInfoStats(baseURL string, pool *httpclient.ClientPool) *BlockchainInfoStats {
	if baseURL == "" {
		baseURL = "https://api.blockchain.info"
	}
	return &BlockchainInfoStats{baseURL: baseURL, pool: pool}
}

func (p *BlockchainInfoStats) ID() string { return "blockchain-info" }

func (p *BlockchainInfoStats) Fetch(ctx context.Context, _ map[string]string) (any, error) {
	var payload struct {
		Difficulty float64 `json:"difficulty"`
		HashRate   float64 `json:"hash_rate"` // GH/s
		NBlocks    int64   `json:"n_blocks_total"`
	}
	if err := fetchJSON(ctx, p.pool, p.ID(), p.baseURL+"/stats?format=json", &payload); err != nil {
		return nil, err
	}
	if payload.Difficulty == 0 {
		return nil, NewMalformedError(p.ID(), fmt.Errorf("missing difficulty field"))
	}

	return NetworkStats{
		Difficulty:  payload.Difficulty,
		HashrateTHS: payload.HashRate / 1e3,
		BlockHeight: payload.NBlocks,
		AsOf:        time.Now().UTC(),
	}, nil
}
