package httpclient

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ClientConfig shapes the shared outbound HTTP pool. Retries are owned by
// the provider registry, not the pool: one retry layer keeps attempt
// counts observable.
type ClientConfig struct {
	MaxConcurrency int
	RequestTimeout time.Duration
	UserAgent      string
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrency: 32,
		RequestTimeout: 10 * time.Second,
		UserAgent:      "minecore/1.0 (+https://wattmine.io)",
	}
}

// ClientPool bounds concurrent outbound requests and tags them with the
// platform user agent. All providers share one pool so a single slow
// upstream cannot starve the process of file descriptors.
type ClientPool struct {
	config    ClientConfig
	semaphore chan struct{}
	client    *http.Client

	mu    sync.Mutex
	stats ClientStats
}

// ClientStats counts pool activity.
type ClientStats struct {
	TotalRequests   int64         `json:"total_requests"`
	SuccessRequests int64         `json:"success_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	TotalLatency    time.Duration `json:"-"`
	AvgLatencyMS    int64         `json:"avg_latency_ms"`
}

// NewClientPool builds the pool.
func NewClientPool(config ClientConfig) *ClientPool {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultClientConfig().MaxConcurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	return &ClientPool{
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrency),
		client: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        config.MaxConcurrency * 2,
				MaxIdleConnsPerHost: config.MaxConcurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Do executes one request under the concurrency gate. The caller's
// context governs both the queue wait and the request itself.
func (cp *ClientPool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case cp.semaphore <- struct{}{}:
		defer func() { <-cp.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if cp.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", cp.config.UserAgent)
	}

	start := time.Now()
	resp, err := cp.client.Do(req.WithContext(ctx))
	cp.record(time.Since(start), err == nil)
	return resp, err
}

// GetStats returns a copy of the counters.
func (cp *ClientPool) GetStats() ClientStats {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := cp.stats
	if out.TotalRequests > 0 {
		out.AvgLatencyMS = out.TotalLatency.Milliseconds() / out.TotalRequests
	}
	return out
}

func (cp *ClientPool) record(latency time.Duration, success bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.stats.TotalRequests++
	cp.stats.TotalLatency += latency
	if success {
		cp.stats.SuccessRequests++
	} else {
		cp.stats.FailedRequests++
	}
}
