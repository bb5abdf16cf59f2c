package providers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wattmine/minecore/internal/infrastructure/httpclient"
)

// CoinGeckoPrice serves btc-price from CoinGecko's simple price endpoint.
type CoinGeckoPrice struct {
	baseURL string
	pool    *httpclient.ClientPool
}

// NewCoinGeckoPrice builds the provider. An empty baseURL targets the
// public API; tests point it at an httptest server.
func NewCoinGeckoPrice(baseURL string, pool *httpclient.ClientPool) *CoinGeckoPrice {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	return &CoinGeckoPrice{baseURL: baseURL, pool: pool}
}

func (p *CoinGeckoPrice) ID() string { return "coingecko" }

func (p *CoinGeckoPrice) Fetch(ctx context.Context, _ map[string]string) (any, error) {
	var payload struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}

	url := p.baseURL + "/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"
	if err := fetchJSON(ctx, p.pool, p.ID(), url, &payload); err != nil {
		return nil, err
	}
	if payload.Bitcoin.USD == 0 {
		return nil, NewMalformedError(p.ID(), fmt.Errorf("missing bitcoin.usd field"))
	}

	return PriceQuote{
		USD:   payload.Bitcoin.USD,
		Venue: p.ID(),
		AsOf:  time.Now().UTC(),
	}, nil
}

// KrakenPrice serves btc-price from Kraken's public ticker, the fallback
// venue when CoinGecko is rate limited or down.
type KrakenPrice struct {
	baseURL string
	pool    *httpclient.ClientPool
}

// NewKrakenPrice builds the provider.
func NewKrakenPrice(baseURL string, pool *httpclient.ClientPool) *KrakenPrice {
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &KrakenPrice{baseURL: baseURL, pool: pool}
}

func (p *KrakenPrice) ID() string { return "kraken" }

func (p *KrakenPrice) Fetch(ctx context.Context, _ map[string]string) (any, error) {
	var payload struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Last []string `json:"c"`
		} `json:"result"`
	}

	url := p.baseURL + "/0/public/Ticker?pair=XBTUSD"
	if err := fetchJSON(ctx, p.pool, p.ID(), url, &payload); err != nil {
		return nil, err
	}
	if len(payload.Error) > 0 {
		return nil, NewMalformedError(p.ID(), fmt.Errorf("kraken error: %v", payload.Error))
	}

	for _, ticker := range payload.Result {
		if len(ticker.Last) == 0 {
			break
		}
		last, err := strconv.ParseFloat(ticker.Last[0], 64)
		if err != nil {
			return nil, NewMalformedError(p.ID(), fmt.Errorf("parsing last price %q: %w", ticker.Last[0], err))
		}
		return PriceQuote{
			USD:   last,
			Venue: p.ID(),
			AsOf:  time.Now().UTC(),
		}, nil
	}
	return nil, NewMalformedError(p.ID(), fmt.Errorf("ticker result missing"))
}
