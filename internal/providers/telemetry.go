package providers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/wattmine/minecore/internal/infrastructure/httpclient"
)

// SiteAgentTelemetry serves miner-telemetry from the on-site agent that
// every hosting facility runs. The agent aggregates its fleet locally, so
// one call returns the whole site. Params must carry "site"; the agent URL
// comes from the site map configured at startup.
type SiteAgentTelemetry struct {
	agents map[string]string // site id -> agent base URL
	pool   *httpclient.ClientPool
}

// NewSiteAgentTelemetry builds the provider over the configured site map.
func NewSiteAgentTelemetry(agents map[string]string, pool *httpclient.ClientPool) *SiteAgentTelemetry {
	return &SiteAgentTelemetry{agents: agents, pool: pool}
}

func (p *SiteAgentTelemetry) ID() string { return "site-agent" }

func (p *SiteAgentTelemetry) Fetch(ctx context.Context, params map[string]string) (any, error) {
	site := params["site"]
	if site == "" {
		return nil, &ProviderError{Provider: p.ID(), Retryable: false, Err: fmt.Errorf("missing site param")}
	}
	base, ok := p.agents[site]
	if !ok {
		return nil, &ProviderError{Provider: p.ID(), Retryable: false, Err: fmt.Errorf("no agent configured for site %s", site)}
	}

	var payload struct {
		SiteID string `json:"site_id"`
		Miners []struct {
			HashrateTHS float64 `json:"hashrate_ths"`
			PowerW      float64 `json:"power_w"`
			TempC       float64 `json:"temp_c"`
			Online      bool    `json:"online"`
		} `json:"miners"`
	}
	if err := fetchJSON(ctx, p.pool, p.ID(), base+"/api/v1/telemetry", &payload); err != nil {
		return nil, err
	}
	if payload.SiteID == "" {
		payload.SiteID = site
	}

	fleet := FleetTelemetry{SiteID: payload.SiteID, AsOf: time.Now().UTC()}
	var tempSum float64
	for _, m := range payload.Miners {
		if !m.Online {
			continue
		}
		fleet.Miners++
		fleet.HashrateTHS += m.HashrateTHS
		fleet.PowerKW += m.PowerW / 1000
		tempSum += m.TempC
	}
	if fleet.Miners > 0 {
		fleet.AvgTempC = tempSum / float64(fleet.Miners)
	}
	return fleet, nil
}

// GridEnergyPrice serves energy-price from the settlement-point feed the
// platform mirrors per grid operator. Params must carry "node", the
// settlement point name.
type GridEnergyPrice struct {
	baseURL string
	pool    *httpclient.ClientPool
}

// NewGridEnergyPrice builds the provider.
func NewGridEnergyPrice(baseURL string, pool *httpclient.ClientPool) *GridEnergyPrice {
	return &GridEnergyPrice{baseURL: baseURL, pool: pool}
}

func (p *GridEnergyPrice) ID() string { return "grid-feed" }

func (p *GridEnergyPrice) Fetch(ctx context.Context, params map[string]string) (any, error) {
	node := params["node"]
	if node == "" {
		return nil, &ProviderError{Provider: p.ID(), Retryable: false, Err: fmt.Errorf("missing node param")}
	}

	var payload struct {
		Node          string    `json:"node"`
		PriceUSDMWh   float64   `json:"price_usd_mwh"`
		IntervalStart time.Time `json:"interval_start"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/lmp/latest?node=%s", p.baseURL, url.QueryEscape(node))
	if err := fetchJSON(ctx, p.pool, p.ID(), endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.IntervalStart.IsZero() {
		return nil, NewMalformedError(p.ID(), fmt.Errorf("missing interval_start field"))
	}

	return EnergyPrice{
		Node:          node,
		USDPerMWh:     payload.PriceUSDMWh,
		IntervalStart: payload.IntervalStart,
		AsOf:          time.Now().UTC(),
	}, nil
}
