package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteAgentTelemetryAggregatesFleet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/telemetry", r.URL.Path)
		w.Write([]byte(`{
			"site_id": "tx-alpha",
			"miners": [
				{"hashrate_ths": 110, "power_w": 3250, "temp_c": 62, "online": true},
				{"hashrate_ths": 95,  "power_w": 3100, "temp_c": 68, "online": true},
				{"hashrate_ths": 0,   "power_w": 0,    "temp_c": 0,  "online": false}
			]
		}`))
	}))
	defer srv.Close()

	p := NewSiteAgentTelemetry(map[string]string{"tx-alpha": srv.URL}, testPool())
	val, err := p.Fetch(context.Background(), map[string]string{"site": "tx-alpha"})
	require.NoError(t, err)

	fleet := val.(FleetTelemetry)
	assert.Equal(t, "tx-alpha", fleet.SiteID)
	assert.Equal(t, 2, fleet.Miners, "offline miners are excluded")
	assert.InDelta(t, 205, fleet.HashrateTHS, 0.001)
	assert.InDelta(t, 6.35, fleet.PowerKW, 0.001)
	assert.InDelta(t, 65, fleet.AvgTempC, 0.001)
	assert.False(t, fleet.Empty())
}

func TestSiteAgentTelemetryEmptyFleet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"site_id": "tx-alpha", "miners": []}`))
	}))
	defer srv.Close()

	p := NewSiteAgentTelemetry(map[string]string{"tx-alpha": srv.URL}, testPool())
	val, err := p.Fetch(context.Background(), map[string]string{"site": "tx-alpha"})
	require.NoError(t, err, "an empty fleet is an observation, not an error")

	fleet := val.(FleetTelemetry)
	assert.True(t, fleet.Empty())
	assert.Zero(t, fleet.AvgTempC)
}

func TestSiteAgentTelemetryMissingSiteParam(t *testing.T) {
	p := NewSiteAgentTelemetry(map[string]string{}, testPool())

	_, err := p.Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	_, err = p.Fetch(context.Background(), map[string]string{"site": "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent configured")
}

func TestGridEnergyPriceFetch(t *testing.T) {
	interval := time.Date(2026, 8, 25, 14, 45, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/lmp/latest", r.URL.Path)
		assert.Equal(t, "HB_WEST", r.URL.Query().Get("node"))
		w.Write([]byte(`{"node":"HB_WEST","price_usd_mwh":38.42,"interval_start":"2026-08-25T14:45:00Z"}`))
	}))
	defer srv.Close()

	p := NewGridEnergyPrice(srv.URL, testPool())
	val, err := p.Fetch(context.Background(), map[string]string{"node": "HB_WEST"})
	require.NoError(t, err)

	price := val.(EnergyPrice)
	assert.Equal(t, "HB_WEST", price.Node)
	assert.Equal(t, 38.42, price.USDPerMWh)
	assert.True(t, price.IntervalStart.Equal(interval))
	require.NoError(t, ValidateEnergyPrice(price))
}

func TestGridEnergyPriceNegativeIsValid(t *testing.T) {
	// Negative settlement prices are real on windy nights; the validator
	// accepts them inside the plausible band.
	require.NoError(t, ValidateEnergyPrice(EnergyPrice{Node: "HB_WEST", USDPerMWh: -12.5}))
	require.Error(t, ValidateEnergyPrice(EnergyPrice{Node: "HB_WEST", USDPerMWh: 12000}))
}

func TestGridEnergyPriceMissingInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"node":"HB_WEST","price_usd_mwh":38.42}`))
	}))
	defer srv.Close()

	p := NewGridEnergyPrice(srv.URL, testPool())
	_, err := p.Fetch(context.Background(), map[string]string{"node": "HB_WEST"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval_start")
}
