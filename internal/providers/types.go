package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PriceQuote is a BTC spot price observation.
type PriceQuote struct {
	USD   float64   `json:"usd"`
	Venue string    `json:"venue"`
	AsOf  time.Time `json:"as_of"`
}

// NetworkStats is a Bitcoin network snapshot used by profitability math.
type NetworkStats struct {
	Difficulty  float64   `json:"difficulty"`
	HashrateTHS float64   `json:"hashrate_ths"`
	BlockHeight int64     `json:"block_height"`
	AsOf        time.Time `json:"as_of"`
}

// FleetTelemetry aggregates one site's miner fleet at a point in time.
type FleetTelemetry struct {
	SiteID      string    `json:"site_id"`
	Miners      int       `json:"miners"`
	HashrateTHS float64   `json:"hashrate_ths"`
	PowerKW     float64   `json:"power_kw"`
	AvgTempC    float64   `json:"avg_temp_c"`
	AsOf        time.Time `json:"as_of"`
}

// Empty reports whether the site currently exposes no miners, which is a
// legitimate observation (agent restart, full curtailment), not an error.
func (ft FleetTelemetry) Empty() bool { return ft.Miners == 0 }

// EnergyPrice is one settlement-interval power price for a grid node.
type EnergyPrice struct {
	Node          string    `json:"node"`
	USDPerMWh     float64   `json:"usd_per_mwh"`
	IntervalStart time.Time `json:"interval_start"`
	AsOf          time.Time `json:"as_of"`
}

// Kind validation predicates, wired into the hub's kind registrations.

// ValidatePriceQuote accepts positive prices below an obviously-corrupt
// ceiling.
func ValidatePriceQuote(v any) error {
	quote, ok := v.(PriceQuote)
	if !ok {
		return fmt.Errorf("expected PriceQuote, got %T", v)
	}
	if quote.USD <= 0 {
		return errors.New("price must be positive")
	}
	if quote.USD > 1e7 {
		return fmt.Errorf("price %.2f above sanity ceiling", quote.USD)
	}
	return nil
}

// ValidateNetworkStats requires positive difficulty and hashrate.
func ValidateNetworkStats(v any) error {
	stats, ok := v.(NetworkStats)
	if !ok {
		return fmt.Errorf("expected NetworkStats, got %T", v)
	}
	if stats.Difficulty <= 0 {
		return errors.New("difficulty must be positive")
	}
	if stats.HashrateTHS <= 0 {
		return errors.New("hashrate must be positive")
	}
	return nil
}

// ValidateFleetTelemetry accepts empty fleets but rejects negative power
// or hashrate readings.
func ValidateFleetTelemetry(v any) error {
	fleet, ok := v.(FleetTelemetry)
	if !ok {
		return fmt.Errorf("expected FleetTelemetry, got %T", v)
	}
	if fleet.SiteID == "" {
		return errors.New("site_id missing")
	}
	if fleet.PowerKW < 0 || fleet.HashrateTHS < 0 {
		return errors.New("negative fleet readings")
	}
	return nil
}

// ValidateEnergyPrice bounds settlement prices to the plausible band;
// negative prices happen on windy nights, five-figure ones are feed bugs.
func ValidateEnergyPrice(v any) error {
	price, ok := v.(EnergyPrice)
	if !ok {
		return fmt.Errorf("expected EnergyPrice, got %T", v)
	}
	if price.USDPerMWh <= -500 || price.USDPerMWh >= 5000 {
		return fmt.Errorf("price %.2f $/MWh outside plausible band", price.USDPerMWh)
	}
	return nil
}

// Decoders rehydrate values adopted from the remote cache tier, where
// every value travels as raw JSON.

func DecodePriceQuote(raw json.RawMessage) (any, error) {
	var q PriceQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	return q, nil
}

func DecodeNetworkStats(raw json.RawMessage) (any, error) {
	var s NetworkStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func DecodeFleetTelemetry(raw json.RawMessage) (any, error) {
	var ft FleetTelemetry
	if err := json.Unmarshal(raw, &ft); err != nil {
		return nil, err
	}
	return ft, nil
}

func DecodeEnergyPrice(raw json.RawMessage) (any, error) {
	var p EnergyPrice
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
