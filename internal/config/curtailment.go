package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"

	yamlv2 "gopkg.in/yaml.v2"
)

// CurtailmentConfig is the per-site threshold overlay. The site tooling
// that writes this file predates the main config and emits yaml.v2
// output, so it stays on that parser.
type CurtailmentConfig struct {
	Profiles map[string]CurtailmentProfile `yaml:"profiles"`
	Active   string                        `yaml:"active_profile"`
}

// CurtailmentProfile is one named threshold set. Sites holds per-site
// margin overrides; sites not listed run on the profile margin.
type CurtailmentProfile struct {
	Name            string                  `yaml:"name"`
	Description     string                  `yaml:"description"`
	MarginUSDPerMWh float64                 `yaml:"margin_usd_per_mwh"`
	BTCPerBlock     float64                 `yaml:"btc_per_block"`
	BlocksPerDay    float64                 `yaml:"blocks_per_day"`
	Sites           map[string]SiteOverride `yaml:"sites"`
}

// SiteOverride adjusts one site away from the profile defaults.
type SiteOverride struct {
	MarginUSDPerMWh float64 `yaml:"margin_usd_per_mwh"`
}

// LoadCurtailmentConfig loads the threshold overlay from file.
func LoadCurtailmentConfig(configPath string) (*CurtailmentConfig, error) {
	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read curtailment config: %w", err)
	}

	var config CurtailmentConfig
	if err := yamlv2.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse curtailment YAML: %w", err)
	}

	return &config, nil
}

// SaveCurtailmentConfig writes the overlay back in the legacy format.
func SaveCurtailmentConfig(config *CurtailmentConfig, configPath string) error {
	data, err := yamlv2.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal curtailment config: %w", err)
	}

	if err := ioutil.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write curtailment config: %w", err)
	}

	return nil
}

// ActiveProfile returns the currently selected threshold profile.
func (cc *CurtailmentConfig) ActiveProfile() (*CurtailmentProfile, error) {
	if cc.Active == "" {
		return nil, fmt.Errorf("no active profile set")
	}

	profile, exists := cc.Profiles[cc.Active]
	if !exists {
		return nil, fmt.Errorf("active profile '%s' not found", cc.Active)
	}

	return &profile, nil
}

// SiteMargin returns the hysteresis half-band for a site, falling back
// to the profile margin when the site has no override.
func (cp *CurtailmentProfile) SiteMargin(siteID string) float64 {
	if override, ok := cp.Sites[siteID]; ok && override.MarginUSDPerMWh > 0 {
		return override.MarginUSDPerMWh
	}
	return cp.MarginUSDPerMWh
}

// ValidateProfile checks a profile for thresholds that would make the
// fleet flap or that look like fat-fingered input.
func (cp *CurtailmentProfile) ValidateProfile() []string {
	var errors []string

	if cp.MarginUSDPerMWh < 0.5 || cp.MarginUSDPerMWh > 50 {
		errors = append(errors, fmt.Sprintf("Margin %.2f $/MWh outside [0.5, 50] range", cp.MarginUSDPerMWh))
	}
	if cp.BTCPerBlock <= 0 || cp.BTCPerBlock > 50 {
		errors = append(errors, fmt.Sprintf("BTC per block %.4f outside (0, 50] range", cp.BTCPerBlock))
	}
	if cp.BlocksPerDay < 100 || cp.BlocksPerDay > 200 {
		errors = append(errors, fmt.Sprintf("Blocks per day %.0f outside [100, 200] range", cp.BlocksPerDay))
	}

	for siteID, override := range cp.Sites {
		if override.MarginUSDPerMWh < 0.5 || override.MarginUSDPerMWh > 50 {
			errors = append(errors, fmt.Sprintf("Site %s: margin %.2f $/MWh outside [0.5, 50] range", siteID, override.MarginUSDPerMWh))
		}
	}

	return errors
}

// DefaultCurtailmentConfig returns a safe default threshold overlay.
func DefaultCurtailmentConfig() *CurtailmentConfig {
	return &CurtailmentConfig{
		Active: "conservative",
		Profiles: map[string]CurtailmentProfile{
			"conservative": {
				Name:            "Conservative",
				Description:     "Wide band so fleets only move on clear price signals",
				MarginUSDPerMWh: 5.0,
				BTCPerBlock:     3.125,
				BlocksPerDay:    144,
			},
			"aggressive": {
				Name:            "Aggressive",
				Description:     "Narrow band for sites with cheap restarts",
				MarginUSDPerMWh: 2.0,
				BTCPerBlock:     3.125,
				BlocksPerDay:    144,
			},
		},
	}
}

// CurtailmentConfigPath returns the default path for the overlay file.
func CurtailmentConfigPath() string {
	return filepath.Join("config", "curtailment.yaml")
}
