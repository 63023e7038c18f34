package features

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RiskTables is read-only reference data loaded once at startup.
type RiskTables struct {
	// Merchants maps merchant id to observed fraud rate.
	Merchants map[string]float64 `yaml:"merchants"`

	// Categories maps merchant category to a fallback fraud rate.
	Categories map[string]float64 `yaml:"categories"`

	// Devices maps device id to a population rarity score in [0,1].
	Devices map[string]float64 `yaml:"devices"`

	// Countries maps ISO country code to a centroid.
	Countries map[string]LatLon `yaml:"countries"`
}

// DefaultTables returns the built-in reference data.
func DefaultTables() *RiskTables {
	countries := make(map[string]LatLon, len(defaultCentroids))
	for k, v := range defaultCentroids {
		countries[k] = v
	}
	return &RiskTables{
		Merchants: map[string]float64{},
		Categories: map[string]float64{
			"grocery":       0.005,
			"restaurant":    0.01,
			"gas_station":   0.04,
			"retail":        0.02,
			"online_retail": 0.05,
			"electronics":   0.07,
			"travel":        0.06,
			"jewelry":       0.09,
			"gift_cards":    0.18,
			"crypto":        0.22,
			"wire_transfer": 0.15,
		},
		Devices:   map[string]float64{},
		Countries: countries,
	}
}

// LoadTables reads a YAML risk table file. Entries in the file are merged
// over the built-in defaults.
func LoadTables(path string) (*RiskTables, error) {
	tables := DefaultTables()
	if path == "" {
		return tables, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load risk tables %q: %w", path, err)
	}

	var file RiskTables
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse risk tables %q: %w", path, err)
	}

	for k, v := range file.Merchants {
		tables.Merchants[k] = clamp01(v)
	}
	for k, v := range file.Categories {
		tables.Categories[strings.ToLower(k)] = clamp01(v)
	}
	for k, v := range file.Devices {
		tables.Devices[k] = clamp01(v)
	}
	for k, v := range file.Countries {
		tables.Countries[strings.ToUpper(k)] = v
	}
	return tables, nil
}

// MerchantFraudRate looks up the merchant, then its category, then def.
func (t *RiskTables) MerchantFraudRate(merchantID, category string, def float64) float64 {
	if r, ok := t.Merchants[merchantID]; ok {
		return r
	}
	if r, ok := t.Categories[category]; ok {
		return r
	}
	return def
}

// DeviceRarity returns the population rarity of deviceID, or def.
func (t *RiskTables) DeviceRarity(deviceID string, def float64) float64 {
	if r, ok := t.Devices[deviceID]; ok {
		return r
	}
	return def
}

// Centroid returns the country centroid.
func (t *RiskTables) Centroid(country string) (LatLon, bool) {
	c, ok := t.Countries[country]
	return c, ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
