package nftfi

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// CollateralClassConfig mirrors RiskParameters for TOML policy files.
type CollateralClassConfig struct {
	MaxLTVBps               uint64 `toml:"MaxLTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	BaseRateBps             uint64 `toml:"BaseRateBps"`
}

// PolicyConfig is the on-disk risk policy document listing every supported
// collateral class keyed by collection identifier.
type PolicyConfig struct {
	Collections map[string]CollateralClassConfig `toml:"collections"`
}

// LoadPolicy reads a TOML risk policy file and builds the parameter registry.
func LoadPolicy(path string) (*ParamRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var cfg PolicyConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return cfg.Registry()
}

// Registry converts the parsed document into a ParamRegistry.
func (c PolicyConfig) Registry() (*ParamRegistry, error) {
	if len(c.Collections) == 0 {
		return nil, fmt.Errorf("policy must define at least one collateral class")
	}
	classes := make(map[string]RiskParameters, len(c.Collections))
	for collection, class := range c.Collections {
		classes[collection] = RiskParameters{
			MaxLTVBps:               class.MaxLTVBps,
			LiquidationThresholdBps: class.LiquidationThresholdBps,
			BaseRateBps:             class.BaseRateBps,
		}
	}
	return NewParamRegistry(classes)
}
