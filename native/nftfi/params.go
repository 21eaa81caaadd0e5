package nftfi

import (
	"fmt"
	"strings"
	"sync"
)

// RiskParameters groups the per-collection policy limits governing borrowing
// activity. All ratios are expressed in basis points for deterministic
// accounting.
type RiskParameters struct {
	// MaxLTVBps is the maximum loan-to-value ratio permitted at origination.
	MaxLTVBps uint64
	// LiquidationThresholdBps is the health factor, scaled by 10^4, below
	// which a position becomes liquidation-eligible. It is policy owned and
	// need not coincide with any display cutoff.
	LiquidationThresholdBps uint64
	// BaseRateBps is the borrow APR snapshotted onto new loans.
	BaseRateBps uint64
}

// Validate checks the parameters for internal consistency.
func (p RiskParameters) Validate() error {
	if p.MaxLTVBps == 0 || p.MaxLTVBps > 10_000 {
		return fmt.Errorf("max ltv must be within (0, 10000] bps, got %d", p.MaxLTVBps)
	}
	if p.LiquidationThresholdBps < 10_000 {
		return fmt.Errorf("liquidation threshold must be at least 10000 bps, got %d", p.LiquidationThresholdBps)
	}
	return nil
}

// ParamRegistry resolves risk parameters per collateral class. Lookups are
// pure; updates replace the policy for future loans only and never mutate the
// rate snapshotted onto an existing loan.
type ParamRegistry struct {
	mu      sync.RWMutex
	classes map[string]RiskParameters
}

// NewParamRegistry constructs a registry seeded with the supplied classes.
func NewParamRegistry(classes map[string]RiskParameters) (*ParamRegistry, error) {
	registry := &ParamRegistry{classes: make(map[string]RiskParameters, len(classes))}
	for collection, params := range classes {
		if err := registry.Set(collection, params); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Lookup returns the risk parameters for a collection.
func (r *ParamRegistry) Lookup(collection string) (RiskParameters, error) {
	if r == nil {
		return RiskParameters{}, ErrUnknownCollateralClass
	}
	key := strings.TrimSpace(collection)
	r.mu.RLock()
	params, ok := r.classes[key]
	r.mu.RUnlock()
	if !ok {
		return RiskParameters{}, fmt.Errorf("%w: %s", ErrUnknownCollateralClass, key)
	}
	return params, nil
}

// Set installs or replaces the policy for a collection.
func (r *ParamRegistry) Set(collection string, params RiskParameters) error {
	key := strings.TrimSpace(collection)
	if key == "" {
		return fmt.Errorf("collection identifier required")
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("collection %s: %w", key, err)
	}
	r.mu.Lock()
	if r.classes == nil {
		r.classes = make(map[string]RiskParameters)
	}
	r.classes[key] = params
	r.mu.Unlock()
	return nil
}

// Collections lists the configured collateral classes.
func (r *ParamRegistry) Collections() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for collection := range r.classes {
		out = append(out, collection)
	}
	return out
}
