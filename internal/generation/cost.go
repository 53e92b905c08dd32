package generation

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

// CostConfig is the raw per-kind price list with optional per-model overrides.
type CostConfig struct {
	Defaults map[Kind]int64
	Models   map[string]int64
}

// DefaultCostConfig returns the built-in prices.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		Defaults: map[Kind]int64{
			KindImage: 10,
			KindVideo: 50,
		},
		Models: map[string]int64{},
	}
}

// CostTable prices generations. It is immutable after construction.
type CostTable struct {
	defaults map[Kind]ledger.Credits
	models   map[string]ledger.Credits
}

// NewCostTable validates the config: every kind needs a positive default and overrides must be positive.
func NewCostTable(config CostConfig) (*CostTable, error) {
	table := &CostTable{
		defaults: make(map[Kind]ledger.Credits, len(config.Defaults)),
		models:   make(map[string]ledger.Credits, len(config.Models)),
	}
	for _, kind := range Kinds() {
		raw, ok := config.Defaults[kind]
		if !ok {
			return nil, fmt.Errorf("%w: no cost for %s", ErrInvalidConfig, kind)
		}
		credits, err := ledger.NewPositiveCredits(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s cost: %v", ErrInvalidConfig, kind, err)
		}
		table.defaults[kind] = credits
	}
	for kind := range config.Defaults {
		if _, err := ParseKind(kind.String()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	for model, raw := range config.Models {
		trimmed := strings.TrimSpace(model)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty model name", ErrInvalidConfig)
		}
		credits, err := ledger.NewPositiveCredits(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: model %s cost: %v", ErrInvalidConfig, trimmed, err)
		}
		table.models[trimmed] = credits
	}
	return table, nil
}

// MustDefaultCostTable returns the built-in prices.
func MustDefaultCostTable() *CostTable {
	table, err := NewCostTable(DefaultCostConfig())
	if err != nil {
		panic(err)
	}
	return table
}

// Cost returns the model override when present, otherwise the kind default.
func (table *CostTable) Cost(kind Kind, model string) (ledger.Credits, error) {
	if credits, ok := table.models[strings.TrimSpace(model)]; ok {
		return credits, nil
	}
	credits, ok := table.defaults[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return credits, nil
}
