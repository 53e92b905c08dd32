// Package pricing loads the grant catalog and the generation cost table from a TOML file.
package pricing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

var ErrInvalidPricing = errors.New("invalid pricing file")

// File is the on-disk layout. Sections left out keep their built-in values.
//
//	[tiers]
//	tier_800 = 800
//	[products]
//	credits_500 = 500
//	[aliases]
//	"com.example.pro.monthly" = "tier_800"
//	[generation.defaults]
//	video = 50
//	[generation.models]
//	"video-pro" = 120
type File struct {
	Tiers      map[string]int64  `toml:"tiers"`
	Products   map[string]int64  `toml:"products"`
	Aliases    map[string]string `toml:"aliases"`
	Generation GenerationFile    `toml:"generation"`
}

// GenerationFile prices generations per kind with optional per-model overrides.
type GenerationFile struct {
	Defaults map[string]int64 `toml:"defaults"`
	Models   map[string]int64 `toml:"models"`
}

// Pricing is the validated, immutable result of loading a File.
type Pricing struct {
	Catalog *ledger.Catalog
	Costs   *generation.CostTable
}

// Default returns the built-in catalog and costs.
func Default() Pricing {
	return Pricing{Catalog: ledger.MustDefaultCatalog(), Costs: generation.MustDefaultCostTable()}
}

// LoadFile reads path. An empty path returns Default.
func LoadFile(path string) (Pricing, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Pricing{}, fmt.Errorf("open pricing file: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode parses a TOML document and validates it against the closed tier, product and kind sets.
// Unknown keys are rejected.
func Decode(reader io.Reader) (Pricing, error) {
	var file File
	metadata, err := toml.NewDecoder(reader).Decode(&file)
	if err != nil {
		return Pricing{}, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Pricing{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidPricing, strings.Join(keys, ", "))
	}
	return file.Build()
}

// Build merges the file over the built-in values and validates the result.
func (file File) Build() (Pricing, error) {
	catalogConfig := ledger.DefaultCatalogConfig()
	for rawTier, amount := range file.Tiers {
		tier, err := ledger.ParseSubscriptionTier(rawTier)
		if err != nil {
			return Pricing{}, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
		}
		catalogConfig.Tiers[tier] = amount
	}
	for rawProduct, amount := range file.Products {
		product, err := ledger.ParseProductID(rawProduct)
		if err != nil {
			return Pricing{}, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
		}
		catalogConfig.Products[product] = amount
	}
	for storeProductID, target := range file.Aliases {
		catalogConfig.Aliases[storeProductID] = target
	}
	catalog, err := ledger.NewCatalog(catalogConfig)
	if err != nil {
		return Pricing{}, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
	}

	costConfig := generation.DefaultCostConfig()
	for rawKind, amount := range file.Generation.Defaults {
		kind, err := generation.ParseKind(rawKind)
		if err != nil {
			return Pricing{}, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
		}
		costConfig.Defaults[kind] = amount
	}
	for model, amount := range file.Generation.Models {
		costConfig.Models[model] = amount
	}
	costs, err := generation.NewCostTable(costConfig)
	if err != nil {
		return Pricing{}, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
	}
	return Pricing{Catalog: catalog, Costs: costs}, nil
}
