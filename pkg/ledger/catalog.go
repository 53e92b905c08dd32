package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// SubscriptionTier is a closed enumeration of subscription plans.
type SubscriptionTier string

const (
	Tier200  SubscriptionTier = "tier_200"
	Tier400  SubscriptionTier = "tier_400"
	Tier800  SubscriptionTier = "tier_800"
	Tier1600 SubscriptionTier = "tier_1600"
)

// SubscriptionTiers lists every known tier.
func SubscriptionTiers() []SubscriptionTier {
	return []SubscriptionTier{Tier200, Tier400, Tier800, Tier1600}
}

// ParseSubscriptionTier resolves a raw tier identifier.
func ParseSubscriptionTier(raw string) (SubscriptionTier, error) {
	normalized := SubscriptionTier(strings.TrimSpace(raw))
	for _, tier := range SubscriptionTiers() {
		if tier == normalized {
			return tier, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
}

// String returns the identifier.
func (tier SubscriptionTier) String() string {
	return string(tier)
}

// ProductID is a closed enumeration of one-time credit packs.
type ProductID string

const (
	ProductCredits100  ProductID = "credits_100"
	ProductCredits500  ProductID = "credits_500"
	ProductCredits1000 ProductID = "credits_1000"
	ProductCredits2500 ProductID = "credits_2500"
)

// ProductIDs lists every known product.
func ProductIDs() []ProductID {
	return []ProductID{ProductCredits100, ProductCredits500, ProductCredits1000, ProductCredits2500}
}

// ParseProductID resolves a raw product identifier.
func ParseProductID(raw string) (ProductID, error) {
	normalized := ProductID(strings.TrimSpace(raw))
	for _, product := range ProductIDs() {
		if product == normalized {
			return product, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProduct, raw)
}

// String returns the identifier.
func (product ProductID) String() string {
	return string(product)
}

// CatalogEntryKind distinguishes subscription products from one-time products.
type CatalogEntryKind string

const (
	CatalogEntrySubscription CatalogEntryKind = "subscription"
	CatalogEntryPurchase     CatalogEntryKind = "purchase"
)

// CatalogEntry is a resolved store product.
type CatalogEntry struct {
	Kind    CatalogEntryKind
	Tier    SubscriptionTier
	Product ProductID
	Credits Credits
}

// CatalogConfig is the raw input used to build a Catalog.
type CatalogConfig struct {
	Tiers    map[SubscriptionTier]int64
	Products map[ProductID]int64
	// Aliases maps store product identifiers to tier or product identifiers.
	Aliases map[string]string
}

// Catalog is the immutable grant table. Every tier and product has a positive amount.
type Catalog struct {
	tiers    map[SubscriptionTier]Credits
	products map[ProductID]Credits
	aliases  map[string]CatalogEntry
}

// DefaultCatalogConfig returns the built-in grant amounts.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Tiers: map[SubscriptionTier]int64{
			Tier200:  200,
			Tier400:  400,
			Tier800:  800,
			Tier1600: 1600,
		},
		Products: map[ProductID]int64{
			ProductCredits100:  100,
			ProductCredits500:  500,
			ProductCredits1000: 1000,
			ProductCredits2500: 2500,
		},
		Aliases: map[string]string{},
	}
}

// NewCatalog validates the configuration and freezes it.
func NewCatalog(config CatalogConfig) (*Catalog, error) {
	catalog := &Catalog{
		tiers:    make(map[SubscriptionTier]Credits, len(config.Tiers)),
		products: make(map[ProductID]Credits, len(config.Products)),
		aliases:  make(map[string]CatalogEntry, len(config.Aliases)),
	}
	for tier, amount := range config.Tiers {
		if _, err := ParseSubscriptionTier(tier.String()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		credits, err := NewPositiveCredits(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %s: %v", ErrInvalidCatalog, tier, err)
		}
		catalog.tiers[tier] = credits
	}
	for _, tier := range SubscriptionTiers() {
		if _, ok := catalog.tiers[tier]; !ok {
			return nil, fmt.Errorf("%w: tier %s has no amount", ErrInvalidCatalog, tier)
		}
	}
	for product, amount := range config.Products {
		if _, err := ParseProductID(product.String()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		credits, err := NewPositiveCredits(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: product %s: %v", ErrInvalidCatalog, product, err)
		}
		catalog.products[product] = credits
	}
	for _, product := range ProductIDs() {
		if _, ok := catalog.products[product]; !ok {
			return nil, fmt.Errorf("%w: product %s has no amount", ErrInvalidCatalog, product)
		}
	}
	for storeProductID, target := range config.Aliases {
		trimmed := strings.TrimSpace(storeProductID)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty alias", ErrInvalidCatalog)
		}
		entry, ok := catalog.resolveIdentifier(target)
		if !ok {
			return nil, fmt.Errorf("%w: alias %s targets unknown identifier %q", ErrInvalidCatalog, trimmed, target)
		}
		catalog.aliases[trimmed] = entry
	}
	return catalog, nil
}

// MustDefaultCatalog returns the built-in catalog.
func MustDefaultCatalog() *Catalog {
	catalog, err := NewCatalog(DefaultCatalogConfig())
	if err != nil {
		panic(err)
	}
	return catalog
}

// TierCredits returns the grant amount for a subscription tier.
func (catalog *Catalog) TierCredits(tier SubscriptionTier) (Credits, error) {
	credits, ok := catalog.tiers[tier]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return credits, nil
}

// ProductCredits returns the grant amount for a one-time product.
func (catalog *Catalog) ProductCredits(product ProductID) (Credits, error) {
	credits, ok := catalog.products[product]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	return credits, nil
}

// ResolveStoreProduct maps a store product identifier (alias or catalog identifier) to an entry.
func (catalog *Catalog) ResolveStoreProduct(storeProductID string) (CatalogEntry, bool) {
	trimmed := strings.TrimSpace(storeProductID)
	if entry, ok := catalog.aliases[trimmed]; ok {
		return entry, true
	}
	return catalog.resolveIdentifier(trimmed)
}

// Aliases returns the configured store product identifiers in sorted order.
func (catalog *Catalog) Aliases() []string {
	aliases := make([]string, 0, len(catalog.aliases))
	for alias := range catalog.aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

func (catalog *Catalog) resolveIdentifier(identifier string) (CatalogEntry, bool) {
	if tier, err := ParseSubscriptionTier(identifier); err == nil {
		return CatalogEntry{Kind: CatalogEntrySubscription, Tier: tier, Credits: catalog.tiers[tier]}, true
	}
	if product, err := ParseProductID(identifier); err == nil {
		return CatalogEntry{Kind: CatalogEntryPurchase, Product: product, Credits: catalog.products[product]}, true
	}
	return CatalogEntry{}, false
}
