package selector

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/types"
)

// ProductLister is the slice of the provider service the selector needs
type ProductLister interface {
	ListProducts(ctx context.Context, productName, region string) ([]*types.Product, error)
}

// Selector picks the cheapest available product for a name, walking a
// region fallback chain.
type Selector struct {
	provider       ProductLister
	defaultRegion  string
	regionPriority []string
	logger         zerolog.Logger
}

// New creates a selector with the configured region fallback chain
func New(provider ProductLister, defaultRegion string, regionPriority []string) *Selector {
	return &Selector{
		provider:       provider,
		defaultRegion:  defaultRegion,
		regionPriority: regionPriority,
		logger:         log.WithComponent("selector"),
	}
}

// Selection is the chosen product and the region it was found in
type Selection struct {
	Product *types.Product
	Region  string
}

// SelectWithFallback walks the region chain in order and returns the
// cheapest available product from the first region that has one.
// preferredRegion, when set, is consulted before the priority list.
func (s *Selector) SelectWithFallback(ctx context.Context, productName, preferredRegion string) (*Selection, error) {
	regions := s.regionChain(preferredRegion)

	for _, region := range regions {
		products, err := s.provider.ListProducts(ctx, productName, region)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("product", productName).
				Str("region", region).
				Msg("product lookup failed, trying next region")
			continue
		}

		best := pickCheapest(products, productName)
		if best == nil {
			s.logger.Info().
				Str("product", productName).
				Str("region", region).
				Msg("no available product in region, falling back")
			continue
		}

		s.logger.Info().
			Str("product", productName).
			Str("region", best.Region).
			Float64("spot_price", best.SpotPrice).
			Msg("product selected")
		return &Selection{Product: best, Region: best.Region}, nil
	}

	return nil, nberrors.Newf(nberrors.CodeNoOptimalProduct,
		"no available product %q in any region", productName).
		WithDetail("productName", productName).
		WithDetail("regionsTried", regions)
}

// regionChain builds the ordered, deduplicated region list. An empty
// chain degrades to one region-less query.
func (s *Selector) regionChain(preferredRegion string) []string {
	seen := make(map[string]bool)
	chain := make([]string, 0, len(s.regionPriority)+2)

	add := func(region string) {
		if region == "" || seen[region] {
			return
		}
		seen[region] = true
		chain = append(chain, region)
	}

	add(preferredRegion)
	add(s.defaultRegion)
	for _, region := range s.regionPriority {
		add(region)
	}

	if len(chain) == 0 {
		chain = append(chain, "")
	}
	return chain
}

// pickCheapest filters to purchasable products and returns the best by
// spot price, breaking ties on on-demand price then id
func pickCheapest(products []*types.Product, productName string) *types.Product {
	candidates := make([]*types.Product, 0, len(products))
	for _, p := range products {
		if p.Name != productName {
			continue
		}
		if p.Availability != types.AvailabilityAvailable && p.Availability != types.AvailabilityLimited {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SpotPrice != b.SpotPrice {
			return a.SpotPrice < b.SpotPrice
		}
		if a.OnDemandPrice != b.OnDemandPrice {
			return a.OnDemandPrice < b.OnDemandPrice
		}
		return a.ID < b.ID
	})
	return candidates[0]
}
