// Package pricing resolves the USD cost of a request from whichever cost
// signal is most authoritative: a provider-reported figure, an external
// pricing table, the built-in price book, or a flat fallback rate.
package pricing

import "github.com/lemony-ai/cascadeflow-gateway/internal/usage"

// ModelPrice is one price-book entry, in USD per 1,000 tokens.
type ModelPrice struct {
	InputPer1K       float64
	OutputPer1K      float64
	CachedInputPer1K float64
}

// PriceBook is a small, code-embedded table of model prices. It exists so
// the resolver has a internal fallback when no provider or external price is
// available; it is not meant to be exhaustive. Operators running this in
// production should supply an ExternalPriceTable with current rates.
type PriceBook map[string]ModelPrice

// DefaultPriceBook seeds the three entries known at the time this gateway
// was built. Extend at construction time, or supply an ExternalPriceTable.
func DefaultPriceBook() PriceBook {
	return PriceBook{
		"gpt-4o": {
			InputPer1K:       0.0025,
			OutputPer1K:      0.010,
			CachedInputPer1K: 0.00125,
		},
		"gpt-4o-mini": {
			InputPer1K:       0.00015,
			OutputPer1K:      0.0006,
			CachedInputPer1K: 0.000075,
		},
		"gpt-3.5-turbo": {
			InputPer1K:  0.0005,
			OutputPer1K: 0.0015,
		},
	}
}

// ExternalPriceTable models a pluggable community pricing source (e.g. a
// LiteLLM-style JSON table) that can override the built-in book without the
// resolver needing to know how it is populated or refreshed.
type ExternalPriceTable interface {
	// Cost returns the resolved USD cost and true if this table has an
	// opinion about model; false means "defer to the next source".
	Cost(model string, u usage.Usage) (float64, bool)
}

// Resolver computes cost in strict priority order: an explicit
// provider-reported cost, then an external table, then the internal price
// book, then a flat fallback rate, then zero.
type Resolver struct {
	Book     PriceBook
	External ExternalPriceTable
}

// NewResolver builds a Resolver over the default price book.
func NewResolver() *Resolver {
	return &Resolver{Book: DefaultPriceBook()}
}

// ResolveCost is the priority chain described in the pricing resolver
// component design. providerCost and fallbackRatePer1K are pointers so the
// caller can distinguish "not supplied" from "supplied as zero".
func (r *Resolver) ResolveCost(model string, u usage.Usage, providerCost *float64, fallbackRatePer1K *float64) float64 {
	if providerCost != nil {
		return *providerCost
	}
	if r.External != nil {
		if cost, ok := r.External.Cost(model, u); ok {
			return cost
		}
	}
	if price, ok := r.Book[model]; ok {
		return float64(u.InputTokens)/1000*price.InputPer1K +
			float64(u.OutputTokens)/1000*price.OutputPer1K +
			float64(u.CachedInputTokens)/1000*price.CachedInputPer1K
	}
	if fallbackRatePer1K != nil {
		return *fallbackRatePer1K * float64(u.TotalTokens()) / 1000
	}
	return 0.0
}
