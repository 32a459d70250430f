package billing

import "github.com/lemony-ai/cascadeflow-gateway/internal/usage"

// Breakdown is the per-request cost accounting for one cascade decision.
type Breakdown struct {
	DraftCostUSD    float64
	VerifierCostUSD float64
	TotalCostUSD    float64
	CostSavedUSD    float64
}

// Calculator turns token usage and a pricing resolver into a Breakdown for
// both the accepted (draft-only) and escalated (draft+verifier) paths.
type Calculator struct {
	Resolver interface {
		ResolveCost(model string, u usage.Usage, providerCost *float64, fallbackRatePer1K *float64) float64
	}
}

// Accepted computes the breakdown when the drafter's response was accepted
// without verifier escalation. CostSaved is the hypothetical verifier cost
// that was avoided, estimated at the verifier model's own price for the
// same usage.
func (c *Calculator) Accepted(draftModel, verifierModel string, draftUsage usage.Usage) Breakdown {
	draftCost := c.Resolver.ResolveCost(draftModel, draftUsage, nil, nil)
	hypotheticalVerifierCost := c.Resolver.ResolveCost(verifierModel, draftUsage, nil, nil)
	return Breakdown{
		DraftCostUSD: draftCost,
		TotalCostUSD: draftCost,
		CostSavedUSD: hypotheticalVerifierCost - draftCost,
	}
}

// Escalated computes the breakdown when the verifier was invoked after
// the drafter's response was rejected. Both legs are billed, and the
// wasted draft spend shows up as a negative saving.
func (c *Calculator) Escalated(draftModel, verifierModel string, draftUsage, verifierUsage usage.Usage) Breakdown {
	draftCost := c.Resolver.ResolveCost(draftModel, draftUsage, nil, nil)
	verifierCost := c.Resolver.ResolveCost(verifierModel, verifierUsage, nil, nil)
	return Breakdown{
		DraftCostUSD:    draftCost,
		VerifierCostUSD: verifierCost,
		TotalCostUSD:    draftCost + verifierCost,
		CostSavedUSD:    -draftCost,
	}
}

// DirectCall computes the breakdown for a non-cascaded call straight to a
// single model (no drafter, no speculative verification).
func (c *Calculator) DirectCall(model string, u usage.Usage) Breakdown {
	cost := c.Resolver.ResolveCost(model, u, nil, nil)
	return Breakdown{TotalCostUSD: cost}
}
