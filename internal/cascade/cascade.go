// Package cascade implements the speculative draft/verify request flow: a
// cheap drafter model answers first, an alignment score decides whether
// that answer is good enough to ship, and only on rejection does a more
// capable (and more expensive) verifier model get a turn.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lemony-ai/cascadeflow-gateway/internal/billing"
	"github.com/lemony-ai/cascadeflow-gateway/internal/circuitbreaker"
	"github.com/lemony-ai/cascadeflow-gateway/internal/events"
	"github.com/lemony-ai/cascadeflow-gateway/internal/health"
	"github.com/lemony-ai/cascadeflow-gateway/internal/quality"
	"github.com/lemony-ai/cascadeflow-gateway/internal/router"
	"github.com/lemony-ai/cascadeflow-gateway/internal/usage"
)

// Outcome describes how a cascade request was resolved.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"        // drafter response shipped as-is
	OutcomeEscalated      Outcome = "escalated"        // verifier response shipped after reject
	OutcomeDraftOnly      Outcome = "draft_only"       // verifier unavailable, drafter shipped anyway
	OutcomeVerifierFailed Outcome = "verifier_failed"  // both legs failed
)

// Result is the full record of one cascade request.
type Result struct {
	Outcome        Outcome
	Content        string
	DraftModel     string
	VerifierModel  string
	DraftUsage     usage.Usage
	VerifierUsage  usage.Usage
	Alignment      quality.Analysis
	Confidence     float64
	Breakdown      billing.Breakdown
	DraftLatencyMs float64
	TotalLatencyMs float64
}

// ConfidenceBlend configures how the effective confidence signal is
// derived from the alignment score and, when available, the drafter's own
// token-level confidence.
type ConfidenceBlend struct {
	// AlignmentWeight and ModelWeight must sum to 1.0 when both signals are
	// present. Default (zero value) is an equal-weight mean.
	AlignmentWeight float64
	ModelWeight     float64
}

func (c ConfidenceBlend) blend(alignment, modelConfidence float64, haveModelConfidence bool) float64 {
	if !haveModelConfidence {
		return alignment
	}
	aw, mw := c.AlignmentWeight, c.ModelWeight
	if aw == 0 && mw == 0 {
		aw, mw = 0.5, 0.5
	}
	return alignment*aw + modelConfidence*mw
}

// AcceptThreshold is the minimum effective confidence required to accept a
// drafter response without escalating.
const AcceptThreshold = 0.65

// Engine runs the draft/verify cascade for a single request. It dispatches
// both legs through router.Sender adapters so the existing provider
// adapters are reused unmodified; the only thing cascade.Engine owns is
// the decision of whether a second call is needed at all.
type Engine struct {
	Adapters    func(providerID string) router.Sender
	Scorer      *quality.Scorer
	Calculator  *billing.Calculator
	Breaker     *circuitbreaker.Breaker
	Health      *health.Tracker
	Bus         *events.Bus
	Blend       ConfidenceBlend
	QueryDifficulty func(query string) float64
}

// Request carries everything the cascade engine needs to run both legs.
type Request struct {
	RouterRequest router.Request
	Query         string // the user-facing prompt text, used by the alignment scorer
	DraftProvider string
	DraftModel    string
	VerifierProvider string
	VerifierModel string
	Difficulty    float64
}

var errNoDrafterAdapter = errors.New("cascade: no adapter registered for draft provider")
var errNoVerifierAdapter = errors.New("cascade: no adapter registered for verifier provider")

// Run executes one cascade request to completion.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	draftSender := e.Adapters(req.DraftProvider)
	if draftSender == nil {
		return Result{}, errNoDrafterAdapter
	}

	draftStart := time.Now()
	draftResp, draftErr := draftSender.Send(ctx, req.DraftModel, req.RouterRequest)
	draftLatency := float64(time.Since(draftStart).Milliseconds())

	if draftErr != nil {
		e.recordHealth(req.DraftProvider, draftErr, draftLatency)
		return e.escalateOnly(ctx, req, draftLatency)
	}
	e.recordHealth(req.DraftProvider, nil, draftLatency)

	draftContent := router.ExtractContent(draftResp)
	draftUsage := usage.FromPayload(extractUsagePayload(draftResp))

	difficulty := req.Difficulty
	if e.QueryDifficulty != nil {
		difficulty = e.QueryDifficulty(req.Query)
	}
	analysis := e.Scorer.Score(req.Query, draftContent, difficulty)
	confidence := e.Blend.blend(analysis.Score, 0, false)

	if confidence >= AcceptThreshold {
		breakdown := e.Calculator.Accepted(req.DraftModel, req.VerifierModel, draftUsage)
		e.publish(events.EventCascadeAccepted, req, analysis.Score, breakdown.CostSavedUSD)
		return Result{
			Outcome:        OutcomeAccepted,
			Content:        draftContent,
			DraftModel:     req.DraftModel,
			VerifierModel:  req.VerifierModel,
			DraftUsage:     draftUsage,
			Alignment:      analysis,
			Confidence:     confidence,
			Breakdown:      breakdown,
			DraftLatencyMs: draftLatency,
			TotalLatencyMs: draftLatency,
		}, nil
	}

	return e.escalate(ctx, req, draftContent, draftUsage, analysis, confidence, draftLatency)
}

// escalate dispatches the verifier leg after the drafter's response was
// rejected by the alignment scorer. Repeated verifier failures trip the
// circuit breaker, after which the drafter's (rejected) response ships
// anyway rather than surfacing an error to the caller.
func (e *Engine) escalate(ctx context.Context, req Request, draftContent string, draftUsage usage.Usage, analysis quality.Analysis, confidence float64, draftLatency float64) (Result, error) {
	if e.Breaker != nil && !e.Breaker.Allow() {
		breakdown := e.Calculator.Accepted(req.DraftModel, req.VerifierModel, draftUsage)
		return Result{
			Outcome:        OutcomeDraftOnly,
			Content:        draftContent,
			DraftModel:     req.DraftModel,
			VerifierModel:  req.VerifierModel,
			DraftUsage:     draftUsage,
			Alignment:      analysis,
			Confidence:     confidence,
			Breakdown:      breakdown,
			DraftLatencyMs: draftLatency,
			TotalLatencyMs: draftLatency,
		}, nil
	}

	verifierSender := e.Adapters(req.VerifierProvider)
	if verifierSender == nil {
		return Result{}, errNoVerifierAdapter
	}

	verifierStart := time.Now()
	verifierResp, verifierErr := verifierSender.Send(ctx, req.VerifierModel, req.RouterRequest)
	verifierLatency := float64(time.Since(verifierStart).Milliseconds())
	totalLatency := draftLatency + verifierLatency

	if verifierErr != nil {
		e.recordHealth(req.VerifierProvider, verifierErr, verifierLatency)
		if e.Breaker != nil {
			e.Breaker.RecordFailure()
		}
		return Result{}, verifierErr
	}
	e.recordHealth(req.VerifierProvider, nil, verifierLatency)
	if e.Breaker != nil {
		e.Breaker.RecordSuccess()
	}

	verifierContent := router.ExtractContent(verifierResp)
	verifierUsage := usage.FromPayload(extractUsagePayload(verifierResp))
	breakdown := e.Calculator.Escalated(req.DraftModel, req.VerifierModel, draftUsage, verifierUsage)
	e.publish(events.EventCascadeEscalated, req, analysis.Score, 0)

	return Result{
		Outcome:        OutcomeEscalated,
		Content:        verifierContent,
		DraftModel:     req.DraftModel,
		VerifierModel:  req.VerifierModel,
		DraftUsage:     draftUsage,
		VerifierUsage:  verifierUsage,
		Alignment:      analysis,
		Confidence:     confidence,
		Breakdown:      breakdown,
		DraftLatencyMs: draftLatency,
		TotalLatencyMs: totalLatency,
	}, nil
}

// escalateOnly handles a drafter call that failed outright: the verifier
// becomes the sole source of a response instead of a second opinion.
func (e *Engine) escalateOnly(ctx context.Context, req Request, draftLatency float64) (Result, error) {
	verifierSender := e.Adapters(req.VerifierProvider)
	if verifierSender == nil {
		return Result{}, errNoVerifierAdapter
	}

	start := time.Now()
	verifierResp, verifierErr := verifierSender.Send(ctx, req.VerifierModel, req.RouterRequest)
	verifierLatency := float64(time.Since(start).Milliseconds())

	if verifierErr != nil {
		e.recordHealth(req.VerifierProvider, verifierErr, verifierLatency)
		return Result{Outcome: OutcomeVerifierFailed}, verifierErr
	}
	e.recordHealth(req.VerifierProvider, nil, verifierLatency)

	verifierContent := router.ExtractContent(verifierResp)
	verifierUsage := usage.FromPayload(extractUsagePayload(verifierResp))
	breakdown := e.Calculator.DirectCall(req.VerifierModel, verifierUsage)

	return Result{
		Outcome:        OutcomeEscalated,
		Content:        verifierContent,
		DraftModel:     req.DraftModel,
		VerifierModel:  req.VerifierModel,
		VerifierUsage:  verifierUsage,
		Breakdown:      breakdown,
		DraftLatencyMs: draftLatency,
		TotalLatencyMs: draftLatency + verifierLatency,
	}, nil
}

func (e *Engine) recordHealth(providerID string, err error, latencyMs float64) {
	if e.Health == nil {
		return
	}
	if err != nil {
		e.Health.RecordError(providerID, err.Error())
		return
	}
	e.Health.RecordSuccess(providerID, latencyMs)
}

func (e *Engine) publish(t events.EventType, req Request, alignmentScore, costSaved float64) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(events.Event{
		Type:           t,
		DraftModel:     req.DraftModel,
		VerifierModel:  req.VerifierModel,
		AlignmentScore: alignmentScore,
		CostSavedUSD:   costSaved,
	})
}

// extractUsagePayload pulls the "usage" object out of a raw provider
// response, the shape both OpenAI and Anthropic responses share.
func extractUsagePayload(resp router.ProviderResponse) map[string]any {
	var wrapper struct {
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(resp, &wrapper); err != nil || wrapper.Usage == nil {
		return map[string]any{}
	}
	return wrapper.Usage
}
