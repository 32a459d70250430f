package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lemony-ai/cascadeflow-gateway/internal/apikey"
	"github.com/lemony-ai/cascadeflow-gateway/internal/billing"
	"github.com/lemony-ai/cascadeflow-gateway/internal/cascade"
	"github.com/lemony-ai/cascadeflow-gateway/internal/demo"
	"github.com/lemony-ai/cascadeflow-gateway/internal/providers"
	"github.com/lemony-ai/cascadeflow-gateway/internal/router"
)

// cascadeRequest extends CompletionsRequest with optional explicit cascade
// legs. When DraftModel/VerifierModel are absent, the drafter defaults to
// Dependencies.DefaultDraftProvider/Model and the verifier defaults to the
// requested model resolved through the proxy router.
type cascadeRequest struct {
	CompletionsRequest
	DraftProvider    string `json:"draft_provider,omitempty"`
	DraftModel       string `json:"draft_model,omitempty"`
	VerifierProvider string `json:"verifier_provider,omitempty"`
	VerifierModel    string `json:"verifier_model,omitempty"`
}

// cascadeEnvelope is the out-of-spec "cascadeflow" object attached to every
// non-mock response, carrying the fields a cascade-aware client needs to
// understand why a draft was accepted or escalated.
type cascadeEnvelope struct {
	ModelUsed string            `json:"model_used"`
	Metadata  cascadeMetadata   `json:"metadata"`
	CostUSD   float64           `json:"cost,omitempty"`
}

type cascadeMetadata struct {
	DraftAccepted   bool    `json:"draft_accepted"`
	QualityScore    float64 `json:"quality_score"`
	Complexity      float64 `json:"complexity"`
	CascadeOverhead float64 `json:"cascade_overhead"`
}

type cascadeCompletionsResponse struct {
	completionsResponse
	Cascadeflow cascadeEnvelope `json:"cascadeflow"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// CascadeChatCompletionsHandler serves /v1/chat/completions and
// /v1/completions. When Dependencies.Cascade is configured it runs the
// speculative draft/verify flow; otherwise it falls back to the legacy
// single-call routing engine so the endpoint stays usable without a
// cascade configuration.
func CascadeChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	legacy := ChatCompletionsHandler(d)
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Cascade == nil {
			legacy(w, r)
			return
		}

		start := time.Now()

		var req cascadeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "invalid JSON: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			writeOpenAIError(w, "model is required", "invalid_request_error", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeOpenAIError(w, "messages is required", "invalid_request_error", http.StatusBadRequest)
			return
		}
		req.Model = d.resolveVirtualModel(req.Model)

		reqID := middleware.GetReqID(r.Context())
		reqCtx := providers.WithRequestID(r.Context(), reqID)

		apiKeyID := ""
		tier := billing.TierFree
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
			if rec.Tier != "" {
				tier = billing.Tier(rec.Tier)
			}
		}

		verifierProvider, verifierModel, err := d.resolveModel(req.VerifierProvider, req.VerifierModel, req.Model)
		if err != nil {
			writeOpenAIError(w, err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		draftProviderHint := req.DraftProvider
		if draftProviderHint == "" && req.DraftModel == "" {
			draftProviderHint = d.DefaultDraftProvider
		}
		draftProvider, draftModel, err := d.resolveModel(draftProviderHint, req.DraftModel, d.DefaultDraftModel)
		if err != nil || draftModel == "" {
			draftProvider, draftModel = verifierProvider, verifierModel
		}

		if d.BillingTracker != nil && apiKeyID != "" {
			estimate := estimateCascadeCost(req.Messages, verifierModel, d.Engine)
			decision := d.BillingTracker.CanAfford(apiKeyID, tier, estimate)
			if !decision.Allowed {
				writeOpenAIError(w, "budget exceeded: "+decision.Reason, "insufficient_quota", http.StatusTooManyRequests)
				return
			}
		}

		cascadeReq := cascade.Request{
			RouterRequest:    router.Request{Messages: req.Messages, ModelHint: req.Model},
			Query:            latestUserMessage(req.Messages),
			DraftProvider:    draftProvider,
			DraftModel:       draftModel,
			VerifierProvider: verifierProvider,
			VerifierModel:    verifierModel,
			Difficulty:       estimateDifficulty(req.Messages),
		}

		if req.Stream {
			writeCascadeStream(w, d, cascadeStreamParams{
				ctx:              reqCtx,
				httpCtx:          r.Context(),
				cascadeReq:       cascadeReq,
				reqID:            reqID,
				apiKeyID:         apiKeyID,
				verifierProvider: verifierProvider,
				start:            start,
			})
			return
		}

		result, runErr := d.Cascade.Run(reqCtx, cascadeReq)
		latencyMs := time.Since(start).Milliseconds()

		if runErr != nil {
			recordObservability(d, observeParams{
				Ctx:        r.Context(),
				Mode:       "cascade",
				LatencyMs:  latencyMs,
				Success:    false,
				ErrorClass: "cascade_failure",
				ErrorMsg:   runErr.Error(),
				RequestID:  reqID,
				APIKeyID:   apiKeyID,
			})
			writeOpenAIError(w, runErr.Error(), "server_error", http.StatusBadGateway)
			return
		}

		accepted := result.Outcome == cascade.OutcomeAccepted
		escalated := result.Outcome == cascade.OutcomeEscalated

		if d.BillingTracker != nil && apiKeyID != "" {
			d.BillingTracker.Record(apiKeyID, result.Breakdown.TotalCostUSD)
		}
		if d.BillingReporter != nil && d.BillingReporter.Enabled() {
			d.BillingReporter.ReportUsageAsync(r.Context(), billing.UsageEvent{
				CustomerID:   apiKeyID,
				RequestID:    reqID,
				Model:        result.VerifierModel,
				InputTokens:  result.DraftUsage.InputTokens + result.VerifierUsage.InputTokens,
				OutputTokens: result.DraftUsage.OutputTokens + result.VerifierUsage.OutputTokens,
				CostUSD:      result.Breakdown.TotalCostUSD,
			}, nil)
		}

		recordObservability(d, observeParams{
			Ctx:              r.Context(),
			ModelID:          result.VerifierModel,
			ProviderID:       verifierProvider,
			Mode:             "cascade",
			CostUSD:          result.Breakdown.TotalCostUSD,
			LatencyMs:        latencyMs,
			Success:          true,
			RequestID:        reqID,
			APIKeyID:         apiKeyID,
			Reason:           string(result.Outcome),
			InputTokens:      result.DraftUsage.InputTokens + result.VerifierUsage.InputTokens,
			OutputTokens:     result.DraftUsage.OutputTokens + result.VerifierUsage.OutputTokens,
			CascadeAccepted:  accepted,
			CascadeEscalated: escalated,
			DraftModel:       result.DraftModel,
			VerifierModel:    result.VerifierModel,
			AlignmentScore:   result.Alignment.Score,
			CostSavedUSD:     result.Breakdown.CostSavedUSD,
		})

		modelUsed := result.VerifierModel
		if accepted {
			modelUsed = result.DraftModel
		}

		resp := cascadeCompletionsResponse{
			completionsResponse: buildCompletionsResponse(reqID, modelUsed, mustMarshalChoice(result.Content)),
			Cascadeflow: cascadeEnvelope{
				ModelUsed: modelUsed,
				CostUSD:   result.Breakdown.TotalCostUSD,
				Metadata: cascadeMetadata{
					DraftAccepted:   accepted,
					QualityScore:    result.Alignment.Score,
					Complexity:      cascadeReq.Difficulty,
					CascadeOverhead: result.TotalLatencyMs - result.DraftLatencyMs,
				},
			},
		}
		if q, ok := demo.FromContext(r.Context()); ok {
			resp.Metadata = map[string]any{
				"demo_queries_remaining": q.Remaining,
				"demo_queries_limit":     q.Limit,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// resolveVirtualModel rewrites a reserved cascadeflow-* virtual model name
// to the concrete model it maps to; names with no mapping pass through
// unchanged so real provider model IDs are unaffected.
func (d Dependencies) resolveVirtualModel(model string) string {
	if d.VirtualModels == nil {
		return model
	}
	if target, ok := d.VirtualModels[model]; ok && target != "" {
		return target
	}
	return model
}

// resolveModel resolves a (provider, model) pair honoring an explicit
// provider override first, then the proxy router's whitelist/registry
// resolution, falling back to the raw model name when no router is wired.
func (d Dependencies) resolveModel(explicitProvider, explicitModel, fallbackModel string) (string, string, error) {
	model := explicitModel
	if model == "" {
		model = fallbackModel
	}
	if model == "" {
		return "", "", nil
	}
	if explicitProvider != "" {
		return explicitProvider, model, nil
	}
	if d.ProxyRouter != nil {
		return d.ProxyRouter.Resolve(model)
	}
	if d.Engine != nil {
		if m, ok := d.Engine.GetModel(model); ok {
			return m.ProviderID, model, nil
		}
	}
	return "", model, nil
}

// latestUserMessage returns the content of the last user-role message, the
// text the alignment scorer treats as the query.
func latestUserMessage(messages []router.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// estimateDifficulty is a coarse, dependency-free stand-in for a learned
// difficulty estimator: longer queries and ones asking for explanation or
// analysis skew harder.
func estimateDifficulty(messages []router.Message) float64 {
	q := latestUserMessage(messages)
	length := len(q)
	switch {
	case length > 400:
		return 0.8
	case length > 150:
		return 0.6
	case length > 40:
		return 0.4
	default:
		return 0.2
	}
}

// estimateCascadeCost produces a pre-flight cost estimate for the budget
// check, using the verifier model's rate against a rough token count since
// the real usage is not known until after dispatch.
func estimateCascadeCost(messages []router.Message, verifierModel string, eng *router.Engine) float64 {
	estTokens := 0
	for _, m := range messages {
		estTokens += len(m.Content) / 4
	}
	if eng == nil {
		return 0
	}
	if m, ok := eng.GetModel(verifierModel); ok {
		return (float64(estTokens) / 1000) * m.InputPer1K
	}
	return 0
}

// mustMarshalChoice wraps plain text content into the OpenAI choices array
// shape buildCompletionsResponse expects from a raw provider response.
func mustMarshalChoice(content string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	})
	return raw
}
