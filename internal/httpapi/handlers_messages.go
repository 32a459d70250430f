package httpapi

import (
	"encoding/json"
	"fmt"
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

// anthropicMessage is one entry of an Anthropic Messages API request. content
// is either a bare string or an array of {type, text} blocks; RawMessage
// defers the choice to anthropicContentText.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessagesResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Cascadeflow cascadeEnvelope        `json:"cascadeflow"`
}

func writeAnthropicError(w http.ResponseWriter, msg, errType string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

// anthropicContentText extracts the plain text from an Anthropic content
// field, accepting both the bare-string shorthand and the full content-block
// array shape.
func anthropicContentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}

func toRouterMessages(msgs []anthropicMessage) []router.Message {
	out := make([]router.Message, len(msgs))
	for i, m := range msgs {
		out[i] = router.Message{Role: m.Role, Content: anthropicContentText(m.Content)}
	}
	return out
}

// AnthropicMessagesHandler implements POST /v1/messages, the Anthropic wire
// shape, driven by the same cascade engine as the OpenAI-shaped endpoints:
// the request/response envelopes differ, but routing, billing, and the
// streaming state machine are shared.
func AnthropicMessagesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Cascade == nil {
			writeAnthropicError(w, "cascade routing is not configured", "api_error", http.StatusServiceUnavailable)
			return
		}

		start := time.Now()
		var req anthropicMessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, "invalid JSON: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			writeAnthropicError(w, "model is required", "invalid_request_error", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			writeAnthropicError(w, "messages is required", "invalid_request_error", http.StatusBadRequest)
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

		messages := toRouterMessages(req.Messages)
		verifierProvider, verifierModel, err := d.resolveModel("", "", req.Model)
		if err != nil {
			writeAnthropicError(w, err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		draftProvider, draftModel, err := d.resolveModel(d.DefaultDraftProvider, d.DefaultDraftModel, d.DefaultDraftModel)
		if err != nil || draftModel == "" {
			draftProvider, draftModel = verifierProvider, verifierModel
		}

		if d.BillingTracker != nil && apiKeyID != "" {
			estimate := estimateCascadeCost(messages, verifierModel, d.Engine)
			decision := d.BillingTracker.CanAfford(apiKeyID, tier, estimate)
			if !decision.Allowed {
				writeAnthropicError(w, "budget exceeded: "+decision.Reason, "rate_limit_error", http.StatusTooManyRequests)
				return
			}
		}

		cascadeReq := cascade.Request{
			RouterRequest:    router.Request{Messages: messages, ModelHint: req.Model},
			Query:            latestUserMessage(messages),
			DraftProvider:    draftProvider,
			DraftModel:       draftModel,
			VerifierProvider: verifierProvider,
			VerifierModel:    verifierModel,
			Difficulty:       estimateDifficulty(messages),
		}

		if req.Stream {
			writeAnthropicMessagesStream(w, d, cascadeStreamParams{
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
			writeAnthropicError(w, runErr.Error(), "api_error", http.StatusBadGateway)
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

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(anthropicMessagesResponse{
			ID:         "msg_" + reqID,
			Type:       "message",
			Role:       "assistant",
			Model:      modelUsed,
			Content:    []anthropicContentBlock{{Type: "text", Text: result.Content}},
			StopReason: "end_turn",
			Usage: anthropicUsage{
				InputTokens:  result.DraftUsage.InputTokens + result.VerifierUsage.InputTokens,
				OutputTokens: result.DraftUsage.OutputTokens + result.VerifierUsage.OutputTokens,
			},
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
		})
	}
}

// writeAnthropicMessagesStream translates a cascade.StreamEvent sequence
// into Anthropic's message_start/content_block_start/content_block_delta/
// content_block_stop/message_delta/message_stop SSE event sequence.
func writeAnthropicMessagesStream(w http.ResponseWriter, d Dependencies, params cascadeStreamParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, "streaming unsupported by this response writer", "api_error", http.StatusInternalServerError)
		return
	}

	events, err := d.Cascade.RunStream(params.ctx, params.cascadeReq)
	if err != nil {
		writeAnthropicError(w, err.Error(), "api_error", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendEvent := func(name string, data map[string]any) {
		raw, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, raw)
		flusher.Flush()
	}

	sendEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    "msg_" + params.reqID,
			"type":  "message",
			"role":  "assistant",
			"model": params.cascadeReq.VerifierModel,
		},
	})
	sendEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	var (
		modelUsed   string
		outcome     cascade.Outcome
		breakdown   billing.Breakdown
		streamedErr error
	)

	for ev := range events {
		switch ev.Type {
		case cascade.StreamTextChunk:
			sendEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": ev.Content},
			})
		case cascade.StreamComplete:
			if m, ok := ev.Data["model"].(string); ok {
				modelUsed = m
			}
			if o, ok := ev.Data["outcome"].(string); ok {
				outcome = cascade.Outcome(o)
			}
			if b, ok := ev.Data["breakdown"].(billing.Breakdown); ok {
				breakdown = b
			}
		case cascade.StreamError:
			streamedErr = ev.Err
		}
	}

	sendEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})

	if streamedErr != nil {
		sendEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "error"},
		})
		sendEvent("message_stop", map[string]any{"type": "message_stop"})
		recordObservability(d, observeParams{
			Ctx:        params.httpCtx,
			Mode:       "cascade",
			LatencyMs:  time.Since(params.start).Milliseconds(),
			Success:    false,
			ErrorClass: "cascade_stream_failure",
			ErrorMsg:   streamedErr.Error(),
			RequestID:  params.reqID,
			APIKeyID:   params.apiKeyID,
		})
		return
	}

	accepted := outcome == cascade.OutcomeAccepted
	escalated := outcome == cascade.OutcomeEscalated

	if d.BillingTracker != nil && params.apiKeyID != "" {
		d.BillingTracker.Record(params.apiKeyID, breakdown.TotalCostUSD)
	}
	if d.BillingReporter != nil && d.BillingReporter.Enabled() {
		d.BillingReporter.ReportUsageAsync(params.httpCtx, billing.UsageEvent{
			CustomerID: params.apiKeyID,
			RequestID:  params.reqID,
			Model:      modelUsed,
			CostUSD:    breakdown.TotalCostUSD,
		}, nil)
	}

	recordObservability(d, observeParams{
		Ctx:              params.httpCtx,
		ModelID:          modelUsed,
		ProviderID:       params.verifierProvider,
		Mode:             "cascade",
		CostUSD:          breakdown.TotalCostUSD,
		LatencyMs:        time.Since(params.start).Milliseconds(),
		Success:          true,
		RequestID:        params.reqID,
		APIKeyID:         params.apiKeyID,
		Reason:           string(outcome),
		CascadeAccepted:  accepted,
		CascadeEscalated: escalated,
		DraftModel:       params.cascadeReq.DraftModel,
		VerifierModel:    params.cascadeReq.VerifierModel,
		CostSavedUSD:     breakdown.CostSavedUSD,
	})

	if q, ok := demo.FromContext(params.httpCtx); ok {
		sendEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn"},
			"metadata": map[string]any{
				"demo_queries_remaining": q.Remaining,
				"demo_queries_limit":     q.Limit,
			},
		})
	} else {
		sendEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn"},
		})
	}
	sendEvent("message_stop", map[string]any{"type": "message_stop"})
}
