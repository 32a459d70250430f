package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lemony-ai/cascadeflow-gateway/internal/billing"
	"github.com/lemony-ai/cascadeflow-gateway/internal/cascade"
	"github.com/lemony-ai/cascadeflow-gateway/internal/demo"
)

// cascadeStreamParams carries the context a streaming cascade response
// needs beyond the cascade.Request itself: the values the non-streaming
// handler already computed for billing, observability, and response
// correlation.
type cascadeStreamParams struct {
	ctx              context.Context // request-id-bearing context passed to the cascade engine
	httpCtx          context.Context // original request context, for observability/demo lookups
	cascadeReq       cascade.Request
	reqID            string
	apiKeyID         string
	verifierProvider string
	start            time.Time
}

// writeCascadeStream drives a cascade.Engine.RunStream run and translates
// its StreamEvent sequence into an OpenAI-style chat-completion-chunk SSE
// body: a role-only opening chunk, content delta chunks (the drafter's
// buffered chunks flushed in order on accept, or the verifier's chunks
// streamed live on escalation), a closing finish_reason chunk, and the
// [DONE] terminator. Routing/draft_decision/switch events that have no
// OpenAI analogue ride along as a "cascadeflow" side-channel field on an
// otherwise-empty delta chunk so non-cascade-aware clients can ignore them.
func writeCascadeStream(w http.ResponseWriter, d Dependencies, params cascadeStreamParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, "streaming unsupported by this response writer", "server_error", http.StatusInternalServerError)
		return
	}

	events, err := d.Cascade.RunStream(params.ctx, params.cascadeReq)
	if err != nil {
		writeOpenAIError(w, err.Error(), "server_error", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := params.start.Unix()
	writeChunk := func(delta map[string]any, finishReason any, extra map[string]any) {
		chunk := map[string]any{
			"id":      params.reqID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   params.cascadeReq.VerifierModel,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finishReason},
			},
		}
		for k, v := range extra {
			chunk[k] = v
		}
		raw, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}

	writeChunk(map[string]any{"role": "assistant"}, nil, nil)

	var (
		modelUsed   string
		outcome     cascade.Outcome
		breakdown   billing.Breakdown
		streamedErr error
	)

	for ev := range events {
		switch ev.Type {
		case cascade.StreamRouting, cascade.StreamDraftDecision, cascade.StreamSwitch, cascade.StreamToolCallComplete:
			writeChunk(map[string]any{}, nil, map[string]any{
				"cascadeflow": map[string]any{"event": string(ev.Type), "phase": string(ev.Phase), "data": ev.Data},
			})
		case cascade.StreamTextChunk:
			writeChunk(map[string]any{"content": ev.Content}, nil, nil)
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

	if streamedErr != nil {
		writeChunk(map[string]any{}, nil, map[string]any{
			"cascadeflow": map[string]any{"event": "error", "message": streamedErr.Error()},
		})
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
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
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

	metadata := map[string]any{}
	if q, ok := demo.FromContext(params.httpCtx); ok {
		metadata["demo_queries_remaining"] = q.Remaining
		metadata["demo_queries_limit"] = q.Limit
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

	extra := map[string]any{
		"cascadeflow": map[string]any{
			"event":      "complete",
			"model_used": modelUsed,
			"cost":       breakdown.TotalCostUSD,
			"outcome":    string(outcome),
		},
	}
	if len(metadata) > 0 {
		extra["metadata"] = metadata
	}
	writeChunk(map[string]any{}, "stop", extra)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
