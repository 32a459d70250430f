package cascade

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/lemony-ai/cascadeflow-gateway/internal/events"
	"github.com/lemony-ai/cascadeflow-gateway/internal/router"
	"github.com/lemony-ai/cascadeflow-gateway/internal/usage"
)

// StreamEventType enumerates the distinct frames a streaming cascade run
// emits. A gateway-facing translator maps these onto the wire SSE shape of
// whichever API family (OpenAI, Anthropic) the caller used.
type StreamEventType string

const (
	StreamRouting          StreamEventType = "routing"
	StreamTextChunk        StreamEventType = "text_chunk"
	StreamDraftDecision    StreamEventType = "draft_decision"
	StreamSwitch           StreamEventType = "switch"
	StreamToolCallComplete StreamEventType = "tool_call_complete"
	StreamComplete         StreamEventType = "complete"
	StreamError            StreamEventType = "error"
)

// StreamPhase identifies which leg of the cascade produced a text_chunk.
type StreamPhase string

const (
	PhaseDirect   StreamPhase = "direct"
	PhaseDraft    StreamPhase = "draft"
	PhaseVerifier StreamPhase = "verifier"
)

// StreamEvent is one frame of a streaming cascade run. Only the fields
// relevant to Type are meaningful; the rest are zero.
type StreamEvent struct {
	Type    StreamEventType
	Phase   StreamPhase
	Content string
	Data    map[string]any
	Err     error
}

// RunStream executes a cascade request in streaming mode. Draft text_chunk
// events are buffered internally until the draft_decision resolves: on
// accept the buffer is flushed to the returned channel in order, on reject
// it is discarded and a switch event precedes the verifier's own chunks,
// which stream to the channel as they arrive rather than being buffered.
// The channel is closed when the run completes, whether by a complete or
// an error event.
func (e *Engine) RunStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	draftSender := e.Adapters(req.DraftProvider)
	if draftSender == nil {
		return nil, errNoDrafterAdapter
	}
	out := make(chan StreamEvent, 16)
	go e.runStream(ctx, req, draftSender, out)
	return out, nil
}

func (e *Engine) runStream(ctx context.Context, req Request, draftSender router.Sender, out chan<- StreamEvent) {
	defer close(out)

	out <- StreamEvent{Type: StreamRouting, Phase: PhaseDraft, Data: map[string]any{
		"provider": req.DraftProvider,
		"model":    req.DraftModel,
	}}

	draftStart := time.Now()
	draftChunks, draftContent, draftUsage, draftErr := e.collectDraft(ctx, draftSender, req)
	draftLatency := float64(time.Since(draftStart).Milliseconds())

	if draftErr != nil {
		e.recordHealth(req.DraftProvider, draftErr, draftLatency)
		e.streamVerifierOnly(ctx, req, out)
		return
	}
	e.recordHealth(req.DraftProvider, nil, draftLatency)

	difficulty := req.Difficulty
	if e.QueryDifficulty != nil {
		difficulty = e.QueryDifficulty(req.Query)
	}
	analysis := e.Scorer.Score(req.Query, draftContent, difficulty)
	confidence := e.Blend.blend(analysis.Score, 0, false)
	accepted := confidence >= AcceptThreshold

	out <- StreamEvent{Type: StreamDraftDecision, Data: map[string]any{
		"accepted":   accepted,
		"score":      analysis.Score,
		"confidence": confidence,
	}}

	if accepted {
		for _, chunk := range draftChunks {
			out <- StreamEvent{Type: StreamTextChunk, Phase: PhaseDraft, Content: chunk}
		}
		breakdown := e.Calculator.Accepted(req.DraftModel, req.VerifierModel, draftUsage)
		e.publish(events.EventCascadeAccepted, req, analysis.Score, breakdown.CostSavedUSD)
		out <- StreamEvent{Type: StreamComplete, Data: map[string]any{
			"outcome":   string(OutcomeAccepted),
			"model":     req.DraftModel,
			"breakdown": breakdown,
			"content":   draftContent,
		}}
		return
	}

	// Draft rejected: the buffered chunks above are discarded by never
	// having been sent. Announce the switch before the verifier runs.
	out <- StreamEvent{Type: StreamSwitch, Data: map[string]any{
		"from":   req.DraftModel,
		"to":     req.VerifierModel,
		"reason": "draft_rejected",
	}}

	if e.Breaker != nil && !e.Breaker.Allow() {
		breakdown := e.Calculator.Accepted(req.DraftModel, req.VerifierModel, draftUsage)
		for _, chunk := range draftChunks {
			out <- StreamEvent{Type: StreamTextChunk, Phase: PhaseVerifier, Content: chunk}
		}
		out <- StreamEvent{Type: StreamComplete, Data: map[string]any{
			"outcome":   string(OutcomeDraftOnly),
			"model":     req.DraftModel,
			"breakdown": breakdown,
			"content":   draftContent,
		}}
		return
	}

	verifierSender := e.Adapters(req.VerifierProvider)
	if verifierSender == nil {
		out <- StreamEvent{Type: StreamError, Err: errNoVerifierAdapter}
		return
	}

	verifierStart := time.Now()
	_, verifierContent, verifierUsage, verifierErr := e.collectVerifierStream(ctx, verifierSender, req, out)
	verifierLatency := float64(time.Since(verifierStart).Milliseconds())

	if verifierErr != nil {
		e.recordHealth(req.VerifierProvider, verifierErr, verifierLatency)
		if e.Breaker != nil {
			e.Breaker.RecordFailure()
		}
		out <- StreamEvent{Type: StreamError, Err: verifierErr}
		return
	}
	e.recordHealth(req.VerifierProvider, nil, verifierLatency)
	if e.Breaker != nil {
		e.Breaker.RecordSuccess()
	}

	breakdown := e.Calculator.Escalated(req.DraftModel, req.VerifierModel, draftUsage, verifierUsage)
	e.publish(events.EventCascadeEscalated, req, analysis.Score, 0)
	out <- StreamEvent{Type: StreamComplete, Data: map[string]any{
		"outcome":   string(OutcomeEscalated),
		"model":     req.VerifierModel,
		"breakdown": breakdown,
		"content":   verifierContent,
	}}
}

// streamVerifierOnly handles a drafter that failed outright: there is
// nothing to buffer or decide on, so the verifier becomes the sole source
// of output and its chunks stream through directly.
func (e *Engine) streamVerifierOnly(ctx context.Context, req Request, out chan<- StreamEvent) {
	out <- StreamEvent{Type: StreamSwitch, Data: map[string]any{
		"from":   req.DraftProvider,
		"to":     req.VerifierProvider,
		"reason": "draft_failed",
	}}

	verifierSender := e.Adapters(req.VerifierProvider)
	if verifierSender == nil {
		out <- StreamEvent{Type: StreamError, Err: errNoVerifierAdapter}
		return
	}

	start := time.Now()
	_, content, u, err := e.collectVerifierStream(ctx, verifierSender, req, out)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		e.recordHealth(req.VerifierProvider, err, latency)
		out <- StreamEvent{Type: StreamError, Err: err}
		return
	}
	e.recordHealth(req.VerifierProvider, nil, latency)

	breakdown := e.Calculator.DirectCall(req.VerifierModel, u)
	out <- StreamEvent{Type: StreamComplete, Data: map[string]any{
		"outcome":   string(OutcomeEscalated),
		"model":     req.VerifierModel,
		"breakdown": breakdown,
		"content":   content,
	}}
}

// collectDraft reads the drafter's full response before any decision is
// made, since the alignment scorer needs the complete text. Streaming
// adapters still stream on the wire to the provider; only the cascade's
// own client-facing chunks are withheld pending draft_decision.
func (e *Engine) collectDraft(ctx context.Context, sender router.Sender, req Request) ([]string, string, usage.Usage, error) {
	if streamer, ok := sender.(router.StreamSender); ok {
		body, err := streamer.SendStream(ctx, req.DraftModel, req.RouterRequest)
		if err != nil {
			return nil, "", usage.Usage{}, err
		}
		defer func() { _ = body.Close() }()
		chunks, u, err := readOpenAISSE(body)
		if err != nil {
			return nil, "", usage.Usage{}, err
		}
		full := strings.Join(chunks, "")
		if u.OutputTokens == 0 && full != "" {
			u = estimateUsage(req.Query, full)
		}
		return chunks, full, u, nil
	}

	resp, err := sender.Send(ctx, req.DraftModel, req.RouterRequest)
	if err != nil {
		return nil, "", usage.Usage{}, err
	}
	full := router.ExtractContent(resp)
	u := usage.FromPayload(extractUsagePayload(resp))
	return []string{full}, full, u, nil
}

// collectVerifierStream reads the verifier's response, emitting each chunk
// onto out as it arrives rather than buffering it, per the ordering rule:
// once a verifier is dispatched its output streams live.
func (e *Engine) collectVerifierStream(ctx context.Context, sender router.Sender, req Request, out chan<- StreamEvent) ([]string, string, usage.Usage, error) {
	if streamer, ok := sender.(router.StreamSender); ok {
		body, err := streamer.SendStream(ctx, req.VerifierModel, req.RouterRequest)
		if err != nil {
			return nil, "", usage.Usage{}, err
		}
		defer func() { _ = body.Close() }()
		chunks, u, err := readOpenAISSE(body)
		if err != nil {
			return nil, "", usage.Usage{}, err
		}
		var full strings.Builder
		for _, c := range chunks {
			full.WriteString(c)
			out <- StreamEvent{Type: StreamTextChunk, Phase: PhaseVerifier, Content: c}
		}
		content := full.String()
		if u.OutputTokens == 0 && content != "" {
			u = estimateUsage(req.Query, content)
		}
		return chunks, content, u, nil
	}

	resp, err := sender.Send(ctx, req.VerifierModel, req.RouterRequest)
	if err != nil {
		return nil, "", usage.Usage{}, err
	}
	content := router.ExtractContent(resp)
	out <- StreamEvent{Type: StreamTextChunk, Phase: PhaseVerifier, Content: content}
	u := usage.FromPayload(extractUsagePayload(resp))
	return []string{content}, content, u, nil
}

// readOpenAISSE parses an OpenAI-style chat-completion-chunk SSE body into
// its ordered content deltas plus any usage block carried by the final
// frame (present when the upstream call requested stream_options with
// include_usage).
func readOpenAISSE(body io.Reader) ([]string, usage.Usage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var chunks []string
	var u usage.Usage
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var payload struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage map[string]any `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		for _, c := range payload.Choices {
			if c.Delta.Content != "" {
				chunks = append(chunks, c.Delta.Content)
			}
		}
		if payload.Usage != nil {
			u = usage.FromPayload(payload.Usage)
		}
	}
	return chunks, u, scanner.Err()
}

// estimateUsage is a dependency-free fallback for streaming adapters that
// never emit a usage frame: roughly four characters per token, the same
// heuristic the gateway already uses for pre-flight cost estimates.
func estimateUsage(query, content string) usage.Usage {
	return usage.Usage{
		InputTokens:  len(query) / 4,
		OutputTokens: len(content) / 4,
	}
}
