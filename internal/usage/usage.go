// Package usage holds the canonical token-usage record shared by every
// provider adapter, the pricing resolver, and the cost tracker.
package usage

// Usage is an immutable token-count record. Build it once with FromPayload
// and never mutate it afterwards.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// TotalTokens is derived, never stored, so it can never drift from its inputs.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// FromPayload builds a Usage from a loose provider payload. It accepts both
// OpenAI-style keys (prompt_tokens, completion_tokens) and Anthropic-style
// keys (input_tokens, output_tokens); OpenAI keys win if both are present,
// since callers normally pass one shape or the other, not both. Anything
// that isn't a number coerces to 0.
func FromPayload(payload map[string]any) Usage {
	return Usage{
		InputTokens:       firstInt(payload, "prompt_tokens", "input_tokens"),
		OutputTokens:      firstInt(payload, "completion_tokens", "output_tokens"),
		CachedInputTokens: firstInt(payload, "cache_read_input_tokens", "cached_input_tokens"),
	}
}

func firstInt(payload map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if n, ok := toInt(v); ok {
				return n
			}
		}
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}

// ToMap round-trips a Usage to its four-field wire representation.
func (u Usage) ToMap() map[string]any {
	return map[string]any{
		"input_tokens":        u.InputTokens,
		"output_tokens":       u.OutputTokens,
		"cached_input_tokens": u.CachedInputTokens,
		"total_tokens":        u.TotalTokens(),
	}
}
