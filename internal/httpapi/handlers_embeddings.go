package httpapi

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"
)

// embeddingDimensions is the vector width the mock embeddings endpoint
// returns, matching OpenAI's text-embedding-3-small default.
const embeddingDimensions = 384

// embeddingsRequest is the OpenAI-compatible request body for
// POST /v1/embeddings. Input accepts either a single string or a list.
type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type embeddingObject struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string            `json:"object"`
	Model  string            `json:"model"`
	Data   []embeddingObject `json:"data"`
	Usage  completionUsage   `json:"usage"`
}

// EmbeddingsHandler implements POST /v1/embeddings. It never calls an
// upstream provider: embeddings here are a deterministic mock, a 384-float
// vector derived from a SHA-256 hash of the input text, so the same input
// always produces the same vector and tests stay reproducible without
// network access.
func EmbeddingsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
		if err != nil {
			writeOpenAIError(w, "failed to read request body", "invalid_request_error", http.StatusBadRequest)
			return
		}

		var req embeddingsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeOpenAIError(w, "invalid JSON: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if req.Model == "" {
			writeOpenAIError(w, "model is required", "invalid_request_error", http.StatusBadRequest)
			return
		}

		inputs, err := parseEmbeddingInput(req.Input)
		if err != nil || len(inputs) == 0 {
			writeOpenAIError(w, "input is required", "invalid_request_error", http.StatusBadRequest)
			return
		}

		data := make([]embeddingObject, len(inputs))
		totalTokens := 0
		for i, text := range inputs {
			data[i] = embeddingObject{
				Object:    "embedding",
				Index:     i,
				Embedding: deterministicEmbedding(text),
			}
			totalTokens += len(text) / 4
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cascadeflow-Gateway", "cascadeflow")
		w.Header().Set("X-Cascadeflow-Gateway-Endpoint", "/v1/embeddings")
		w.Header().Set("X-Cascadeflow-Gateway-API", "openai")
		_ = json.NewEncoder(w).Encode(embeddingsResponse{
			Object: "list",
			Model:  req.Model,
			Data:   data,
			Usage: completionUsage{
				PromptTokens: totalTokens,
				TotalTokens:  totalTokens,
			},
		})

		recordObservability(d, observeParams{
			Ctx:        r.Context(),
			ModelID:    req.Model,
			Mode:       "embeddings",
			LatencyMs:  time.Since(start).Milliseconds(),
			Success:    true,
			HTTPStatus: http.StatusOK,
		})
	}
}

// parseEmbeddingInput accepts either a bare JSON string or a JSON array of
// strings, the two shapes OpenAI's embeddings endpoint allows for "input".
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// deterministicEmbedding derives a 384-float unit-ish vector from the
// SHA-256 hash of text: the hash is expanded by re-hashing with an
// incrementing seed, and each 4-byte slice becomes one coordinate in
// [-1, 1]. Identical input always yields an identical vector.
func deterministicEmbedding(text string) []float64 {
	vec := make([]float64, embeddingDimensions)
	need := embeddingDimensions * 4
	stream := make([]byte, 0, need+sha256.Size)
	seed := uint32(0)
	for len(stream) < need {
		h := sha256.New()
		h.Write([]byte(text))
		var seedBytes [4]byte
		binary.BigEndian.PutUint32(seedBytes[:], seed)
		h.Write(seedBytes[:])
		stream = append(stream, h.Sum(nil)...)
		seed++
	}
	for i := range vec {
		bits := binary.BigEndian.Uint32(stream[i*4 : i*4+4])
		// Map the uint32 range onto [-1, 1].
		vec[i] = (float64(bits)/float64(math.MaxUint32))*2 - 1
	}
	return vec
}
