package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mythos-app/indexd/internal/syncerr"
)

// OpenAIClient embeds text through an OpenAI-compatible /embeddings endpoint.
// The base URL includes the version prefix, e.g. "https://api.openai.com/v1".
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOpenAI creates a client for an OpenAI-compatible embeddings API.
func NewOpenAI(baseURL, apiKey, model string, dimension int) *OpenAIClient {
	return &OpenAIClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// Model returns the configured embedding model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Dimension returns the expected embedding dimension.
func (c *OpenAIClient) Dimension() int {
	return c.dimension
}

// embeddingsRequest is the JSON body for POST /embeddings.
type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// embeddingsResponse is the JSON returned by POST /embeddings. Items carry an
// index because the API does not guarantee response order.
type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch embeds all texts in a single request, restoring input order from
// the per-item index.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts, Dimensions: c.dimension})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.WrapTransient(err, syncerr.CodeEmbedFailure, "embeddings request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var result embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, syncerr.WrapTransient(err, syncerr.CodeEmbedFailure, "decoding embeddings response")
	}

	if len(result.Data) != len(texts) {
		return nil, syncerr.Transient(syncerr.CodeEmbedFailure,
			"embed: got %d embeddings for %d texts", len(result.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, syncerr.Transient(syncerr.CodeEmbedFailure, "embed: index %d out of range", d.Index)
		}
		if c.dimension > 0 && len(d.Embedding) != c.dimension {
			return nil, syncerr.Permanent(syncerr.CodeEmbedRejected,
				"embed: vector %d has dimension %d, want %d (model %s)", d.Index, len(d.Embedding), c.dimension, c.model)
		}
		out[d.Index] = d.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, syncerr.Transient(syncerr.CodeEmbedFailure, "embed: missing vector for text %d", i)
		}
	}

	return out, nil
}
