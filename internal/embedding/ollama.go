package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mythos-app/indexd/internal/syncerr"
)

// embedTimeout bounds a single batch call. Local models can be slow on first
// load, so this is generous.
const embedTimeout = 2 * time.Minute

// OllamaClient embeds text through a local Ollama instance.
type OllamaClient struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOllama creates a client for the Ollama server at baseURL.
func NewOllama(baseURL, model string, dimension int) *OllamaClient {
	return &OllamaClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// Model returns the configured embedding model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// Dimension returns the expected embedding dimension.
func (c *OllamaClient) Dimension() int {
	return c.dimension
}

// embedRequest is the JSON body for POST /api/embed.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON returned by POST /api/embed.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch embeds all texts in a single request.
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.WrapTransient(err, syncerr.CodeEmbedFailure, "embed request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, syncerr.WrapTransient(err, syncerr.CodeEmbedFailure, "decoding embed response")
	}

	if len(result.Embeddings) != len(texts) {
		return nil, syncerr.Transient(syncerr.CodeEmbedFailure,
			"embed: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	for i, vec := range result.Embeddings {
		if c.dimension > 0 && len(vec) != c.dimension {
			return nil, syncerr.Permanent(syncerr.CodeEmbedRejected,
				"embed: vector %d has dimension %d, want %d (model %s)", i, len(vec), c.dimension, c.model)
		}
	}

	return result.Embeddings, nil
}
