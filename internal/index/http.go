package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mythos-app/indexd/internal/syncerr"
)

// requestTimeout bounds a single index call.
const requestTimeout = 60 * time.Second

// Compile-time check that HTTPStore implements Store.
var _ Store = (*HTTPStore)(nil)

// HTTPStore talks to a remote vector index service over HTTP. All operations
// are POSTs under /collections/{collection}/points.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
}

// NewHTTPStore creates a client for the index service at baseURL. Pass an
// empty apiKey to skip authentication.
func NewHTTPStore(baseURL, apiKey, collection string) *HTTPStore {
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

type upsertRequest struct {
	Points []Point `json:"points"`
}

type deleteRequest struct {
	Filter Filter `json:"filter"`
}

type scrollRequest struct {
	Filter Filter `json:"filter"`
	Limit  int    `json:"limit"`
}

type scrollResponse struct {
	Points []Point `json:"points"`
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
	Filter Filter    `json:"filter"`
}

type searchResponse struct {
	Points []ScoredPoint `json:"points"`
}

type countRequest struct {
	Filter Filter `json:"filter"`
}

type countResponse struct {
	Count int `json:"count"`
}

// Upsert writes points, overwriting any existing point with the same ID.
func (s *HTTPStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	return s.post(ctx, "/points", upsertRequest{Points: points}, nil)
}

// DeleteByFilter removes every point the filter matches.
func (s *HTTPStore) DeleteByFilter(ctx context.Context, f Filter) error {
	if f.IsEmpty() {
		return fmt.Errorf("delete requires a filter")
	}
	return s.post(ctx, "/points/delete", deleteRequest{Filter: f}, nil)
}

// Scroll lists matching points without vectors, up to limit.
func (s *HTTPStore) Scroll(ctx context.Context, f Filter, limit int) ([]Point, error) {
	var resp scrollResponse
	if err := s.post(ctx, "/points/scroll", scrollRequest{Filter: f, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// Search returns the topK points most similar to vector, best first.
func (s *HTTPStore) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredPoint, error) {
	var resp searchResponse
	if err := s.post(ctx, "/points/search", searchRequest{Vector: vector, TopK: topK, Filter: f}, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

// Count returns how many points the filter matches.
func (s *HTTPStore) Count(ctx context.Context, f Filter) (int, error) {
	var resp countResponse
	if err := s.post(ctx, "/points/count", countRequest{Filter: f}, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// post sends a JSON request to /collections/{collection}{path} and decodes the
// response into out when out is non-nil.
func (s *HTTPStore) post(ctx context.Context, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	url := s.baseURL + "/collections/" + s.collection + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return syncerr.WrapTransient(err, syncerr.CodeIndexFailure, "index request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.WrapTransient(err, syncerr.CodeIndexFailure, "decoding index response")
	}
	return nil
}

const maxErrorBody = 2048

// classifyStatus turns a non-200 index response into a transient or permanent
// pipeline error. Throttling and server errors are retried.
func classifyStatus(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("index: unexpected status %d", resp.StatusCode)
	if d := strings.TrimSpace(string(detail)); d != "" {
		msg += ": " + d
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return syncerr.Transient(syncerr.CodeIndexFailure, "%s", msg)
	}
	return syncerr.Permanent(syncerr.CodeIndexRejected, "%s", msg)
}
