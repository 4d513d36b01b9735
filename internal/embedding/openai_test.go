package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mythos-app/indexd/internal/syncerr"
)

func TestOpenAIEmbedBatch(t *testing.T) {
	var captured embeddingsRequest
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&captured)

		// Return items out of order to exercise index-based reassembly.
		w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.4,0.5,0.6]},
			{"index":0,"embedding":[0.1,0.2,0.3]}
		]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL+"/v1", "sk-test", "text-embedding-3-small", 3)
	vecs, err := c.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}

	if authHeader != "Bearer sk-test" {
		t.Errorf("Authorization = %q", authHeader)
	}
	if captured.Model != "text-embedding-3-small" {
		t.Errorf("request model = %q", captured.Model)
	}
	if captured.Dimensions != 3 {
		t.Errorf("request dimensions = %d, want 3", captured.Dimensions)
	}

	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.4 {
		t.Errorf("vectors not restored to input order: %v", vecs)
	}
}

func TestOpenAIEmbedBatch_MissingIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[
			{"index":0,"embedding":[0.1,0.2,0.3]},
			{"index":0,"embedding":[0.4,0.5,0.6]}
		]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, "sk-test", "text-embedding-3-small", 3)
	_, err := c.EmbedBatch(context.Background(), []string{"one", "two"})
	if err == nil {
		t.Fatal("expected error for duplicate indexes")
	}
	if !syncerr.IsTransient(err) {
		t.Errorf("malformed response should be transient, got %v", err)
	}
}

func TestOpenAIUnauthorizedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, "sk-bad", "text-embedding-3-small", 3)
	_, err := c.EmbedBatch(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("expected auth error")
	}
	if !syncerr.IsPermanent(err) {
		t.Errorf("401 should be permanent, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("error %q should carry the provider detail", err.Error())
	}
}

func TestEmbedOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.7, 0.8, 0.9}}})
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "nomic-embed-text", 3)
	vec, err := EmbedOne(context.Background(), c, "a query")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.7 {
		t.Errorf("vec = %v", vec)
	}
}
