package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mythos-app/indexd/internal/syncerr"
)

func TestHTTPUpsert(t *testing.T) {
	var gotPath, gotAuth string
	var captured upsertRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "secret", "mythos")
	err := s.Upsert(context.Background(), []Point{
		{ID: "document:doc-1:0", Vector: []float32{0.1, 0.2}, Payload: Payload{Type: "document", TargetID: "doc-1"}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if gotPath != "/collections/mythos/points" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(captured.Points) != 1 || captured.Points[0].ID != "document:doc-1:0" {
		t.Errorf("request points = %+v", captured.Points)
	}
}

func TestHTTPUpsert_EmptySkipsCall(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "", "mythos")
	if err := s.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("Upsert(nil): %v", err)
	}
	if calls != 0 {
		t.Errorf("empty upsert made %d HTTP calls", calls)
	}
}

func TestHTTPDeleteByFilter(t *testing.T) {
	var gotPath string
	var captured deleteRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "", "mythos")
	err := s.DeleteByFilter(context.Background(), Filter{TargetType: "document", TargetID: "doc-1", ChunkIndexGTE: GTE(2)})
	if err != nil {
		t.Fatalf("DeleteByFilter: %v", err)
	}

	if gotPath != "/collections/mythos/points/delete" {
		t.Errorf("path = %q", gotPath)
	}
	if captured.Filter.TargetID != "doc-1" {
		t.Errorf("filter = %+v", captured.Filter)
	}
	if captured.Filter.ChunkIndexGTE == nil || *captured.Filter.ChunkIndexGTE != 2 {
		t.Errorf("chunk_index_gte = %v, want 2", captured.Filter.ChunkIndexGTE)
	}
}

func TestHTTPScroll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/mythos/points/scroll" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(scrollResponse{Points: []Point{
			{ID: "document:doc-1:0", Payload: Payload{ChunkIndex: 0, ChunkHash: "h0"}},
			{ID: "document:doc-1:1", Payload: Payload{ChunkIndex: 1, ChunkHash: "h1"}},
		}})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "", "mythos")
	points, err := s.Scroll(context.Background(), Filter{TargetID: "doc-1"}, 100)
	if err != nil {
		t.Fatalf("Scroll: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[1].Payload.ChunkHash != "h1" {
		t.Errorf("points[1] = %+v", points[1])
	}
}

func TestHTTPSearch(t *testing.T) {
	var captured searchRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(searchResponse{Points: []ScoredPoint{
			{Point: Point{ID: "document:doc-1:3", Payload: Payload{Text: "a match"}}, Score: 0.87},
		}})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "", "mythos")
	results, err := s.Search(context.Background(), []float32{0.1, 0.2}, 5, Filter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if captured.TopK != 5 || captured.Filter.ProjectID != "p1" {
		t.Errorf("request = %+v", captured)
	}
	if len(results) != 1 || results[0].Score != 0.87 || results[0].Payload.Text != "a match" {
		t.Errorf("results = %+v", results)
	}
}

func TestHTTPCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(countResponse{Count: 42})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "", "mythos")
	n, err := s.Count(context.Background(), Filter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusServiceUnavailable, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		s := NewHTTPStore(srv.URL, "", "mythos")
		err := s.Upsert(context.Background(), []Point{{ID: "x"}})
		srv.Close()

		if err == nil {
			t.Errorf("status %d: expected error", tt.status)
			continue
		}
		if got := syncerr.IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: IsPermanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}
