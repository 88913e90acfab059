package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		URL:        srv.URL,
		Collection: "units",
		VectorSize: 3,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func writeResult(w http.ResponseWriter, result any) {
	json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			http.Error(w, `{"status":{"error":"not found"}}`, http.StatusNotFound)
		case "PUT":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			vectors := body["vectors"].(map[string]any)
			if vectors["size"].(float64) != 3 {
				t.Errorf("expected size 3, got %v", vectors["size"])
			}
			created = true
			writeResult(w, true)
		}
	})

	if err := c.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if !created {
		t.Error("expected collection to be created")
	}
}

func TestIsNotFoundUnwrapsWrappedStatusErrors(t *testing.T) {
	base := &httpStatusError{status: http.StatusNotFound, body: "gone"}
	if !isNotFound(base) {
		t.Error("expected bare 404 to match")
	}
	if !isNotFound(fmt.Errorf("inspecting: %w", base)) {
		t.Error("expected wrapped 404 to match")
	}
	if isNotFound(&httpStatusError{status: http.StatusForbidden}) {
		t.Error("403 must not match")
	}
	if isNotFound(errors.New("plain failure")) {
		t.Error("plain error must not match")
	}
}

func TestEnsureCollectionRejectsDimensionMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{
			"config": map[string]any{
				"params": map[string]any{
					"vectors": map[string]any{"size": 768},
				},
			},
		})
	})

	err := c.EnsureCollection(context.Background())
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestSearchParsesScoredPoints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/units/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		filter, ok := body["filter"].(map[string]any)
		if !ok {
			t.Error("expected filter in search body")
		} else if len(filter["must"].([]any)) != 2 {
			t.Errorf("expected 2 filter clauses, got %v", filter["must"])
		}
		writeResult(w, []map[string]any{
			{"id": "u1", "score": 0.92, "payload": map[string]any{"project_id": "p1"}},
			{"id": "u2", "score": 0.80, "payload": map[string]any{"project_id": "p1"}},
		})
	})

	hits, err := c.Search(context.Background(), []float32{1, 0, 0}, 10, SearchFilter{
		ProjectID:  "p1",
		ActiveOnly: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "u1" || hits[0].Score != 0.92 {
		t.Errorf("unexpected first hit: %+v", hits[0])
	}
}

func TestSearchRejectsWrongQueryDimension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be reached")
	})

	if _, err := c.Search(context.Background(), []float32{1, 0}, 10, SearchFilter{}); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestUpsertRejectsWrongPointDimension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be reached")
	})

	err := c.Upsert(context.Background(), []Point{{ID: "u1", Vector: []float32{1}}})
	if err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestDeleteSendsIDs(t *testing.T) {
	var gotIDs []any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/units/points/delete" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotIDs = body["points"].([]any)
		writeResult(w, true)
	})

	if err := c.Delete(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(gotIDs) != 2 {
		t.Errorf("expected 2 ids, got %v", gotIDs)
	}
}
