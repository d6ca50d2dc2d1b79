package vectorindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/relayai/core/internal/domain"
)

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("Document", "42", 0, false)
	b := PointID("Document", "42", 0, false)
	if a != b {
		t.Fatalf("expected deterministic point id, got %q and %q", a, b)
	}
	c := PointID("Document", "42", 1, true)
	if a == c {
		t.Fatal("expected chunk index to change the point id")
	}
}

func TestInferIndexFieldsIncludesBaseSet(t *testing.T) {
	fields := InferIndexFields(domain.CollectionDescriptor{}, nil)
	if fields["tenant_id"] != domain.PayloadKeyword {
		t.Fatalf("expected tenant_id in base index set, got %+v", fields)
	}
	if len(fields) != len(baseIndexFields) {
		t.Fatalf("expected exactly the base set with no columns, got %+v", fields)
	}
}

func TestCreateCollectionIdempotentOnAlreadyExists(t *testing.T) {
	settleDelay = 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/widgets" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":{"error":"Collection \"widgets\" already exists!"}}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.CreateCollection(context.Background(), domain.CollectionDescriptor{Name: "widgets", VectorDimensions: 4}, nil)
	if err != nil {
		t.Fatalf("expected idempotent success, got %v", err)
	}
}

func TestEnsureIndexesOnlyCallsOnceForSameField(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	fields := map[string]domain.PayloadFieldType{"status": domain.PayloadKeyword}

	if err := c.EnsureIndexes(context.Background(), "widgets", fields); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.EnsureIndexes(context.Background(), "widgets", fields); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 index call across both EnsureIndexes calls, got %d", got)
	}
}

func TestSearchReturnsScoredResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"id":"p1","score":0.9,"payload":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Search(context.Background(), "widgets", []float32{0.1, 0.2}, 5, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Content != "hello" {
		t.Fatalf("unexpected results: %+v", results)
	}
}
