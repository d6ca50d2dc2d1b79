package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/domain"
)

func testClient() *Client {
	return New(auth.NewSigner("test-secret"), time.Minute)
}

func TestDoSetsBearerAndTraceHeaders(t *testing.T) {
	var gotAuth, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTrace = r.Header.Get(auth.TraceIDHeader)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient()
	body, err := c.Do(context.Background(), http.MethodPost, srv.URL, "node-a", map[string]string{"x": "y"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) == 0 {
		t.Fatal("expected response body")
	}
	if gotAuth == "" || gotAuth[:7] != "Bearer " {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if len(gotTrace) != 32 {
		t.Fatalf("expected 32-char trace id, got %q (%d)", gotTrace, len(gotTrace))
	}
}

func Test5xxClassifiedTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, "node-a", nil, false)
	if domain.Classify(err) != domain.KindTransient {
		t.Fatalf("expected transient error, got %v (%T)", err, err)
	}
}

func Test4xxClassifiedPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, "node-a", nil, false)
	if domain.Classify(err) != domain.KindPermanent {
		t.Fatalf("expected permanent error, got %v (%T)", err, err)
	}
}

func Test429ClassifiedRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, "node-a", nil, false)
	if domain.Classify(err) != domain.KindRateLimited {
		t.Fatalf("expected rate_limited error, got %v (%T)", err, err)
	}
}

func TestStreamYieldsLinesAsTheyArrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"delta":"a"}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		w.Write([]byte(`{"delta":"b"}` + "\n"))
	}))
	defer srv.Close()

	c := testClient()
	lines, err := c.Stream(context.Background(), http.MethodPost, srv.URL, "node-a", map[string]string{"q": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for line := range lines {
		if line.Err != nil {
			t.Fatalf("unexpected stream error: %v", line.Err)
		}
		got = append(got, string(line.Raw))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(got), got)
	}
}
