package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDriverComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, "key", "gpt-test")
	out, err := d.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("unexpected completion: %q", out)
	}
}

func TestHTTPDriverEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, "key", "embed-test")
	vectors, err := d.Embed(context.Background(), "", []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != 3 {
		t.Fatalf("unexpected vectors: %+v", vectors)
	}
}

func TestHTTPDriverStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, "key", "gpt-test")
	chunks, err := d.Stream(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got string
	var done bool
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected stream error: %v", c.Err)
		}
		if c.Done {
			done = true
			continue
		}
		got += c.Delta
	}
	if got != "hello" || !done {
		t.Fatalf("expected %q and done=true, got %q done=%v", "hello", got, done)
	}
}
