package rag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/vectorindex"
)

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(context.Context, string, []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return [][]float32{f.vector}, nil
}

type fakeChatEngine struct {
	response string
}

func (f *fakeChatEngine) Complete(context.Context, engine.CompletionRequest) (string, error) {
	return f.response, nil
}

func TestFormatContextJoinsWithSeparator(t *testing.T) {
	sources := []Source{{Content: "first"}, {Content: "second"}}
	got := FormatContext(sources, false)
	want := "[Source 1]\nfirst\n\n---\n\n[Source 2]\nsecond"
	if got != want {
		t.Fatalf("unexpected context block:\n%s", got)
	}
}

func TestFormatContextIncludesRelevance(t *testing.T) {
	sources := []Source{{Content: "x", Score: 0.876}}
	got := FormatContext(sources, true)
	if got != "[Source 1] (Relevance: 87.6%)\nx" {
		t.Fatalf("unexpected context block: %q", got)
	}
}

func TestRetrieveReturnsInsufficientContextOnNoHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[]}`))
	}))
	defer srv.Close()

	index := vectorindex.New(srv.URL)
	r := New(index, &fakeEmbedder{vector: []float32{0.1}}, &fakeChatEngine{}, "embed-test", 5, 0, false)

	_, err := r.Retrieve(context.Background(), "docs", "what is x", "user-1", nil, nil, nil, Options{})
	if err != domain.ErrInsufficientContext {
		t.Fatalf("expected ErrInsufficientContext, got %v", err)
	}
}

func TestChatRecoversFromInsufficientContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[]}`))
	}))
	defer srv.Close()

	index := vectorindex.New(srv.URL)
	chat := &fakeChatEngine{response: "a general answer"}
	r := New(index, &fakeEmbedder{vector: []float32{0.1}}, chat, "embed-test", 5, 0, false)

	answer, sources, err := r.Chat(context.Background(), "you are helpful", "docs", "what is x", "user-1", nil, nil, nil, Options{})
	if err != nil {
		t.Fatalf("expected InsufficientContext to be recovered, got error: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected no sources, got %+v", sources)
	}
	if answer != noSourcesAnnotation+"a general answer" {
		t.Fatalf("expected annotated answer, got %q", answer)
	}
}

func TestChatFormatsPromptAndReturnsSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"id":"p1","score":0.5,"payload":{"content":"some fact"}}]}`))
	}))
	defer srv.Close()

	index := vectorindex.New(srv.URL)
	chat := &fakeChatEngine{response: "the answer"}
	r := New(index, &fakeEmbedder{vector: []float32{0.1}}, chat, "embed-test", 5, 0, false)

	answer, sources, err := r.Chat(context.Background(), "you are helpful", "docs", "what is x", "user-1", nil, nil, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "the answer" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	if len(sources) != 1 || sources[0].Content != "some fact" {
		t.Fatalf("unexpected sources: %+v", sources)
	}
}
