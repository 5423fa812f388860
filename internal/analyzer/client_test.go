package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/sift/internal/item"
)

func completionResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func TestAnalyze(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(completionResponse(`{"overview": "an article", "tags": ["reading"], "follow_up": ""}`)))
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model", WithBaseURL(server.URL))

	it := item.Item{ID: "i1", Type: item.TypeWebURL, Content: "https://example.com"}
	a, err := c.Analyze(context.Background(), it, "resolved article text", []string{"reading", "tech"})
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}
	if a.Overview != "an article" {
		t.Errorf("overview = %q", a.Overview)
	}

	if gotReq.Model != "test-model" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Error("expected json_object response format")
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(gotReq.Messages))
	}
	sys, ok := gotReq.Messages[0].Content.(string)
	if !ok || !strings.Contains(sys, "reading, tech") {
		t.Errorf("system prompt missing preferred tags: %v", gotReq.Messages[0].Content)
	}
}

func TestAnalyzeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionResponse(`{"overview": "ok", "tags": []}`)))
	}))
	defer server.Close()

	c := NewClient("k", "m", WithBaseURL(server.URL))
	a, err := c.Analyze(context.Background(), item.Item{Type: item.TypeText, Content: "x"}, "x", nil)
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}
	if a.Overview != "ok" {
		t.Errorf("overview = %q", a.Overview)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestAnalyzeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient("k", "m", WithBaseURL(server.URL))
	if _, err := c.Analyze(context.Background(), item.Item{Type: item.TypeText, Content: "x"}, "x", nil); err == nil {
		t.Error("expected error on 500")
	}
}

func TestAnalyzeImageItem(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(completionResponse(`{"overview": "a screenshot", "tags": []}`)))
	}))
	defer server.Close()

	c := NewClient("k", "m", WithBaseURL(server.URL))
	it := item.Item{Type: item.TypeScreenshot, Content: "https://example.com/shot.png"}
	if _, err := c.Analyze(context.Background(), it, it.Content, nil); err != nil {
		t.Fatalf("analyzing: %v", err)
	}

	messages := gotReq["messages"].([]any)
	user := messages[len(messages)-1].(map[string]any)
	parts, ok := user["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected multimodal content parts, got %v", user["content"])
	}
	img := parts[1].(map[string]any)
	if img["type"] != "image_url" {
		t.Errorf("second part type = %v, want image_url", img["type"])
	}
}

func TestNormalizeTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "cheap-model" {
			t.Errorf("model = %q, want cheap-model", req.Model)
		}
		w.Write([]byte(completionResponse(`{"title": "  Dinner at Luigi's  "}`)))
	}))
	defer server.Close()

	c := NewClient("k", "m", WithBaseURL(server.URL), WithNormalizeModel("cheap-model"))
	title, err := c.NormalizeTitle(context.Background(), item.Item{Type: item.TypeText, Content: "dinner plans"})
	if err != nil {
		t.Fatalf("normalizing: %v", err)
	}
	if title != "Dinner at Luigi's" {
		t.Errorf("title = %q", title)
	}
}

func TestNormalizeTitleEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionResponse(`{"title": ""}`)))
	}))
	defer server.Close()

	c := NewClient("k", "m", WithBaseURL(server.URL))
	if _, err := c.NormalizeTitle(context.Background(), item.Item{Type: item.TypeText, Content: "x"}); err == nil {
		t.Error("expected error for empty title")
	}
}
