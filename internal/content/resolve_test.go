package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/sift/internal/item"
)

func TestResolveWebURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
			<head><title>Test Article</title><style>body { color: red }</style></head>
			<body>
				<script>console.log("ignored")</script>
				<h1>Heading</h1>
				<p>First paragraph of the article.</p>
			</body>
		</html>`))
	}))
	defer server.Close()

	r := NewResolver()
	text := r.Resolve(context.Background(), item.Item{
		ID:      "i1",
		Type:    item.TypeWebURL,
		Content: server.URL,
	})

	if !strings.Contains(text, "Title: Test Article") {
		t.Errorf("missing title in resolved text:\n%s", text)
	}
	if !strings.Contains(text, "First paragraph of the article.") {
		t.Errorf("missing body text:\n%s", text)
	}
	if strings.Contains(text, "console.log") || strings.Contains(text, "color: red") {
		t.Errorf("script/style content leaked into resolved text:\n%s", text)
	}
}

func TestResolveWebURLFallsBackOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	r := NewResolver()
	text := r.Resolve(context.Background(), item.Item{
		ID:      "i1",
		Type:    item.TypeWebURL,
		Content: server.URL,
	})
	if text != server.URL {
		t.Errorf("expected fallback to raw URL, got %q", text)
	}
}

func TestResolvePassThrough(t *testing.T) {
	r := NewResolver()

	for _, typ := range []item.Type{item.TypeText, item.TypeImage, item.TypeVideo} {
		it := item.Item{ID: "i1", Type: typ, Content: "raw content"}
		if got := r.Resolve(context.Background(), it); got != "raw content" {
			t.Errorf("type %s: got %q, want pass-through", typ, got)
		}
	}
}

func TestResolveMissingPDFFallsBack(t *testing.T) {
	r := NewResolver()
	it := item.Item{ID: "i1", Type: item.TypeFile, Content: "/does/not/exist.pdf"}
	if got := r.Resolve(context.Background(), it); got != it.Content {
		t.Errorf("expected fallback to raw path, got %q", got)
	}
}

func TestResolveNonPDFFile(t *testing.T) {
	r := NewResolver()
	it := item.Item{ID: "i1", Type: item.TypeFile, Content: "/tmp/notes.txt"}
	if got := r.Resolve(context.Background(), it); got != it.Content {
		t.Errorf("expected pass-through for non-pdf file, got %q", got)
	}
}
