// Package content turns an item's raw content into text an analysis model
// can work with: web pages are fetched and reduced to title plus visible
// text, PDF files are extracted to plain text. Everything else passes
// through unchanged.
package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/sift/internal/item"
)

const (
	fetchTimeout = 30 * time.Second
	maxBodySize  = 4 << 20 // 4 MiB
	maxTextSize  = 100_000 // characters handed to the model
)

// Resolver resolves item content. A zero-value Resolver is not usable; use
// NewResolver.
type Resolver struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewResolver() *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     slog.Default(),
	}
}

// Resolve returns the text to analyze for an item. Resolution failures fall
// back to the raw content rather than failing the job: a dead link still has
// its URL, and the model can work with that.
func (r *Resolver) Resolve(ctx context.Context, it item.Item) string {
	switch it.Type {
	case item.TypeWebURL:
		text, err := r.fetchPage(ctx, it.Content)
		if err != nil {
			r.logger.Warn("web page resolution failed, using raw content",
				"item", it.ID, "error", err)
			return it.Content
		}
		return text
	case item.TypeFile:
		if strings.EqualFold(filepath.Ext(it.Content), ".pdf") {
			text, err := extractPDF(it.Content)
			if err != nil {
				r.logger.Warn("pdf extraction failed, using raw content",
					"item", it.ID, "error", err)
				return it.Content
			}
			return text
		}
		return it.Content
	default:
		return it.Content
	}
}

// fetchPage downloads a page and reduces it to its title and visible text.
func (r *Resolver) fetchPage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "sift/1.0 (+https://github.com/kalambet/sift)")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	title, text := extractText(doc)
	if text == "" {
		return "", fmt.Errorf("page has no extractable text")
	}

	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "Title: %s\n\n", title)
	}
	fmt.Fprintf(&sb, "URL: %s\n\n%s", url, clip(text, maxTextSize))
	return sb.String(), nil
}

// extractText walks the parsed document collecting the title and the visible
// text, skipping script, style and similar nodes.
func extractText(doc *html.Node) (title, text string) {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "iframe":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.TrimSpace(sb.String())
}

// extractPDF reads a local PDF file into plain text.
func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	rc, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	if _, err := io.Copy(&sb, rc); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("pdf has no extractable text")
	}
	return clip(text, maxTextSize), nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
