// Package analyzer talks to an OpenAI-compatible chat completion API to
// produce item analyses, follow-up re-analyses, and normalized titles.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/sift/internal/item"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Client communicates with an OpenRouter-compatible API.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	normalizeModel string
	httpClient     *http.Client
	referer        string
	title          string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a custom base URL (for testing or
// self-hosted gateways).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithNormalizeModel selects a separate (typically cheaper) model for title
// normalization.
func WithNormalizeModel(model string) Option {
	return func(c *Client) { c.normalizeModel = model }
}

// NewClient creates a client with the given API key and default model.
func NewClient(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		referer: "https://github.com/kalambet/sift",
		title:   "sift",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.normalizeModel == "" {
		c.normalizeModel = c.model
	}
	return c
}

// Analyze runs a first-pass analysis over resolved content. preferredTags is
// the owner's existing tag vocabulary.
func (c *Client) Analyze(ctx context.Context, it item.Item, content string, preferredTags []string) (*item.Analysis, error) {
	out, err := c.complete(ctx, c.model, buildAnalyzeMessages(it, content, preferredTags))
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(out)
}

// FollowUp re-analyzes an item in light of the notes the owner left in answer
// to the previous analysis' follow-up question.
func (c *Client) FollowUp(ctx context.Context, it item.Item, prior *item.Analysis, notes []item.Note, preferredTags []string) (*item.Analysis, error) {
	out, err := c.complete(ctx, c.model, buildFollowUpMessages(it, prior, notes, preferredTags))
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(out)
}

// NormalizeTitle asks for a short descriptive title for the item.
func (c *Client) NormalizeTitle(ctx context.Context, it item.Item) (string, error) {
	out, err := c.complete(ctx, c.normalizeModel, buildNormalizeMessages(it))
	if err != nil {
		return "", err
	}

	var parsed struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
		return "", fmt.Errorf("parsing title response: %w", err)
	}
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	return title, nil
}

// complete sends a JSON-mode chat completion, retrying on rate limits with
// exponential backoff.
func (c *Client) complete(ctx context.Context, model string, messages []Message) (string, error) {
	body, err := json.Marshal(ChatRequest{
		Model:          model,
		Messages:       messages,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		out, err := c.doComplete(ctx, body)
		if err == nil {
			return out, nil
		}

		if !isRateLimit(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) doComplete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var chat ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if chat.Error != nil {
		return "", fmt.Errorf("completion error: %s", chat.Error.Message)
	}
	content := chat.Content()
	if content == "" {
		return "", fmt.Errorf("empty completion response")
	}
	return content, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
