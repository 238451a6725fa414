// Package summary produces the human-readable title and summary of a
// detected change through an external text-generation service. Requests run
// on a bounded queue with their own workers; a failure or timeout leaves the
// change with an empty summary for the retry pass and never blocks a scan.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/termwatch/horosafe"
	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
)

var (
	// ErrTimeout is returned when the summarizer does not answer in time.
	ErrTimeout = errors.New("summary: timed out")
	// ErrBadResponse is returned for a response that carries no usable text.
	ErrBadResponse = errors.New("summary: unusable response")
)

// Request is what the summarizer sees of a change.
type Request struct {
	Service      string      `json:"service"`
	DocumentKind string      `json:"document_kind"`
	Spans        []diff.Span `json:"spans"`
}

// Output is the summarizer's answer. A severity suggested by the model is
// ignored; severity belongs to the classifier.
type Output struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Summarizer turns changed spans into a title and summary.
type Summarizer interface {
	Summarize(ctx context.Context, req *Request) (*Output, error)
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	maxPromptSpans = 10
	maxSpanChars   = 500
	maxTitleChars  = 500
)

const systemPrompt = `You are a legal policy analyst. Given the changed passages of a Terms of Service or Privacy Policy, produce:
1. A one-line TITLE (max 80 characters) naming the most important change.
2. A plain-language SUMMARY (2-4 sentences) of what changed and why it matters to users.
Respond with JSON only: {"title": "...", "summary": "..."}`

// Client calls an OpenAI-compatible chat completions endpoint or the
// Anthropic messages endpoint.
type Client struct {
	provider   string
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL sets a custom API base URL (proxies, tests).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for provider ("openai" or "anthropic").
func NewClient(provider, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summary: missing API key")
	}
	c := &Client{
		provider:   provider,
		apiKey:     apiKey,
		maxTokens:  500,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	switch provider {
	case ProviderOpenAI:
		c.model, c.baseURL = "gpt-4o-mini", "https://api.openai.com"
	case ProviderAnthropic:
		c.model, c.baseURL = "claude-haiku-4-5", "https://api.anthropic.com"
	default:
		return nil, fmt.Errorf("summary: unknown provider %q (valid: openai, anthropic)", provider)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Summarize sends the changed spans and parses the JSON answer.
func (c *Client) Summarize(ctx context.Context, req *Request) (*Output, error) {
	prompt := BuildPrompt(req)
	var text string
	var err error
	if c.provider == ProviderAnthropic {
		text, err = c.callAnthropic(ctx, prompt)
	} else {
		text, err = c.callOpenAI(ctx, prompt)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	return ParseOutput(text)
}

// BuildPrompt renders at most ten changed spans, 500 characters each.
func BuildPrompt(req *Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s\nDocument: %s\n\nChanged sections:\n", req.Service, req.DocumentKind)
	n := 0
	for _, s := range req.Spans {
		if s.Op == diff.OpEqual {
			continue
		}
		if n == maxPromptSpans {
			sb.WriteString("[further changes omitted]\n")
			break
		}
		label := "ADDED"
		if s.Op == diff.OpDeleted {
			label = "REMOVED"
		}
		text := strings.Join(s.Lines, "\n")
		if len(text) > maxSpanChars {
			text = truncate(text, maxSpanChars) + "..."
		}
		fmt.Fprintf(&sb, "%s:\n%s\n---\n", label, text)
		n++
	}
	return sb.String()
}

// ParseOutput extracts the JSON object from a model answer.
func ParseOutput(text string) (*Output, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", ErrBadResponse)
	}
	var out Output
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Summary == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrBadResponse)
	}
	return &out, nil
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	ResponseFormat map[string]any  `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) callOpenAI(ctx context.Context, prompt string) (string, error) {
	body := openaiRequest{
		Model: c.model,
		Messages: []openaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
		Temperature:    0.3,
		MaxTokens:      c.maxTokens,
	}
	var resp openaiResponse
	if err := c.post(ctx, c.baseURL+"/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrBadResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system"`
	Messages  []openaiMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) callAnthropic(ctx context.Context, prompt string) (string, error) {
	body := anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages:  []openaiMessage{{Role: "user", Content: prompt}},
	}
	var resp anthropicResponse
	if err := c.post(ctx, c.baseURL+"/v1/messages", body, map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}, &resp); err != nil {
		return "", err
	}
	for _, part := range resp.Content {
		if part.Type == "" || part.Type == "text" {
			return part.Text, nil
		}
	}
	return "", fmt.Errorf("%w: no text content", ErrBadResponse)
}

func (c *Client) post(ctx context.Context, url string, body any, headers map[string]string, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("summary: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("summary: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("summary: %s: %w", c.provider, err)
	}
	defer resp.Body.Close()

	raw, err := horosafe.LimitedReadAll(resp.Body, 1<<20)
	if err != nil {
		return fmt.Errorf("summary: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("summary: %s returned %d: %s", c.provider, resp.StatusCode, truncate(string(raw), 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrBadResponse, err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
