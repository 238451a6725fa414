// Package fetch retrieves monitored documents over HTTP and turns them into
// normalized text ready for diffing.
//
// Transient failures (connection errors, timeouts, 5xx, 429) are retried with
// exponential backoff up to a fixed budget. Everything else fails on the first
// attempt. Fetch never touches the snapshot store.
package fetch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/termwatch/horosafe"
)

// Result is a successfully fetched and normalized document.
type Result struct {
	URL         string
	StatusCode  int
	ContentType string
	Text        string // normalized content
	Hash        string // SHA-256 of Text
	Attempts    int
	Duration    time.Duration
}

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration // per request. Default: 30s.
	MaxRedirects int           // Default: 5.
	MaxRetries   int           // retries after the first attempt. Default: 3, negative disables.
	BaseBackoff  time.Duration // doubled each retry. Default: 1s.
	MaxBackoff   time.Duration // cap for backoff and Retry-After. Default: 30s.
	MaxBytes     int64         // response body cap. Default: 10 MiB.
	UserAgent    string
	// URLValidator runs before every request and redirect.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; termwatch/1.0; +https://termwatch.dev/bot)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var errTooManyRedirects = errors.New("too many redirects")

// Fetcher performs HTTP GETs with retry and hands the body to a Normalizer.
type Fetcher struct {
	client     *http.Client
	config     Config
	normalizer *Normalizer
}

// New creates a Fetcher. A nil normalizer uses NewNormalizer(nil).
func New(cfg Config, normalizer *Normalizer) *Fetcher {
	cfg.defaults()
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	validate := cfg.URLValidator
	maxRedirects := cfg.MaxRedirects
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("%w (%d)", errTooManyRedirects, len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config:     cfg,
		normalizer: normalizer,
	}
}

// Fetch retrieves url and returns its normalized text. Failures are *Error
// or *NormalizationError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	if err := f.config.URLValidator(url); err != nil {
		return nil, &Error{URL: url, Kind: KindBlocked, Err: err}
	}

	start := time.Now()
	var lastErr *Error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		raw, err := f.once(ctx, url)
		if err == nil {
			text, nerr := f.normalizer.Normalize(raw.body, raw.contentType, url)
			if nerr != nil {
				return nil, nerr
			}
			return &Result{
				URL:         url,
				StatusCode:  raw.status,
				ContentType: raw.contentType,
				Text:        text,
				Hash:        Hash(text),
				Attempts:    attempt + 1,
				Duration:    time.Since(start),
			}, nil
		}

		err.Attempts = attempt + 1
		lastErr = err
		if !err.Retryable() || attempt == f.config.MaxRetries {
			break
		}

		wait := f.backoff(attempt, raw)
		f.config.Logger.Debug("fetch: retrying",
			"url", url, "attempt", attempt+1, "kind", err.Kind,
			"status", err.StatusCode, "wait_ms", wait.Milliseconds())
		if werr := sleepCtx(ctx, wait); werr != nil {
			return nil, &Error{URL: url, Kind: KindCanceled, Attempts: attempt + 1, Err: werr}
		}
	}
	return nil, lastErr
}

type rawResponse struct {
	status      int
	contentType string
	retryAfter  time.Duration
	body        []byte
}

func (f *Fetcher) once(ctx context.Context, url string) (*rawResponse, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Kind: KindMalformed, Err: err}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, url, err)
	}
	defer resp.Body.Close()

	raw := &rawResponse{status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &Error{URL: url, Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		if errors.Is(err, horosafe.ErrTooLarge) {
			return raw, &Error{URL: url, Kind: KindTooLarge, StatusCode: resp.StatusCode, Err: err}
		}
		return raw, classifyTransportError(ctx, url, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return raw, &Error{URL: url, Kind: KindMalformed, StatusCode: resp.StatusCode, Err: errors.New("empty body")}
	}

	ct, ok := acceptedContentType(resp.Header.Get("Content-Type"), body)
	if !ok {
		return raw, &Error{URL: url, Kind: KindContentType, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unsupported content type %q", ct)}
	}
	raw.contentType = ct
	raw.body = body
	return raw, nil
}

// backoff returns base * 2^attempt, raised to Retry-After when the server
// sent one, capped at MaxBackoff.
func (f *Fetcher) backoff(attempt int, raw *rawResponse) time.Duration {
	wait := f.config.BaseBackoff * time.Duration(1<<attempt)
	if raw != nil && raw.retryAfter > wait {
		wait = raw.retryAfter
	}
	if wait > f.config.MaxBackoff {
		wait = f.config.MaxBackoff
	}
	return wait
}

func classifyTransportError(ctx context.Context, url string, err error) *Error {
	if ctx.Err() != nil {
		return &Error{URL: url, Kind: KindCanceled, Err: ctx.Err()}
	}
	if errors.Is(err, errTooManyRedirects) {
		return &Error{URL: url, Kind: KindRedirects, Err: err}
	}
	if errors.Is(err, horosafe.ErrSSRF) || errors.Is(err, horosafe.ErrUnsafeScheme) {
		return &Error{URL: url, Kind: KindBlocked, Err: err}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{URL: url, Kind: KindTimeout, Err: err}
	}
	return &Error{URL: url, Kind: KindNetwork, Err: err}
}

var allowedTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
	"text/plain":            true,
}

func acceptedContentType(header string, body []byte) (string, bool) {
	if header == "" {
		header = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return header, false
	}
	return mt, allowedTypes[mt]
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Hash returns the hex SHA-256 of normalized text.
func Hash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
