package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func allowAll(string) error { return nil }

func testFetcher(retries int) *Fetcher {
	return New(Config{
		Timeout:      2 * time.Second,
		MaxRetries:   retries,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		URLValidator: allowAll,
	}, nil)
}

const termsPage = `<html><head><title>Terms</title><style>body{}</style><script>track()</script></head>
<body>
<nav><a href="/">Home</a> <a href="/pricing">Pricing</a></nav>
<main>
<h1>Terms of Service</h1>
<p>These terms govern your use of the Acme service. By creating an account you agree to them in full.</p>
<p>We may update these terms from time to time and will post the revised version on this page.</p>
<h2>Payment</h2>
<p>Payment terms: 30 days from the invoice date. Late payments accrue interest at the statutory rate.</p>
</main>
<footer>Copyright Acme</footer>
</body></html>`

func TestFetch_NormalizesHTML(t *testing.T) {
	// WHAT: Chrome (nav, footer, scripts) is stripped and the main landmark
	// becomes line-structured text with a stable hash.
	// WHY: Navigation churn must never register as a document change.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" || !strings.Contains(r.Header.Get("Accept"), "text/html") {
			t.Errorf("missing browser-like headers: %v", r.Header)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(termsPage))
	}))
	defer srv.Close()

	res, err := testFetcher(0).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, unwanted := range []string{"Pricing", "Copyright", "track()", "body{}"} {
		if strings.Contains(res.Text, unwanted) {
			t.Errorf("normalized text contains chrome %q:\n%s", unwanted, res.Text)
		}
	}
	if !strings.Contains(res.Text, "Payment terms: 30 days") {
		t.Fatalf("normalized text missing body:\n%s", res.Text)
	}
	if res.Hash != Hash(res.Text) || len(res.Hash) != 64 {
		t.Fatalf("hash = %q", res.Hash)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
}

func TestFetch_WhitespaceOnlyDifferencesHashEqual(t *testing.T) {
	// WHAT: Re-indented markup and chrome edits produce the same hash.
	// WHY: Noisy re-fetches must not create changes.
	variant := strings.ReplaceAll(termsPage, "<p>", "\n\n   <p>  ")
	variant = strings.Replace(variant, `<a href="/pricing">Pricing</a>`, `<a href="/plans">Plans</a>`, 1)

	pages := []string{termsPage, variant}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(pages[n.Add(1)-1]))
	}))
	defer srv.Close()

	f := testFetcher(0)
	a, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch a: %v", err)
	}
	b, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch b: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("hashes differ:\n%s\n---\n%s", a.Text, b.Text)
	}
}

func TestFetch_RetriesTransient(t *testing.T) {
	// WHAT: 503 then 429 then 200 succeeds on the third attempt.
	// WHY: Remote legal pages flap; a single 5xx must not fail the document.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("Plain terms.\nSecond line."))
		}
	}))
	defer srv.Close()

	res, err := testFetcher(3).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d, calls = %d", res.Attempts, calls.Load())
	}
	if res.Text != "Plain terms.\nSecond line." {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestFetch_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testFetcher(2).Fetch(context.Background(), srv.URL)
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if fe.StatusCode != 502 || fe.Attempts != 3 || !fe.Retryable() {
		t.Fatalf("error = %+v", fe)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetch_NonTransientFailsImmediately(t *testing.T) {
	// WHAT: 404, 403 and non-text content types are not retried.
	// WHY: Retrying permanent failures wastes the scan's time budget.
	cases := []struct {
		name   string
		status int
		ctype  string
		kind   Kind
	}{
		{"not found", 404, "text/html", KindStatus},
		{"forbidden", 403, "text/html", KindStatus},
		{"pdf", 200, "application/pdf", KindContentType},
		{"json", 200, "application/json", KindContentType},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", c.ctype)
				w.WriteHeader(c.status)
				w.Write([]byte("payload"))
			}))
			defer srv.Close()

			_, err := testFetcher(3).Fetch(context.Background(), srv.URL)
			var fe *Error
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v", err)
			}
			if fe.Kind != c.kind || fe.Retryable() {
				t.Fatalf("error = %+v", fe)
			}
			if calls.Load() != 1 {
				t.Fatalf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 50 * time.Millisecond, MaxRetries: -1, URLValidator: allowAll}, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindTimeout || !fe.Retryable() {
		t.Fatalf("err = %v", err)
	}
}

func TestFetch_RedirectCap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := testFetcher(3).Fetch(context.Background(), srv.URL+"/")
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindRedirects {
		t.Fatalf("err = %v", err)
	}
}

func TestFetch_BlockedURL(t *testing.T) {
	f := New(Config{}, nil)
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/terms")
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindBlocked {
		t.Fatalf("err = %v", err)
	}
}

func TestFetch_EmptyNormalizedText(t *testing.T) {
	// WHAT: A page that is nothing but chrome yields a NormalizationError.
	// WHY: Storing an empty snapshot would report the whole document as deleted.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><nav>Home</nav><script>x()</script></body></html>`))
	}))
	defer srv.Close()

	_, err := testFetcher(0).Fetch(context.Background(), srv.URL)
	var ne *NormalizationError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NormalizationError", err)
	}
}

func TestBackoff(t *testing.T) {
	f := New(Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second, URLValidator: allowAll}, nil)
	if got := f.backoff(0, nil); got != time.Second {
		t.Fatalf("attempt 0: %v", got)
	}
	if got := f.backoff(2, nil); got != 4*time.Second {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := f.backoff(6, nil); got != 10*time.Second {
		t.Fatalf("attempt 6 not capped: %v", got)
	}
	if got := f.backoff(0, &rawResponse{retryAfter: 7 * time.Second}); got != 7*time.Second {
		t.Fatalf("retry-after ignored: %v", got)
	}
}
