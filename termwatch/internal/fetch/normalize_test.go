package fetch

import (
	"strings"
	"testing"
)

func TestClean(t *testing.T) {
	in := "  # Terms \r\n\n\n  Payment\t terms:\u00a030 days  \n\n- item one\n"
	want := "# Terms\nPayment terms: 30 days\n- item one"
	if got := Clean(in); got != want {
		t.Fatalf("Clean = %q, want %q", got, want)
	}
}

func TestNormalize_PrefersLandmark(t *testing.T) {
	body := `<html><body><div class="sidebar">Related links and promos</div>
<article><h1>Privacy Policy</h1><p>` + strings.Repeat("We collect account data to provide the service. ", 6) + `</p>
<ul><li>Email address</li><li>Billing address</li></ul></article></body></html>`

	text, err := NewNormalizer(nil).Normalize([]byte(body), "text/html", "https://acme.test/privacy")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if strings.Contains(text, "promos") {
		t.Fatalf("sidebar leaked into text:\n%s", text)
	}
	lines := strings.Split(text, "\n")
	if !strings.HasPrefix(lines[0], "# Privacy Policy") {
		t.Fatalf("heading not on its own line:\n%s", text)
	}
	if !strings.Contains(text, "- Email address") {
		t.Fatalf("list structure lost:\n%s", text)
	}
}

func TestNormalize_FallsBackWithoutLandmark(t *testing.T) {
	// WHAT: A page with no landmark still yields its paragraph text.
	body := `<html><body><div><p>` + strings.Repeat("Terms apply to every user of the platform. ", 10) + `</p></div></body></html>`
	text, err := NewNormalizer(nil).Normalize([]byte(body), "text/html", "https://acme.test/terms")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(text, "Terms apply to every user") {
		t.Fatalf("text = %q", text)
	}
}

func TestNormalize_CustomChrome(t *testing.T) {
	body := `<html><body><main><div class="ad">Buy now</div><p>` + strings.Repeat("Clause text. ", 30) + `</p></main></body></html>`
	n := NewNormalizer(&NormalizerConfig{ChromeSelectors: []string{".ad"}})
	text, err := n.Normalize([]byte(body), "text/html", "https://acme.test/")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if strings.Contains(text, "Buy now") {
		t.Fatalf("custom chrome kept: %s", text)
	}
}

func TestNormalize_IgnoresLinkAndImageURLs(t *testing.T) {
	// WHAT: Pages differing only in href/src query strings normalize identically.
	// WHY: Session ids and cache-busters change on every fetch and must not
	// register as a document change.
	page := func(token string) []byte {
		return []byte(`<html><body><main><img src="/logo.png?v=` + token + `" alt="Acme logo">
<p>` + strings.Repeat("We process account data to run the service. ", 6) + `</p>
<p>Read the <a href="/privacy?sid=` + token + `">privacy policy</a> for details.</p></main></body></html>`)
	}
	n := NewNormalizer(nil)
	a, err := n.Normalize(page("a81f3c"), "text/html", "https://acme.test/terms")
	if err != nil {
		t.Fatalf("normalize a: %v", err)
	}
	b, err := n.Normalize(page("9d02e7"), "text/html", "https://acme.test/terms")
	if err != nil {
		t.Fatalf("normalize b: %v", err)
	}
	if a != b {
		t.Fatalf("texts differ:\n%s\n---\n%s", a, b)
	}
	if strings.Contains(a, "sid=") || strings.Contains(a, "logo.png") {
		t.Fatalf("URL leaked into text:\n%s", a)
	}
	if !strings.Contains(a, "privacy policy") || !strings.Contains(a, "Acme logo") {
		t.Fatalf("link or alt text lost:\n%s", a)
	}
}
