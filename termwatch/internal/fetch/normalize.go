package fetch

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// DefaultChromeSelectors are removed before text extraction.
var DefaultChromeSelectors = []string{
	"script", "style", "noscript", "template", "iframe", "svg", "form", "button",
	"nav", "header", "footer", "aside",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]",
	"[hidden]", "[aria-hidden=true]",
	".cookie-banner", "#cookie-banner", ".cookie-consent",
}

// DefaultContentSelectors are tried in order to locate the document body.
var DefaultContentSelectors = []string{
	"main", "article", "[role=main]",
	"#terms", ".terms", "#privacy", ".privacy-policy", ".legal", ".policy",
	"#content", ".content",
}

// NormalizerConfig configures text extraction.
type NormalizerConfig struct {
	ChromeSelectors  []string `yaml:"chrome_selectors"`
	ContentSelectors []string `yaml:"content_selectors"`
	// MinContentChars is the text length a landmark needs to be picked.
	// Default: 200.
	MinContentChars int `yaml:"min_content_chars"`
}

func (c *NormalizerConfig) defaults() {
	if len(c.ChromeSelectors) == 0 {
		c.ChromeSelectors = DefaultChromeSelectors
	}
	if len(c.ContentSelectors) == 0 {
		c.ContentSelectors = DefaultContentSelectors
	}
	if c.MinContentChars <= 0 {
		c.MinContentChars = 200
	}
}

// Normalizer strips page chrome and reduces a document to stable text:
// markdown-structured so headings and list items land on their own lines,
// with whitespace-only variations removed.
type Normalizer struct {
	cfg  NormalizerConfig
	conv *converter.Converter
}

// NewNormalizer builds a Normalizer. A nil config uses the defaults.
func NewNormalizer(cfg *NormalizerConfig) *Normalizer {
	var c NormalizerConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &Normalizer{
		cfg: c,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Normalize turns a response body into normalized text.
func (n *Normalizer) Normalize(body []byte, contentType, pageURL string) (string, error) {
	var text string
	if contentType == "text/plain" {
		text = Clean(string(body))
	} else {
		var err error
		text, err = n.fromHTML(body, pageURL)
		if err != nil {
			return "", err
		}
	}
	if text == "" {
		return "", &NormalizationError{URL: pageURL, Reason: "no text content"}
	}
	return text, nil
}

func (n *Normalizer) fromHTML(body []byte, pageURL string) (string, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", &NormalizationError{URL: pageURL, Reason: "parse html", Err: err}
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Find(strings.Join(n.cfg.ChromeSelectors, ", ")).Remove()
	dropDestinations(doc)

	sel := n.pickContent(doc)
	if sel == nil {
		if text := n.readabilityText(doc, pageURL); text != "" {
			return text, nil
		}
		sel = doc.Find("body")
		if sel.Length() == 0 {
			sel = doc.Selection
		}
	}

	fragment, err := goquery.OuterHtml(sel.First())
	if err != nil {
		return "", &NormalizationError{URL: pageURL, Reason: "render content", Err: err}
	}
	md, err := n.conv.ConvertString(fragment)
	if err != nil || strings.TrimSpace(md) == "" {
		// Fall back to the selection's plain text.
		return Clean(sel.Text()), nil
	}
	return Clean(md), nil
}

// dropDestinations replaces links with their text and images with their alt
// text. Link and image URLs carry session ids and cache-busters, so they are
// kept out of the normalized text.
func dropDestinations(doc *goquery.Document) {
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		img.ReplaceWithHtml(html.EscapeString(strings.TrimSpace(img.AttrOr("alt", ""))))
	})
	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		a.ReplaceWithSelection(a.Contents())
	})
}

func (n *Normalizer) pickContent(doc *goquery.Document) *goquery.Selection {
	for _, s := range n.cfg.ContentSelectors {
		sel := doc.Find(s).First()
		if sel.Length() == 0 {
			continue
		}
		if len(strings.TrimSpace(sel.Text())) >= n.cfg.MinContentChars {
			return sel
		}
	}
	return nil
}

func (n *Normalizer) readabilityText(doc *goquery.Document, pageURL string) string {
	cleaned, err := doc.Html()
	if err != nil {
		return ""
	}
	u, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(cleaned), u)
	if err != nil {
		return ""
	}
	text := Clean(article.TextContent)
	if len(text) < n.cfg.MinContentChars {
		return ""
	}
	return text
}

// Clean collapses runs of whitespace inside each line, trims lines and drops
// blank ones, so reflowed or re-indented markup hashes identically.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
