// Package extract reduces raw HTML pages to the plain prose fed to the
// summarizer.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
)

// BodySelector is reported in Result.Selector when no content selector matched.
const BodySelector = "body"

// contentChain lists the candidate content regions in priority order.
// The first entry matching at least one element wins.
var contentChain = []string{
	"main",
	"article",
	".content, .main-content, #content, #main-content",
	".post, .entry, .blog-post",
	"section",
}

var noiseSelectors = []string{
	"script", "style", "nav", "header", "footer", "iframe", "noscript", "svg",
	".ad", ".ads", ".advert", ".advertisement", "[class*='advert']", "[id*='advert']",
	"[class*='banner']", "[id*='banner']",
	"[class*='cookie']", "[id*='cookie']", "[class*='consent']",
	"[class*='popup']", "[id*='popup']", "[class*='modal']",
}

// entityRef matches character references in raw markup. Named references
// need their semicolon so text like "AT&T" survives; numeric ones do not,
// matching what the parser would decode.
var entityRef = regexp.MustCompile(`&(?:#[0-9]+;?|#[xX][0-9a-fA-F]+;?|[A-Za-z][A-Za-z0-9]*;)`)

// Characters the HTML serializer escapes as entities; each becomes a space.
// This catches legacy references the parser decodes without a semicolon.
var entityChars = strings.NewReplacer("&", " ", "<", " ", ">", " ", "\u00a0", " ")

// Result is the cleaned text of a page.
type Result struct {
	Text      string
	WordCount int
	// Selector names the chain entry that supplied the content region.
	Selector string
}

type rule struct {
	name    string
	matcher cascadia.Selector
}

// Extractor locates the main content region of a page and strips noise.
// It holds only compiled selectors and is safe for concurrent use.
type Extractor struct {
	chain []rule
	noise cascadia.Selector
	body  cascadia.Selector
}

// New compiles the selector chain and noise list.
func New() (*Extractor, error) {
	e := &Extractor{}
	for _, sel := range contentChain {
		m, err := cascadia.Compile(sel)
		if err != nil {
			return nil, fmt.Errorf("compile content selector %q: %w", sel, err)
		}
		e.chain = append(e.chain, rule{name: sel, matcher: m})
	}
	noise, err := cascadia.Compile(strings.Join(noiseSelectors, ", "))
	if err != nil {
		return nil, fmt.Errorf("compile noise selectors: %w", err)
	}
	e.noise = noise
	e.body = cascadia.MustCompile("body")
	return e, nil
}

// Extract returns the normalized text of the page's main content.
// The only failure is a parse error for markup without a body element.
func (e *Extractor) Extract(rawHTML string) (Result, error) {
	if !hasBodyTag(rawHTML) {
		return Result{}, apperr.Parse("no body tag found")
	}
	// Every entity becomes one space before parsing so it can never glue
	// two words together once decoded.
	rawHTML = entityRef.ReplaceAllString(rawHTML, " ")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Result{}, apperr.Parse(fmt.Sprintf("parse html: %v", err))
	}
	body := doc.FindMatcher(e.body).First()
	if body.Length() == 0 {
		return Result{}, apperr.Parse("no body tag found")
	}

	region, selector := e.selectRegion(body)
	region.FindMatcher(e.noise).Remove()

	text := normalize(innerText(region.Get(0)))
	return Result{
		Text:      text,
		WordCount: CountWords(text),
		Selector:  selector,
	}, nil
}

func (e *Extractor) selectRegion(body *goquery.Selection) (*goquery.Selection, string) {
	for _, r := range e.chain {
		if match := body.FindMatcher(r.matcher); match.Length() > 0 {
			return match.First(), r.name
		}
	}
	return body, BodySelector
}

// CountWords counts the whitespace-separated tokens in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// innerText renders the children of n as text, putting a space at every
// element boundary so adjacent blocks never run together.
func innerText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(&b, c)
	}
	return b.String()
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(entityChars.Replace(n.Data))
	case html.ElementNode:
		b.WriteByte(' ')
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeText(b, c)
		}
		b.WriteByte(' ')
	}
}

// hasBodyTag reports whether the markup carries an explicit <body> start tag.
// The HTML5 parser synthesizes a body for any input, so the tree alone
// cannot tell a body-less fragment from a page.
func hasBodyTag(raw string) bool {
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "body" {
				return true
			}
		}
	}
}
