//go:build property

package sanitizer

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"golang.org/x/net/html"
)

var fragments = []interface{}{
	`<div>`, `</div>`, `<p class="x">`, `</p>`, `<span data-k="v">`, `</span>`,
	`<img src=x onerror=alert(1)>`, `<img src="/a.png" alt="a">`,
	`<script>alert(1)</script>`, `<SCRIPT>`, `</script>`, `<style>p{}</style>`,
	`<a href="javascript:alert(1)">`, `<a href="https://example.com">`, `</a>`,
	`<svg onload=alert(1)>`, `<path d="M0 0"/>`, `</svg>`,
	`<iframe src="https://evil.example">`, `</iframe>`,
	`<button onclick="x()">`, `</button>`, `<input value="v" onfocus=x()>`,
	`<form action="javascript:alert(1)">`, `</form>`, `<div data-onclick="x">`,
	`<svg><use href="data:image/svg+xml,x"/>`,
	`<table><tr><td>`, `</td></tr></table>`, `<!-- comment -->`,
	`text`, ` `, `&amp;`, `<`, `>`, `"`, `'`, `on`, `click=`,
}

func genMarkup() gopter.Gen {
	return gen.SliceOfN(12, gen.OneConstOf(fragments...)).Map(func(parts []string) string {
		return strings.Join(parts, "")
	})
}

// unsafeParts reports whether the fragment, as a browser tokenizer sees it,
// carries a script element, an event handler or a script URL.
func unsafeParts(fragment string) bool {
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data == "script" || tok.Data == "style" || tok.Data == "iframe" {
				return true
			}
			for _, a := range tok.Attr {
				if strings.HasPrefix(a.Key, "on") || strings.HasPrefix(a.Key, "data-on") {
					return true
				}
				val := strings.ToLower(strings.TrimSpace(a.Val))
				if strings.Contains(val, "javascript:") || strings.HasPrefix(val, "data:text") || strings.HasPrefix(val, "data:image/svg") {
					return true
				}
			}
		}
	}
}

// TestSanitizerProperties validates the safety properties of the allow-list.
func TestSanitizerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 300

	properties := gopter.NewProperties(parameters)
	p := New()

	properties.Property("output never carries active content", prop.ForAll(
		func(markup string) bool {
			return !unsafeParts(p.Sanitize(markup))
		},
		genMarkup(),
	))

	properties.Property("sanitize is idempotent", prop.ForAll(
		func(markup string) bool {
			once := p.Sanitize(markup)
			return p.Sanitize(once) == once
		},
		genMarkup(),
	))

	properties.Property("sanitize never panics on arbitrary strings", prop.ForAll(
		func(s string) bool {
			_ = p.Sanitize(s)
			return true
		},
		gen.AnyString(),
	))

	properties.Property("report output matches Sanitize", prop.ForAll(
		func(markup string) bool {
			report := p.SanitizeReport(markup)
			return report.Output == p.Sanitize(markup) && report.Removed.Total() >= 0
		},
		genMarkup(),
	))

	properties.TestingRun(t)
}
