package sanitizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

// attributesOf parses a fragment and returns every attribute key seen on any
// element, keyed by element name.
func attributesOf(t *testing.T, fragment string) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if _, ok := out[tok.Data]; !ok {
				out[tok.Data] = nil
			}
			for _, a := range tok.Attr {
				out[tok.Data] = append(out[tok.Data], a.Key+"="+a.Val)
			}
		}
	}
}

func TestSanitize_Scenarios(t *testing.T) {
	p := New()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "event handler stripped from image",
			input:    `<img src=x onerror=alert(1)>`,
			expected: `<img src="x">`,
		},
		{
			name:     "script element removed with its body",
			input:    `<p>Hello</p><script>alert(1)</script>`,
			expected: `<p>Hello</p>`,
		},
		{
			name:     "style element removed with its body",
			input:    `<style>body{display:none}</style><b>bold</b>`,
			expected: `<b>bold</b>`,
		},
		{
			name:     "class and data attributes kept",
			input:    `<div class="card" data-id="7" onclick="steal()">Card</div>`,
			expected: `<div class="card" data-id="7">Card</div>`,
		},
		{
			name:     "aria attributes kept",
			input:    `<button aria-label="Close" onmouseover="x()">x</button>`,
			expected: `<button aria-label="Close">x</button>`,
		},
		{
			name:     "iframe and its content removed",
			input:    `<iframe src="https://evil.example"><p>inner</p></iframe><span>ok</span>`,
			expected: `<span>ok</span>`,
		},
		{
			name:     "plain text escaped",
			input:    `1 < 2 & 3 > 2`,
			expected: `1 &lt; 2 &amp; 3 &gt; 2`,
		},
		{
			name:     "empty input",
			input:    ``,
			expected: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.Sanitize(tt.input))
		})
	}
}

func TestSanitize_AttackVectors(t *testing.T) {
	p := New()

	vectors := []string{
		`<SCRIPT>alert(1)</SCRIPT>`,
		`<script src="https://evil.example/x.js"></script>`,
		`<script >alert(1)</script >`,
		"<script\n>alert(1)</script>",
		`<svg onload=alert(1)>`,
		`<svg><script>alert(1)</script></svg>`,
		`<body onload=alert(1)>`,
		`<div ONCLICK="alert(1)">x</div>`,
		`<input autofocus onfocus=alert(1)>`,
		`<details open ontoggle=alert(1)>`,
		`<a href="javascript:alert(1)">x</a>`,
		`<a href="JaVaScRiPt:alert(1)">x</a>`,
		`<a href="  javascript:alert(1)">x</a>`,
		`<a href="vbscript:msgbox(1)">x</a>`,
		`<img src="javascript:alert(1)">`,
		`<form action="javascript:alert(1)"><button>go</button></form>`,
		`<object data="x.swf"></object>`,
		`<embed src="x.swf">`,
		`<meta http-equiv="refresh" content="0;url=javascript:alert(1)">`,
		`<base href="https://evil.example/">`,
		`<link rel="stylesheet" href="https://evil.example/x.css">`,
		`<!--[if gte IE 4]><script>alert(1)</script><![endif]-->`,
		`<math><mtext><table><mglyph><style><img src=x onerror=alert(1)>`,
		`<noscript><p title="</noscript><img src=x onerror=alert(1)>">`,
	}

	for _, v := range vectors {
		t.Run(v, func(t *testing.T) {
			out := p.Sanitize(v)
			lower := strings.ToLower(out)

			assert.NotContains(t, lower, "<script")
			assert.NotContains(t, lower, "<iframe")
			assert.NotContains(t, lower, "<object")
			assert.NotContains(t, lower, "<embed")
			assert.NotContains(t, lower, "<meta")
			assert.NotContains(t, lower, "<base")
			assert.NotContains(t, lower, "<link")

			for el, attrs := range attributesOf(t, out) {
				for _, a := range attrs {
					key := strings.SplitN(a, "=", 2)[0]
					assert.False(t, strings.HasPrefix(key, "on"), "event handler %q kept on <%s>", key, el)
					assert.NotContains(t, strings.ToLower(a), "javascript:")
					assert.NotContains(t, strings.ToLower(a), "vbscript:")
				}
			}
		})
	}
}

func TestSanitize_URLSchemes(t *testing.T) {
	p := New()

	allowed := []string{
		"https://example.com/page",
		"http://example.com",
		"mailto:someone@example.com",
		"tel:+15555550100",
		"/relative/path",
		"#anchor",
	}
	for _, href := range allowed {
		out := p.Sanitize(`<a href="` + href + `">link</a>`)
		assert.Contains(t, out, `href="`, "href %q should be kept", href)
	}

	blocked := []string{
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"file:///etc/passwd",
	}
	for _, href := range blocked {
		out := p.Sanitize(`<a href="` + href + `">link</a>`)
		assert.NotContains(t, out, `href=`, "href %q should be removed", href)
		assert.Contains(t, out, "link")
	}
}

func TestSanitize_URLSchemesOnOtherAttributes(t *testing.T) {
	p := New()

	tests := []struct {
		name   string
		markup string
		attr   string
		kept   bool
	}{
		{"form action script", `<form action="javascript:alert(1)"><button>go</button></form>`, "action", false},
		{"form action mixed case", `<form action="JaVaScRiPt:alert(1)"><button>go</button></form>`, "action", false},
		{"form action tab in scheme", "<form action=\"java\tscript:alert(1)\"><button>go</button></form>", "action", false},
		{"form action https", `<form action="https://example.com/submit"><button>go</button></form>`, "action", true},
		{"form action relative", `<form action="/submit?x=1"><button>go</button></form>`, "action", true},
		{"use data url", `<svg><use href="data:image/svg+xml,<svg onload=alert(1)>"/></svg>`, "href", false},
		{"use external", `<svg><use href="https://evil.example/sprite.svg#i"/></svg>`, "href", false},
		{"use fragment", `<svg><use href="#icon-star"/></svg>`, "href", true},
		{"source script", `<video><source src="javascript:alert(1)"></video>`, "src", false},
		{"source relative", `<video><source src="/clip.mp4" type="video/mp4"></video>`, "src", true},
		{"poster script", `<video poster="javascript:alert(1)"></video>`, "poster", false},
		{"poster https", `<video poster="https://example.com/p.png"></video>`, "poster", true},
		{"srcset script", `<img srcset="javascript:alert(1) 1x" alt="a">`, "srcset", false},
		{"srcset list", `<img srcset="/a.png 1x, https://example.com/b.png 2x" alt="a">`, "srcset", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := p.Sanitize(tt.markup)
			found := false
			for _, attrs := range attributesOf(t, out) {
				for _, a := range attrs {
					if strings.HasPrefix(a, tt.attr+"=") {
						found = true
					}
				}
			}
			assert.Equal(t, tt.kept, found, "output: %s", out)
			assert.NotContains(t, strings.ToLower(out), "javascript:")
		})
	}
}

func TestSanitize_DataHandlerNamesDropped(t *testing.T) {
	p := New()

	out := p.Sanitize(`<div data-onclick="x" data-ON-load="y" data-role="card">x</div>`)
	assert.Equal(t, `<div data-role="card">x</div>`, out)
	assert.NotRegexp(t, `on[a-z]+=`, out)
	assert.Equal(t, out, p.Sanitize(out))

	// text mentioning the prefix is left alone
	assert.Equal(t, `<p>data-onclick is a name</p>`, p.Sanitize(`<p>data-onclick is a name</p>`))
}

func TestSanitize_TargetRestricted(t *testing.T) {
	p := New()

	assert.Contains(t, p.Sanitize(`<a href="/x" target="_blank">x</a>`), `target="_blank"`)
	assert.NotContains(t, p.Sanitize(`<a href="/x" target="_top">x</a>`), `target=`)
}

func TestSanitize_SVGShapes(t *testing.T) {
	p := New()

	out := p.Sanitize(`<svg viewBox="0 0 10 10" xmlns="http://www.w3.org/2000/svg"><path d="M0 0L10 10" stroke="red"/></svg>`)
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, `viewbox="0 0 10 10"`)
	assert.Contains(t, out, `d="M0 0L10 10"`)
	assert.Contains(t, out, `stroke="red"`)
}

func TestSanitize_UnknownTagsKeepText(t *testing.T) {
	p := New()

	out := p.Sanitize(`<custom-card><blink>hello</blink></custom-card>`)
	assert.Equal(t, "hello", out)
}

func TestSanitize_StrippedElementSurvives(t *testing.T) {
	p := New()

	// every attribute is removed but the element itself is allow-listed
	assert.Equal(t, `<label>Name</label>`, p.Sanitize(`<label onclick="x()">Name</label>`))
}

func TestSanitize_Idempotent(t *testing.T) {
	p := New()

	inputs := []string{
		`<div class="a"><p>one</p><img src="/a.png" alt="a"></div>`,
		`<a href="https://example.com" target="_blank" rel="noopener">x</a>`,
		`<textarea><b>raw</b></textarea>`,
		`<ul><li>1<li>2</ul>`,
		`text & <more> text`,
	}
	for _, in := range inputs {
		once := p.Sanitize(in)
		assert.Equal(t, once, p.Sanitize(once), "input %q", in)
	}
}

func TestSanitizeReport(t *testing.T) {
	p := New()

	report := p.SanitizeReport(`<img src=x onerror=alert(1)><script>alert(2)</script><p>ok</p>`)
	require.False(t, report.Failed)
	assert.Equal(t, `<img src="x"><p>ok</p>`, report.Output)
	assert.Equal(t, 1, report.Removed.Elements)
	assert.Equal(t, 1, report.Removed.ByElement["script"])
	assert.Equal(t, 1, report.Removed.Attributes)
	assert.Equal(t, 2, report.Removed.Total())

	clean := p.SanitizeReport(`<p class="x">fine</p>`)
	assert.Zero(t, clean.Removed.Total())
	assert.Nil(t, clean.Removed.ByElement)
}

func TestSanitize_LargeInput(t *testing.T) {
	p := New()

	in := strings.Repeat(`<div><span onclick="x()">deep`, 2000) + strings.Repeat(`</span></div>`, 2000)
	out := p.Sanitize(in)
	assert.NotContains(t, out, "onclick")
	assert.Equal(t, 2000, strings.Count(out, "<span>"))
}

func TestPassthrough(t *testing.T) {
	in := `<script>alert(1)</script>`
	assert.Equal(t, in, Passthrough().Sanitize(in))
}

func TestAllowedElementsExcludesActiveContent(t *testing.T) {
	elements := AllowedElements()
	for _, forbidden := range []string{"script", "style", "iframe", "object", "embed", "link", "meta", "base", "template"} {
		assert.NotContains(t, elements, forbidden)
	}
	assert.Contains(t, elements, "svg")
	assert.Contains(t, elements, "table")
}
