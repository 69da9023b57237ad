// Package sanitizer strips untrusted component markup down to a fixed
// allow-list before it is embedded in a script-enabled preview document.
//
// Structure is handled permissively: unknown or malformed tags are dropped
// and their text kept. Safety is not: script and style elements, every
// on* attribute, and non-http(s)/mailto/tel URLs are always removed. The
// allow-list is fixed; there is no policy configuration surface.
package sanitizer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Sanitizer turns attacker-controlled markup into an embeddable fragment.
type Sanitizer interface {
	Sanitize(markup string) string
}

// Counts summarises what a sanitize pass removed.
type Counts struct {
	Elements   int            `json:"elements"`
	Attributes int            `json:"attributes"`
	ByElement  map[string]int `json:"by_element,omitempty"`
}

// Total returns the number of removed elements and attributes.
func (c Counts) Total() int {
	return c.Elements + c.Attributes
}

// Report is a sanitize result plus what was dropped to produce it.
type Report struct {
	Output  string
	Removed Counts
	// Failed is set when the policy panicked and the empty fragment was
	// returned in its place.
	Failed bool
}

var (
	structuralElements = []string{
		"div", "span", "p", "br", "hr", "pre", "code", "blockquote", "em", "strong",
		"b", "i", "u", "s", "small", "sub", "sup", "mark", "abbr", "cite", "q",
		"kbd", "samp", "var", "time", "wbr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "dl", "dt", "dd",
		"a",
	}
	tableElements = []string{
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption", "colgroup", "col",
	}
	formElements = []string{
		"form", "fieldset", "legend", "label", "input", "textarea", "select", "option",
		"optgroup", "button", "output", "progress", "meter", "datalist",
	}
	mediaElements = []string{
		"img", "picture", "source", "video", "audio", "track", "figure", "figcaption",
	}
	sectioningElements = []string{
		"header", "footer", "nav", "main", "section", "article", "aside", "details",
		"summary", "address", "dialog",
	}
	svgElements = []string{
		"svg", "g", "path", "rect", "circle", "ellipse", "line", "polyline", "polygon",
		"text", "tspan", "defs", "use", "symbol", "lineargradient", "radialgradient",
		"stop", "clippath", "mask", "title", "desc",
	}

	globalAttributes = []string{
		// styling
		"class", "style",
		// identity
		"id", "name", "title", "lang", "dir", "tabindex", "hidden", "role",
	}
	ariaAttributes = []string{
		"aria-activedescendant", "aria-atomic", "aria-autocomplete", "aria-busy",
		"aria-checked", "aria-colcount", "aria-colindex", "aria-colspan", "aria-controls",
		"aria-current", "aria-describedby", "aria-description", "aria-details",
		"aria-disabled", "aria-errormessage", "aria-expanded", "aria-flowto",
		"aria-haspopup", "aria-hidden", "aria-invalid", "aria-keyshortcuts", "aria-label",
		"aria-labelledby", "aria-level", "aria-live", "aria-modal", "aria-multiline",
		"aria-multiselectable", "aria-orientation", "aria-owns", "aria-placeholder",
		"aria-posinset", "aria-pressed", "aria-readonly", "aria-relevant", "aria-required",
		"aria-roledescription", "aria-rowcount", "aria-rowindex", "aria-rowspan",
		"aria-selected", "aria-setsize", "aria-sort", "aria-valuemax", "aria-valuemin",
		"aria-valuenow", "aria-valuetext",
	}
	formStateAttributes = []string{
		"type", "value", "placeholder", "checked", "disabled", "selected", "readonly",
		"required", "multiple", "min", "max", "step", "minlength", "maxlength", "pattern",
		"for", "form", "method", "autocomplete", "rows", "cols", "size", "accept", "label",
		"open",
	}
	mediaAttributes = []string{
		"alt", "width", "height", "controls", "autoplay", "loop", "muted", "preload",
		"playsinline", "kind", "srclang", "sizes", "media",
	}
	tableAttributes = []string{"colspan", "rowspan", "scope", "headers", "span"}
	svgAttributes   = []string{
		"viewbox", "d", "fill", "stroke", "stroke-width", "stroke-linecap",
		"stroke-linejoin", "stroke-dasharray", "opacity", "fill-opacity", "stroke-opacity",
		"transform", "x", "y", "x1", "y1", "x2", "y2", "cx", "cy", "r", "rx", "ry",
		"points", "offset", "stop-color", "stop-opacity", "gradientunits", "xmlns",
		"preserveaspectratio", "fill-rule", "clip-rule", "clip-path", "text-anchor",
		"font-size", "font-family", "dx", "dy",
	}

	linkTargets = regexp.MustCompile(`^_(blank|self)$`)
	linkRel     = regexp.MustCompile(`^[a-zA-Z ]+$`)
)

// safeURL matches the URL attributes bluemonday does not scheme-check itself
// (it only covers href, cite and src on its own element list): an allowed
// scheme, or no scheme at all, meaning no colon before the first / ? or #.
var safeURL = regexp.MustCompile(`^(?i:(?:https?|mailto|tel):[^\s\x00-\x1f]*|[^:/?#\s\x00-\x1f]*(?:[/?#][^\s\x00-\x1f]*)?)$`)

// fragmentRef limits use to symbols in the same document.
var fragmentRef = regexp.MustCompile(`^#[A-Za-z_][A-Za-z0-9_.:-]*$`)

// srcsetList is a comma separated list of "url [descriptor]" candidates.
var srcsetList = regexp.MustCompile(`^\s*` + srcsetCandidate + `(?:\s*,\s*` + srcsetCandidate + `)*\s*$`)

const srcsetCandidate = `(?i:https?:)?[^\s,:]+(?:\s+[0-9.]+[wx])?`

// Policy is the fixed allow-list compiled once into a bluemonday policy.
type Policy struct {
	policy *bluemonday.Policy
}

// New builds the fixed allow-list policy. The returned Policy is safe for
// concurrent use.
func New() *Policy {
	p := bluemonday.NewPolicy()

	elements := AllowedElements()
	p.AllowElements(elements...)
	// Stripping every attribute off an allowed element must not drop the element.
	p.AllowNoAttrs().OnElements(elements...)

	p.AllowAttrs(globalAttributes...).Globally()
	p.AllowAttrs(ariaAttributes...).Globally()
	p.AllowDataAttributes()
	p.AllowAttrs(formStateAttributes...).Globally()
	p.AllowAttrs(mediaAttributes...).Globally()
	p.AllowAttrs(tableAttributes...).Globally()
	p.AllowAttrs(svgAttributes...).Globally()

	// linking
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("href").Matching(fragmentRef).OnElements("use")
	p.AllowAttrs("src").OnElements("img", "video", "audio", "track")
	p.AllowAttrs("src").Matching(safeURL).OnElements("source")
	p.AllowAttrs("srcset").Matching(srcsetList).OnElements("img", "source")
	p.AllowAttrs("poster").Matching(safeURL).OnElements("video")
	p.AllowAttrs("action").Matching(safeURL).OnElements("form")
	p.AllowAttrs("download").OnElements("a")
	p.AllowAttrs("target").Matching(linkTargets).OnElements("a", "form")
	p.AllowAttrs("rel").Matching(linkRel).OnElements("a")

	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "tel")
	p.AllowDataURIImages()

	return &Policy{policy: p}
}

// AllowedElements returns the sorted element allow-list.
func AllowedElements() []string {
	var out []string
	for _, group := range [][]string{
		structuralElements, tableElements, formElements, mediaElements, sectioningElements, svgElements,
	} {
		out = append(out, group...)
	}
	sort.Strings(out)
	return out
}

// Sanitize returns the allow-listed fragment for markup. It never panics;
// an internal policy failure yields the empty fragment.
func (p *Policy) Sanitize(markup string) string {
	out, _ := p.sanitize(markup)
	return out
}

func (p *Policy) sanitize(markup string) (out string, failed bool) {
	if markup == "" {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			out, failed = "", true
		}
	}()
	return dropDataHandlers(p.policy.Sanitize(markup)), false
}

// dropDataHandlers removes data-on* attributes. They are inert, but their
// names would read as event handlers to anything scanning the output for
// on*= text.
func dropDataHandlers(markup string) string {
	if !strings.Contains(strings.ToLower(markup), "data-on") {
		return markup
	}

	var b strings.Builder
	b.Grow(len(markup))
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := string(z.Raw())
			tok := z.Token()
			kept := tok.Attr[:0]
			for _, a := range tok.Attr {
				if !strings.HasPrefix(a.Key, "data-on") {
					kept = append(kept, a)
				}
			}
			if len(kept) == len(tok.Attr) {
				b.WriteString(raw)
				continue
			}
			tok.Attr = kept
			b.WriteString(tok.String())
		default:
			b.Write(z.Raw())
		}
	}
}

// SanitizeReport sanitizes markup and reports which elements and attributes
// were dropped.
func (p *Policy) SanitizeReport(markup string) Report {
	out, failed := p.sanitize(markup)
	return Report{
		Output:  out,
		Removed: diff(inventory(markup), inventory(out)),
		Failed:  failed,
	}
}

type tagInventory struct {
	elements   map[string]int
	attributes int
}

// inventory counts start tags and attributes the way a browser tokenizer
// would see them.
func inventory(markup string) tagInventory {
	inv := tagInventory{elements: make(map[string]int)}
	if markup == "" {
		return inv
	}

	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return inv
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			inv.elements[tok.Data]++
			inv.attributes += len(tok.Attr)
		}
	}
}

func diff(before, after tagInventory) Counts {
	c := Counts{}
	for name, n := range before.elements {
		if removed := n - after.elements[name]; removed > 0 {
			if c.ByElement == nil {
				c.ByElement = make(map[string]int)
			}
			c.ByElement[name] = removed
			c.Elements += removed
		}
	}
	if removed := before.attributes - after.attributes; removed > 0 {
		c.Attributes = removed
	}
	return c
}

type passthrough struct{}

func (passthrough) Sanitize(markup string) string { return markup }

// Passthrough is the degraded-mode sanitizer used when no parsing policy is
// available: markup is embedded unchanged.
func Passthrough() Sanitizer {
	return passthrough{}
}
