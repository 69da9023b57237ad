// Package composer assembles the self-contained preview document from
// sanitized markup, raw CSS and raw JavaScript.
//
// Composition is a pure string function: identical inputs always produce a
// byte-identical Document, which is what change detection in the refresh
// controller relies on.
package composer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/conneroisu/snipbox/internal/security"
)

// Document is a complete standalone HTML document ready to be hosted in an
// isolation boundary. It is never mutated, only replaced.
type Document string

// BannerStyle is the inline style of the in-preview error banner.
const BannerStyle = "color: red; padding: 10px; background: rgba(255,0,0,0.1); margin-top: 10px; border: 1px solid red;"

// BannerAttr marks error banners so tests and the headless checker can find them.
const BannerAttr = "data-snipbox-error"

// BannerPrefix precedes the error message in every banner.
const BannerPrefix = "JavaScript Error: "

// errorTrap installs the banner helper and the asynchronous error hooks.
// It runs in its own script element so that a syntax error in user code,
// which aborts only the user script, is still reported through the window
// error event.
const errorTrap = `(function () {
  function show(message) {
    var banner = document.createElement('div');
    banner.setAttribute('` + BannerAttr + `', '');
    banner.setAttribute('role', 'alert');
    banner.style.cssText = '` + BannerStyle + `';
    banner.textContent = '` + BannerPrefix + `' + message;
    (document.body || document.documentElement).appendChild(banner);
  }
  function messageOf(err) {
    if (err && typeof err === 'object' && 'message' in err) { return String(err.message); }
    return String(err);
  }
  window.__snipboxShowError = function (err) { show(messageOf(err)); };
  window.addEventListener('error', function (event) {
    show(event.error ? messageOf(event.error) : String(event.message));
  });
  window.addEventListener('unhandledrejection', function (event) {
    show(messageOf(event.reason));
  });
})();`

var (
	scriptClose = regexp.MustCompile(`(?i)</script`)
	scriptOpen  = regexp.MustCompile(`(?i)<script(?:[\s/>]|$)`)
	commentOpen = regexp.MustCompile(`<!--`)
	styleClose  = regexp.MustCompile(`(?i)</style`)
)

// CSP returns the fixed content security policy of every composed document.
func CSP() string {
	return security.PreviewCSP().Header()
}

// Compose builds the preview document. markup must already be sanitized;
// style is embedded verbatim; script is wrapped in a try/catch that turns a
// thrown error into a visible banner inside the document. Sequences that
// would end the style or script element early are escaped.
func Compose(markup, style, script string) Document {
	var b strings.Builder
	b.Grow(len(markup) + len(style) + len(script) + len(errorTrap) + 512)

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString(`<meta charset="utf-8">` + "\n")
	b.WriteString(`<meta http-equiv="Content-Security-Policy" content="`)
	b.WriteString(CSP())
	b.WriteString(`">` + "\n")
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">` + "\n")
	b.WriteString("<style>")
	b.WriteString(escapeStyle(style))
	b.WriteString("</style>\n")
	b.WriteString(`<base target="_blank">` + "\n")
	b.WriteString("</head>\n<body>\n")
	b.WriteString(markup)
	b.WriteString("\n<script>\n")
	b.WriteString(errorTrap)
	b.WriteString("\n</script>\n<script>\ntry {\n")
	b.WriteString(escapeScript(script))
	b.WriteString("\n} catch (error) {\n  window.__snipboxShowError(error);\n}\n</script>\n")
	b.WriteString("</body>\n</html>\n")

	return Document(b.String())
}

// escapeStyle keeps raw CSS inside its style element. "<\/style" is the same
// text to a CSS parser.
func escapeStyle(style string) string {
	return styleClose.ReplaceAllStringFunc(style, func(m string) string {
		return `<\/` + m[2:]
	})
}

// escapeScript keeps user code inside its script element. A literal
// "</script" would close the error-trapping wrapper early. "<!--" followed
// later by "<script" puts the tokenizer in the double-escaped state, where
// the wrapper's own end tag no longer closes the element; only that pairing
// is rewritten, since "<\!--" is a syntax error outside a string literal.
func escapeScript(script string) string {
	script = scriptClose.ReplaceAllStringFunc(script, func(m string) string {
		return `<\/` + m[2:]
	})
	if loc := commentOpen.FindStringIndex(script); loc != nil && scriptOpen.MatchString(script[loc[1]:]) {
		script = commentOpen.ReplaceAllString(script, `<\!--`)
	}
	return script
}

// String returns the document source.
func (d Document) String() string {
	return string(d)
}

// Fingerprint is the hex SHA-256 of the document.
func (d Document) Fingerprint() string {
	sum := sha256.Sum256([]byte(d))
	return hex.EncodeToString(sum[:])
}
