package isolation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conneroisu/snipbox/internal/errors"
)

// Sandbox capability tokens.
const (
	AllowScripts             = "allow-scripts"
	AllowSameOrigin          = "allow-same-origin"
	AllowForms               = "allow-forms"
	AllowModals              = "allow-modals"
	AllowPopups              = "allow-popups"
	AllowPopupsToEscape      = "allow-popups-to-escape-sandbox"
	AllowTopNavigation       = "allow-top-navigation"
	AllowTopNavigationByUser = "allow-top-navigation-by-user-activation"
	AllowDownloads           = "allow-downloads"
	AllowPointerLock         = "allow-pointer-lock"
	AllowPresentation        = "allow-presentation"
	AllowOrientationLock     = "allow-orientation-lock"
	AllowStorageAccessByUser = "allow-storage-access-by-user-activation"
)

var knownTokens = map[string]struct{}{
	AllowScripts: {}, AllowSameOrigin: {}, AllowForms: {}, AllowModals: {},
	AllowPopups: {}, AllowPopupsToEscape: {}, AllowTopNavigation: {},
	AllowTopNavigationByUser: {}, AllowDownloads: {}, AllowPointerLock: {},
	AllowPresentation: {}, AllowOrientationLock: {}, AllowStorageAccessByUser: {},
}

// SandboxPolicy is the set of capabilities granted to a preview frame.
type SandboxPolicy []string

// DefaultSandbox grants script execution and nothing else.
func DefaultSandbox() SandboxPolicy {
	return SandboxPolicy{AllowScripts}
}

// Validate rejects unknown tokens and the allow-scripts plus
// allow-same-origin pair, which lets embedded script lift its own sandbox.
func (p SandboxPolicy) Validate() error {
	var scripts, sameOrigin bool
	for _, tok := range p {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if _, ok := knownTokens[tok]; !ok {
			return errors.NewValidationError(errors.ErrCodeInvalidSandbox,
				fmt.Sprintf("unknown sandbox token %q", tok))
		}
		switch tok {
		case AllowScripts:
			scripts = true
		case AllowSameOrigin:
			sameOrigin = true
		}
	}
	if scripts && sameOrigin {
		return errors.NewSecurityError(errors.ErrCodeInvalidSandbox,
			"allow-scripts cannot be combined with allow-same-origin")
	}
	return nil
}

func (p SandboxPolicy) normalized() SandboxPolicy {
	seen := make(map[string]struct{}, len(p))
	out := make(SandboxPolicy, 0, len(p))
	for _, tok := range p {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if _, dup := seen[tok]; dup || tok == "" {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the policy grants token.
func (p SandboxPolicy) Has(token string) bool {
	for _, tok := range p {
		if strings.EqualFold(strings.TrimSpace(tok), token) {
			return true
		}
	}
	return false
}

// String renders the sandbox attribute value.
func (p SandboxPolicy) String() string {
	return strings.Join(p.normalized(), " ")
}
