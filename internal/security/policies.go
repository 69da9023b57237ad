// Package security provides the HTTP security policy used by the snipbox
// server and the fixed Content Security Policy embedded in every preview
// document.
//
// Both policies are expressed as a CSPConfig and rendered by the same
// directive builder, so the preview meta tag and the host response header
// can never drift in syntax. Preview documents are loaded through srcdoc
// and inherit the host page's policy, which is why the host policy keeps
// inline script and style enabled and does not use nonces.
package security

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
)

// SecurityConfig holds the response header policy for host pages.
type SecurityConfig struct {
	// CSP configures the Content-Security-Policy header
	CSP *CSPConfig
	// HSTS is only emitted on TLS requests
	HSTS *HSTSConfig
	// XFrameOptions sets X-Frame-Options (DENY, SAMEORIGIN)
	XFrameOptions       string
	XContentTypeNoSniff bool
	ReferrerPolicy      string
	PermissionsPolicy   *PermissionsPolicyConfig
	// AllowedOrigins lists origins permitted to issue state-changing requests
	AllowedOrigins    []string
	BlockedUserAgents []string
	Logger            logging.Logger
}

// CSPConfig holds Content Security Policy directives.
type CSPConfig struct {
	DefaultSrc              []string
	ScriptSrc               []string
	StyleSrc                []string
	ImgSrc                  []string
	ConnectSrc              []string
	FontSrc                 []string
	ObjectSrc               []string
	MediaSrc                []string
	FrameSrc                []string
	ChildSrc                []string
	WorkerSrc               []string
	FrameAncestors          []string
	BaseURI                 []string
	FormAction              []string
	UpgradeInsecureRequests bool
	ReportURI               string
}

// HSTSConfig holds HTTP Strict Transport Security configuration
type HSTSConfig struct {
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

// PermissionsPolicyConfig holds Permissions Policy configuration
type PermissionsPolicyConfig struct {
	Geolocation []string
	Camera      []string
	Microphone  []string
	Payment     []string
	USB         []string
	Fullscreen  []string
}

// PreviewCSP returns the fixed policy embedded in every composed preview
// document: same-origin by default with inline style and script only.
func PreviewCSP() *CSPConfig {
	return &CSPConfig{
		DefaultSrc: []string{"'self'"},
		StyleSrc:   []string{"'unsafe-inline'"},
		ScriptSrc:  []string{"'unsafe-inline'"},
	}
}

// DefaultSecurityConfig returns the header policy for host pages.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		CSP: &CSPConfig{
			DefaultSrc: []string{"'self'"},
			// srcdoc previews inherit this policy
			ScriptSrc:      []string{"'self'", "'unsafe-inline'"},
			StyleSrc:       []string{"'self'", "'unsafe-inline'"},
			ImgSrc:         []string{"'self'", "data:", "blob:", "https:"},
			ConnectSrc:     []string{"'self'", "ws:", "wss:"},
			FontSrc:        []string{"'self'"},
			ObjectSrc:      []string{"'none'"},
			MediaSrc:       []string{"'self'", "https:"},
			FrameSrc:       []string{"'self'", "about:"},
			ChildSrc:       []string{"'self'", "about:"},
			WorkerSrc:      []string{"'self'"},
			FrameAncestors: []string{"'none'"},
			BaseURI:        []string{"'self'"},
			FormAction:     []string{"'self'"},
			ReportURI:      "/csp-report",
		},
		HSTS: &HSTSConfig{
			MaxAge:            31536000, // 1 year
			IncludeSubDomains: true,
		},
		XFrameOptions:       "DENY",
		XContentTypeNoSniff: true,
		ReferrerPolicy:      "strict-origin-when-cross-origin",
		PermissionsPolicy: &PermissionsPolicyConfig{
			Fullscreen: []string{"self"},
		},
		AllowedOrigins: []string{"http://localhost:8080", "http://127.0.0.1:8080"},
	}
}

// DevelopmentSecurityConfig returns a more permissive config for development
func DevelopmentSecurityConfig() *SecurityConfig {
	cfg := DefaultSecurityConfig()

	// Allow iframe embedding for development tools
	cfg.XFrameOptions = "SAMEORIGIN"
	cfg.CSP.FrameAncestors = []string{"'self'"}

	// Disable HSTS in development
	cfg.HSTS = nil

	return cfg
}

// ProductionSecurityConfig returns a strict config for production
func ProductionSecurityConfig() *SecurityConfig {
	cfg := DefaultSecurityConfig()

	cfg.CSP.UpgradeInsecureRequests = true
	cfg.CSP.ConnectSrc = []string{"'self'", "wss:"}
	cfg.HSTS.Preload = true

	// No localhost origins in production
	cfg.AllowedOrigins = []string{}

	return cfg
}

// SecurityConfigFromAppConfig creates security config from application config
func SecurityConfigFromAppConfig(cfg *config.Config) *SecurityConfig {
	var sec *SecurityConfig
	switch cfg.Server.Environment {
	case "production":
		sec = ProductionSecurityConfig()
	case "development":
		sec = DevelopmentSecurityConfig()
	default:
		sec = DefaultSecurityConfig()
	}

	if len(cfg.Server.AllowedOrigins) > 0 {
		sec.AllowedOrigins = append([]string(nil), cfg.Server.AllowedOrigins...)
	}
	return sec
}

// Header renders the policy as a header or meta-tag value.
func (csp *CSPConfig) Header() string {
	var directives []string

	addDirective := func(name string, values []string) {
		if len(values) > 0 {
			directives = append(directives, fmt.Sprintf("%s %s", name, strings.Join(values, " ")))
		}
	}

	addDirective("default-src", csp.DefaultSrc)
	addDirective("style-src", csp.StyleSrc)
	addDirective("script-src", csp.ScriptSrc)
	addDirective("img-src", csp.ImgSrc)
	addDirective("connect-src", csp.ConnectSrc)
	addDirective("font-src", csp.FontSrc)
	addDirective("object-src", csp.ObjectSrc)
	addDirective("media-src", csp.MediaSrc)
	addDirective("frame-src", csp.FrameSrc)
	addDirective("child-src", csp.ChildSrc)
	addDirective("worker-src", csp.WorkerSrc)
	addDirective("frame-ancestors", csp.FrameAncestors)
	addDirective("base-uri", csp.BaseURI)
	addDirective("form-action", csp.FormAction)

	if csp.UpgradeInsecureRequests {
		directives = append(directives, "upgrade-insecure-requests")
	}

	if csp.ReportURI != "" {
		directives = append(directives, fmt.Sprintf("report-uri %s", csp.ReportURI))
	}

	return strings.Join(directives, "; ")
}

// SecurityMiddleware applies the header policy and rejects blocked user
// agents and state-changing requests from unknown origins.
func SecurityMiddleware(secConfig *SecurityConfig) func(http.Handler) http.Handler {
	if secConfig == nil {
		secConfig = DefaultSecurityConfig()
	}
	origins := NewOriginAllowList(secConfig.AllowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applySecurityHeaders(w, r, secConfig)

			if isBlockedUserAgent(r.UserAgent(), secConfig.BlockedUserAgents) {
				if secConfig.Logger != nil {
					secConfig.Logger.Warn(r.Context(),
						errors.NewSecurityError("BLOCKED_USER_AGENT", "Blocked user agent attempted access"),
						"Security: Blocked user agent",
						"user_agent", r.UserAgent(),
						"ip", ClientIP(r))
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
				origin := RequestOrigin(r)
				if !origins.ValidateOrigin(origin) {
					if secConfig.Logger != nil {
						secConfig.Logger.Warn(r.Context(),
							errors.ErrInvalidOrigin(origin),
							"Security: Invalid origin",
							"origin", r.Header.Get("Origin"),
							"referer", r.Header.Get("Referer"),
							"ip", ClientIP(r))
					}
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// applySecurityHeaders applies all configured security headers
func applySecurityHeaders(w http.ResponseWriter, r *http.Request, config *SecurityConfig) {
	h := w.Header()

	if config.CSP != nil {
		h.Set("Content-Security-Policy", config.CSP.Header())
	}

	if config.HSTS != nil && r.TLS != nil {
		h.Set("Strict-Transport-Security", buildHSTSHeader(config.HSTS))
	}

	if config.XFrameOptions != "" {
		h.Set("X-Frame-Options", config.XFrameOptions)
	}

	if config.XContentTypeNoSniff {
		h.Set("X-Content-Type-Options", "nosniff")
	}

	if config.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", config.ReferrerPolicy)
	}

	if config.PermissionsPolicy != nil {
		if permissions := buildPermissionsPolicyHeader(config.PermissionsPolicy); permissions != "" {
			h.Set("Permissions-Policy", permissions)
		}
	}

	h.Set("X-DNS-Prefetch-Control", "off")
	h.Set("X-Permitted-Cross-Domain-Policies", "none")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
}

// buildHSTSHeader constructs the Strict-Transport-Security header value
func buildHSTSHeader(hsts *HSTSConfig) string {
	header := fmt.Sprintf("max-age=%d", hsts.MaxAge)

	if hsts.IncludeSubDomains {
		header += "; includeSubDomains"
	}

	if hsts.Preload {
		header += "; preload"
	}

	return header
}

// buildPermissionsPolicyHeader constructs the Permissions-Policy header value
func buildPermissionsPolicyHeader(pp *PermissionsPolicyConfig) string {
	var policies []string

	addPolicy := func(name string, values []string) {
		policies = append(policies, fmt.Sprintf("%s=(%s)", name, strings.Join(values, " ")))
	}

	addPolicy("geolocation", pp.Geolocation)
	addPolicy("camera", pp.Camera)
	addPolicy("microphone", pp.Microphone)
	addPolicy("payment", pp.Payment)
	addPolicy("usb", pp.USB)
	addPolicy("fullscreen", pp.Fullscreen)

	return strings.Join(policies, ", ")
}

func isBlockedUserAgent(userAgent string, blockedAgents []string) bool {
	if userAgent == "" {
		return false
	}

	lower := strings.ToLower(userAgent)
	for _, blocked := range blockedAgents {
		if blocked != "" && strings.Contains(lower, strings.ToLower(blocked)) {
			return true
		}
	}

	return false
}

// RequestOrigin returns the Origin header, falling back to the scheme and
// host of the Referer for same-origin requests that omit it.
func RequestOrigin(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin != "" {
		return origin
	}

	if referer := r.Header.Get("Referer"); referer != "" {
		if refererURL, err := url.Parse(referer); err == nil && refererURL.Host != "" {
			return fmt.Sprintf("%s://%s", refererURL.Scheme, refererURL.Host)
		}
	}

	return ""
}

// ClientIP extracts the client IP address from the request
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (proxy/load balancer)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip := r.RemoteAddr
	if colonPos := strings.LastIndex(ip, ":"); colonPos != -1 {
		ip = ip[:colonPos]
	}

	return strings.Trim(ip, "[]")
}

// CSPViolationReport represents a CSP violation report
type CSPViolationReport struct {
	CSPReport struct {
		DocumentURI       string `json:"document-uri"`
		ViolatedDirective string `json:"violated-directive"`
		BlockedURI        string `json:"blocked-uri"`
		SourceFile        string `json:"source-file"`
		LineNumber        int    `json:"line-number"`
	} `json:"csp-report"`
}

// CSPViolationHandler logs CSP violation reports sent by browsers.
func CSPViolationHandler(logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var report CSPViolationReport
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&report); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		if logger != nil {
			logging.LogSecurityEvent(logger, r.Context(), "csp_violation", map[string]interface{}{
				"document_uri":       report.CSPReport.DocumentURI,
				"violated_directive": report.CSPReport.ViolatedDirective,
				"blocked_uri":        report.CSPReport.BlockedURI,
				"source_file":        report.CSPReport.SourceFile,
				"line_number":        report.CSPReport.LineNumber,
				"ip":                 ClientIP(r),
			})
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
