package security

import "strings"

// OriginValidator validates request and WebSocket connection origins
type OriginValidator interface {
	ValidateOrigin(origin string) bool
}

// OriginAllowList accepts exact scheme://host[:port] matches.
type OriginAllowList struct {
	allowed map[string]struct{}
}

// NewOriginAllowList builds a validator from configured origins; trailing
// slashes are ignored.
func NewOriginAllowList(origins []string) *OriginAllowList {
	l := &OriginAllowList{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			l.allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	return l
}

// ValidateOrigin reports whether origin is on the list. The empty origin is
// never valid.
func (l *OriginAllowList) ValidateOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := l.allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}
