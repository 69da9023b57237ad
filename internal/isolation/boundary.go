// Package isolation hosts composed preview documents inside a sandboxed
// iframe, or an inert placeholder box when the hosting view cannot host one
// yet.
package isolation

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/a-h/templ"

	"github.com/conneroisu/snipbox/internal/composer"
	"github.com/conneroisu/snipbox/internal/errors"
)

// Default preview dimensions.
const (
	DefaultWidth  Dimension = "100%"
	DefaultHeight Dimension = "300px"
)

// FrameTitle is the accessible title of every preview frame.
const FrameTitle = "Component Preview"

// Dimension is a validated CSS length safe to embed in a style attribute.
type Dimension string

var dimensionPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)(px|em|rem|%|vh|vw)?$`)

// ParseDimension validates s as a CSS length. The empty string yields
// fallback; a bare number is taken as pixels.
func ParseDimension(s string, fallback Dimension) (Dimension, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return fallback, nil
	}
	if s == "auto" {
		return Dimension(s), nil
	}

	m := dimensionPattern.FindStringSubmatch(s)
	if m == nil {
		return "", errors.NewValidationError(errors.ErrCodeInvalidDimension,
			fmt.Sprintf("invalid dimension %q", s)).
			WithContext("value", s)
	}
	if _, err := strconv.ParseFloat(m[1], 64); err != nil {
		return "", errors.NewValidationError(errors.ErrCodeInvalidDimension,
			fmt.Sprintf("invalid dimension %q", s)).
			WithCause(err)
	}
	if m[2] == "" {
		return Dimension(m[1] + "px"), nil
	}
	return Dimension(s), nil
}

// Capability reports whether the hosting view can host an embedded
// browsing context right now.
type Capability interface {
	Ready() bool
}

type capabilityFunc func() bool

func (f capabilityFunc) Ready() bool { return f() }

// CapabilityFunc adapts a function to Capability.
func CapabilityFunc(f func() bool) Capability { return capabilityFunc(f) }

// Always is the capability of a fully mounted client view.
func Always() Capability { return capabilityFunc(func() bool { return true }) }

// Never is the capability of a server-side pre-render.
func Never() Capability { return capabilityFunc(func() bool { return false }) }

// Boundary renders preview frames under one sandbox policy.
type Boundary struct {
	sandbox SandboxPolicy
}

// NewBoundary validates policy and returns a Boundary using it.
func NewBoundary(policy SandboxPolicy) (*Boundary, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Boundary{sandbox: policy.normalized()}, nil
}

// DefaultBoundary returns a Boundary with the scripts-only sandbox.
func DefaultBoundary() *Boundary {
	return &Boundary{sandbox: DefaultSandbox()}
}

// Sandbox returns the sandbox attribute value.
func (b *Boundary) Sandbox() string {
	return b.sandbox.String()
}

// Frame renders the sandboxed iframe for doc. The handle is written as
// data-handle so a client swapping frames by handle always replaces the
// element instead of patching it.
func (b *Boundary) Frame(handle uint64, doc composer.Document, width, height Dimension) templ.Component {
	sandbox := b.Sandbox()
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<iframe data-handle="`+strconv.FormatUint(handle, 10)+
			`" sandbox="`+templ.EscapeString(sandbox)+
			`" srcdoc="`+templ.EscapeString(doc.String())+
			`" title="`+FrameTitle+
			`" referrerpolicy="no-referrer" loading="lazy" style="`+
			templ.EscapeString(frameStyle(width, height))+`"></iframe>`)
		return err
	})
}

// Placeholder renders the inert box shown before a frame can be hosted.
func (b *Boundary) Placeholder(width, height Dimension) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<div data-snipbox-placeholder="" style="`+
			templ.EscapeString(placeholderStyle(width, height))+`"></div>`)
		return err
	})
}

// Host renders the frame when capability is ready and the placeholder
// otherwise. A nil capability counts as ready.
func (b *Boundary) Host(capability Capability, handle uint64, doc composer.Document, width, height Dimension) (templ.Component, bool) {
	if capability != nil && !capability.Ready() {
		return b.Placeholder(width, height), false
	}
	return b.Frame(handle, doc, width, height), true
}

func placeholderStyle(width, height Dimension) string {
	return fmt.Sprintf("height: %s; width: %s; border: 1px solid #ddd; border-radius: 4px;", height, width)
}

func frameStyle(width, height Dimension) string {
	return placeholderStyle(width, height) + " background-color: white;"
}
