// Package preview is the render pipeline of the sandboxed preview renderer:
// sanitize the markup, compose the document, allocate an isolation handle
// and host the result behind the isolation boundary.
//
// Render returns either a Result or an error; nothing it calls is allowed to
// panic through it. Sanitizer failures degrade the render instead of
// aborting it.
package preview

import (
	"context"
	"fmt"
	"time"

	"github.com/a-h/templ"

	"github.com/conneroisu/snipbox/internal/composer"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/isolation"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/refresh"
	"github.com/conneroisu/snipbox/internal/sanitizer"
)

// Soft size thresholds in bytes. Exceeding one adds a warning; nothing is
// ever blocked.
const (
	MarkupWarnBytes = 500_000
	StyleWarnBytes  = 250_000
	ScriptWarnBytes = 250_000
	TotalWarnBytes  = 1_000_000
)

// Request is one render input. It is created fresh for every change in the
// hosting view and never stored.
type Request struct {
	Markup string `json:"html"`
	Style  string `json:"css"`
	Script string `json:"js"`
	Width  string `json:"width,omitempty"`
	Height string `json:"height,omitempty"`
}

// Prepared is a composed document with its resolved dimensions, before a
// handle has been allocated for it.
type Prepared struct {
	Document composer.Document
	Width    isolation.Dimension
	Height   isolation.Dimension
	Degraded bool
	Removed  sanitizer.Counts
	Warnings []string
}

// Result is the outcome of a successful render.
type Result struct {
	Mount refresh.Mount
	// Frame is the iframe, or the placeholder when Hosted is false.
	Frame    templ.Component
	Hosted   bool
	Width    isolation.Dimension
	Height   isolation.Dimension
	Degraded bool
	Removed  sanitizer.Counts
	Warnings []string
}

// Options configures a Pipeline. Every field is optional.
type Options struct {
	// Sanitizer cleans markup. Nil runs the pipeline in degraded pass-through
	// mode.
	Sanitizer     sanitizer.Sanitizer
	Boundary      *isolation.Boundary
	Logger        logging.Logger
	Metrics       *monitoring.Metrics
	DefaultWidth  isolation.Dimension
	DefaultHeight isolation.Dimension
}

// Pipeline renders requests for any number of hosting views. It holds no
// per-view state and is safe for concurrent use.
type Pipeline struct {
	sanitizer     sanitizer.Sanitizer
	degraded      bool
	boundary      *isolation.Boundary
	logger        logging.Logger
	metrics       *monitoring.Metrics
	defaultWidth  isolation.Dimension
	defaultHeight isolation.Dimension
}

type reportingSanitizer interface {
	SanitizeReport(markup string) sanitizer.Report
}

// NewPipeline builds a pipeline from opts.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		sanitizer:     opts.Sanitizer,
		boundary:      opts.Boundary,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		defaultWidth:  opts.DefaultWidth,
		defaultHeight: opts.DefaultHeight,
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	p.logger = p.logger.WithComponent("preview")
	if p.boundary == nil {
		p.boundary = isolation.DefaultBoundary()
	}
	if p.defaultWidth == "" {
		p.defaultWidth = isolation.DefaultWidth
	}
	if p.defaultHeight == "" {
		p.defaultHeight = isolation.DefaultHeight
	}
	if p.sanitizer == nil {
		p.sanitizer = sanitizer.Passthrough()
		p.degraded = true
		p.logger.Warn(context.Background(),
			errors.NewRenderError(errors.ErrCodeRenderFailed, "no sanitizer available", nil),
			"Sanitizer unavailable, previews embed raw markup")
	}
	return p
}

// Boundary returns the isolation boundary frames are rendered with.
func (p *Pipeline) Boundary() *isolation.Boundary {
	return p.boundary
}

// Prepare sanitizes and composes req without touching any controller. The
// only error is an invalid dimension.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	width, err := isolation.ParseDimension(req.Width, p.defaultWidth)
	if err != nil {
		return nil, err
	}
	height, err := isolation.ParseDimension(req.Height, p.defaultHeight)
	if err != nil {
		return nil, err
	}

	prep := &Prepared{Width: width, Height: height, Degraded: p.degraded}
	prep.Warnings = p.sizeWarnings(req)

	markup, removed, failed := p.sanitize(req.Markup)
	prep.Removed = removed
	if failed {
		prep.Degraded = true
		prep.Warnings = append(prep.Warnings, "markup could not be sanitized and was dropped")
		p.logger.Error(ctx, errors.NewRenderError(errors.ErrCodeRenderFailed, "sanitizer failed", nil),
			"Sanitizer failed, rendering without markup",
			"markup_bytes", len(req.Markup))
	}
	if p.degraded {
		prep.Warnings = append(prep.Warnings, "sanitizer unavailable; markup embedded unchanged")
	}

	prep.Document = composer.Compose(markup, req.Style, req.Script)
	return prep, nil
}

// Render runs the full pipeline for one hosting view. ctrl orders the
// view's mounts; capability decides between the frame and the placeholder.
func (p *Pipeline) Render(ctrl *refresh.Controller, req Request, capability isolation.Capability) (*Result, error) {
	return p.RenderContext(context.Background(), ctrl, req, capability)
}

// RenderContext is Render with a context for logging.
func (p *Pipeline) RenderContext(ctx context.Context, ctrl *refresh.Controller, req Request, capability isolation.Capability) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = errors.NewRenderError(errors.ErrCodeRenderFailed,
				"preview render failed", fmt.Errorf("panic: %v", r))
			p.logger.Error(ctx, err, "Recovered panic in render pipeline")
		}
		p.observe(res, err, time.Since(start))
	}()

	if ctrl == nil {
		ctrl = refresh.NewController()
	}

	prep, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	mount := ctrl.Apply(prep.Document)
	frame, hosted := p.boundary.Host(capability, uint64(mount.Handle), mount.Document, prep.Width, prep.Height)

	if mount.Remounted {
		p.logger.Debug(ctx, "Preview remounted",
			"handle", uint64(mount.Handle),
			"fingerprint", mount.Document.Fingerprint()[:12],
			"removed", prep.Removed.Total())
	}

	return &Result{
		Mount:    mount,
		Frame:    frame,
		Hosted:   hosted,
		Width:    prep.Width,
		Height:   prep.Height,
		Degraded: prep.Degraded,
		Removed:  prep.Removed,
		Warnings: prep.Warnings,
	}, nil
}

// sanitize runs the configured sanitizer, containing any panic from a
// third-party implementation. A failure yields the empty fragment.
func (p *Pipeline) sanitize(markup string) (out string, removed sanitizer.Counts, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			out, removed, failed = "", sanitizer.Counts{}, true
		}
	}()

	if rs, ok := p.sanitizer.(reportingSanitizer); ok {
		report := rs.SanitizeReport(markup)
		return report.Output, report.Removed, report.Failed
	}
	return p.sanitizer.Sanitize(markup), sanitizer.Counts{}, false
}

func (p *Pipeline) sizeWarnings(req Request) []string {
	var warnings []string
	check := func(source string, size, limit int) {
		if size > limit {
			warnings = append(warnings, fmt.Sprintf("%s is %s, above the %s soft limit; the preview may be slow",
				source, formatBytes(size), formatBytes(limit)))
			if p.metrics != nil {
				p.metrics.SizeWarnings.WithLabelValues(source).Inc()
			}
		}
	}
	check("html", len(req.Markup), MarkupWarnBytes)
	check("css", len(req.Style), StyleWarnBytes)
	check("js", len(req.Script), ScriptWarnBytes)
	check("total", len(req.Markup)+len(req.Style)+len(req.Script), TotalWarnBytes)
	return warnings
}

func (p *Pipeline) observe(res *Result, err error, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RenderDuration.Observe(d.Seconds())
	if err != nil {
		p.metrics.RendersTotal.WithLabelValues("error").Inc()
		return
	}
	p.metrics.RendersTotal.WithLabelValues("ok").Inc()
	if res.Mount.Remounted {
		p.metrics.RemountsTotal.Inc()
	}
	if res.Degraded {
		p.metrics.DegradedTotal.Inc()
	}
	if res.Removed.Elements > 0 {
		p.metrics.SanitizerRemovals.WithLabelValues("element").Add(float64(res.Removed.Elements))
	}
	if res.Removed.Attributes > 0 {
		p.metrics.SanitizerRemovals.WithLabelValues("attribute").Add(float64(res.Removed.Attributes))
	}
}

func formatBytes(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1f MB", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1f KB", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
