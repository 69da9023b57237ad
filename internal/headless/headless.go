// Package headless executes a composed preview document headlessly and reports
// what its scripts did: which error banners appeared, which host surfaces
// they tried to reach, and whether they finished inside the budget.
//
// Scripts run in a goja VM driven by a goja_nodejs event loop. The DOM is
// the parsed document itself, exposed to the VM through a small set of
// element and document methods. The embedding page is modelled as a
// separate realm that the VM can only see through cross-origin proxies.
package headless

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/conneroisu/snipbox/internal/composer"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
)

// DefaultBudget bounds a headless run when Options.Budget is unset.
const DefaultBudget = 250 * time.Millisecond

// Options configures a headless run.
type Options struct {
	Budget  time.Duration
	Logger  logging.Logger
	Metrics *monitoring.Metrics
}

// Report describes one headless run.
type Report struct {
	// Banners holds the text of every error banner in the final DOM.
	Banners []string `json:"banners"`
	// Blocked lists the host surfaces the scripts tried to reach, in order
	// of first attempt.
	Blocked []string `json:"blocked,omitempty"`
	// Messages holds the payloads posted to the embedding page.
	Messages []string `json:"messages,omitempty"`
	Console  []string `json:"console,omitempty"`
	// HostTouched is true when the embedding page's state changed.
	HostTouched bool          `json:"host_touched"`
	TimedOut    bool          `json:"timed_out"`
	Duration    time.Duration `json:"duration"`
}

// Contained reports whether the run left the embedding page untouched.
func (r *Report) Contained() bool {
	return !r.HostTouched
}

// Run executes the scripts of doc in document order, then lets timers and
// promise jobs run until the page goes quiet or the budget expires. Timers
// still pending at that point are discarded with the VM.
func Run(ctx context.Context, doc composer.Document, opts Options) (*Report, error) {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("headless")

	page, err := goquery.NewDocumentFromReader(strings.NewReader(string(doc)))
	if err != nil {
		return nil, errors.NewRenderError(errors.ErrCodeRenderFailed, "failed to parse preview document", err)
	}

	var scripts []string
	page.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts = append(scripts, s.Text())
	})

	report := &Report{}
	host := newHostPage()
	baseline := host.snapshot()

	start := time.Now()
	loop := eventloop.NewEventLoop(
		eventloop.EnableConsole(false),
		eventloop.WithRegistry(require.NewRegistry(require.WithLoader(noModules))),
	)
	w := newWindow(loop, page, report)

	loop.Start()
	loop.RunOnLoop(w.boot(scripts))

	timer := time.NewTimer(opts.Budget)
	defer timer.Stop()

	var cancelled error
	select {
	case <-w.settled:
	case <-timer.C:
		report.TimedOut = true
	case <-ctx.Done():
		cancelled = ctx.Err()
	}

	w.stop("preview budget exhausted")
	loop.Terminate()

	report.Duration = time.Since(start)
	if cancelled != nil {
		observe(opts.Metrics, "cancelled", 0)
		return nil, cancelled
	}

	page.Find("[" + composer.BannerAttr + "]").Each(func(_ int, s *goquery.Selection) {
		report.Banners = append(report.Banners, s.Text())
	})
	report.HostTouched = !host.matches(baseline)

	outcome := "ok"
	if report.TimedOut {
		outcome = "timeout"
	}
	observe(opts.Metrics, outcome, len(report.Banners))

	if report.HostTouched {
		logging.LogSecurityEvent(logger, ctx, "preview_escaped_isolation", map[string]interface{}{
			"blocked": report.Blocked,
		})
	}
	logger.Debug(ctx, "Headless run finished",
		"banners", len(report.Banners),
		"blocked", len(report.Blocked),
		"timed_out", report.TimedOut,
		"duration", report.Duration)

	return report, nil
}

// noModules keeps require from reading the server's filesystem.
func noModules(string) ([]byte, error) {
	return nil, require.ModuleFileDoesNotExistError
}

func observe(m *monitoring.Metrics, outcome string, banners int) {
	if m == nil {
		return
	}
	m.HeadlessRuns.WithLabelValues(outcome).Inc()
	if banners > 0 {
		m.HeadlessBanners.Add(float64(banners))
	}
}

// hostPage is the state of the embedding page. Nothing inside the VM holds a
// reference to it.
type hostPage struct {
	state map[string]string
}

func newHostPage() *hostPage {
	return &hostPage{state: map[string]string{
		"title":    "snipbox",
		"location": "http://localhost/",
		"storage":  "{}",
		"cookie":   "",
	}}
}

func (h *hostPage) snapshot() map[string]string {
	out := make(map[string]string, len(h.state))
	for k, v := range h.state {
		out[k] = v
	}
	return out
}

func (h *hostPage) matches(baseline map[string]string) bool {
	if len(baseline) != len(h.state) {
		return false
	}
	for k, v := range baseline {
		if h.state[k] != v {
			return false
		}
	}
	return true
}
