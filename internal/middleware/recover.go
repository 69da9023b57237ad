package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/a-h/templ"

	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
)

// FallbackView renders the page shown in place of a handler that panicked.
// retry is the URL that reloads the failed page.
type FallbackView func(retry string) templ.Component

// DefaultFallback is a self-contained error page with a retry link.
func DefaultFallback(retry string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Something went wrong</title></head>
<body data-snipbox-fallback>
<main style="max-width:32rem;margin:4rem auto;font-family:system-ui,sans-serif">
<h1>Something went wrong</h1>
<p>This page failed to render. The error has been logged.</p>
<p><a href="%s">Try again</a></p>
</main>
</body>
</html>
`, templ.EscapeString(retry))
		return err
	})
}

// Recover supervises handlers: a panic is logged and counted, and the client
// receives the fallback view, or a JSON error for API calls. Handlers on
// other requests keep running.
func Recover(logger logging.Logger, metrics *monitoring.Metrics, fallback FallbackView) Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	if fallback == nil {
		fallback = DefaultFallback
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := NewStatusWriter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				if metrics != nil {
					metrics.PanicsRecovered.Inc()
				}
				err := errors.NewInternalError(errors.ErrCodeInternalError,
					fmt.Sprintf("handler panic: %v", rec), nil).WithComponent("server")
				logger.Error(r.Context(), err, "Recovered from handler panic",
					"method", r.Method,
					"path", logging.SanitizeForLog(r.URL.Path),
					"stack", string(debug.Stack()))

				if tw.Started() {
					return
				}
				if WantsHTML(r) {
					w.Header().Set("Content-Type", "text/html; charset=utf-8")
					w.Header().Set("Cache-Control", "no-store")
					w.WriteHeader(http.StatusInternalServerError)
					_ = fallback(r.URL.RequestURI()).Render(r.Context(), w)
					return
				}
				WriteError(w, r, err)
			}()

			next.ServeHTTP(tw, r)
		})
	}
}
