package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/conneroisu/snipbox/internal/errors"
)

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status and writes it as an ErrorBody. Internal
// causes are not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := ErrorBody{Error: http.StatusText(status)}

	if te, ok := errors.AsError(err); ok {
		body.Code = te.Code
		if status < http.StatusInternalServerError {
			body.Error = te.Message
			if te.Type == errors.ErrorTypeValidation && len(te.Context) > 0 {
				body.Details = te.Context
			}
		}
	}
	WriteJSON(w, status, body)
}

// WantsHTML reports whether the client is a browser navigating to a page
// rather than an API caller.
func WantsHTML(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// StatusWriter remembers the status code written through it. Hijack and
// Flush pass through so websocket upgrades work behind the middleware.
type StatusWriter struct {
	http.ResponseWriter
	status int
}

// NewStatusWriter wraps w.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w}
}

// WriteHeader implements http.ResponseWriter.
func (sw *StatusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// Status is the code sent, or 200 if nothing was written.
func (sw *StatusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// Started reports whether the response header has been sent.
func (sw *StatusWriter) Started() bool { return sw.status != 0 }

// Flush implements http.Flusher.
func (sw *StatusWriter) Flush() {
	_ = http.NewResponseController(sw.ResponseWriter).Flush()
}

// Hijack implements http.Hijacker.
func (sw *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(sw.ResponseWriter).Hijack()
	if err == nil && sw.status == 0 {
		sw.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
