// Package diag attaches request context to failures before they are classified.
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trackbridge/internal/session"
	"trackbridge/internal/trust"
	"trackbridge/pkg/middleware"
)

// MaxCapture bounds how much of a request body is retained for diagnostics.
const MaxCapture = 64 << 10

const redacted = "[redacted]"

// sensitive keys are masked wherever they appear in a captured body.
var sensitive = map[string]struct{}{
	"secret":        {},
	"sharedsecret":  {},
	"_csrf":         {},
	"access_token":  {},
	"client_secret": {},
	"code":          {},
	"jwt":           {},
}

type captureKey struct{}

type capture struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *capture) Write(p []byte) (int, error) {
	if room := MaxCapture - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

type teeBody struct {
	io.Reader
	io.Closer
}

// CaptureBody keeps a copy of whatever the handlers read from the body, up to
// MaxCapture bytes. The body itself is streamed through untouched.
func CaptureBody() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			c := &capture{}
			r.Body = teeBody{Reader: io.TeeReader(r.Body, c), Closer: r.Body}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), captureKey{}, c)))
		})
	}
}

// CapturedBody returns the redacted body read so far and whether it was cut.
func CapturedBody(ctx context.Context, contentType string) (string, bool) {
	c, ok := ctx.Value(captureKey{}).(*capture)
	if !ok || c.buf.Len() == 0 {
		return "", false
	}
	return Redact(c.buf.Bytes(), contentType), c.truncated
}

// Redact masks sensitive fields of a JSON or form body. Bodies in any other
// format are replaced by a placeholder.
func Redact(body []byte, contentType string) string {
	switch {
	case strings.Contains(contentType, "json") || (contentType == "" && json.Valid(body)):
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return "[unparseable json]"
		}
		b, err := json.Marshal(mask(v))
		if err != nil {
			return "[unparseable json]"
		}
		return string(b)
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		q, err := url.ParseQuery(string(body))
		if err != nil {
			return "[unparseable form]"
		}
		for k := range q {
			if isSensitive(k) {
				q[k] = []string{redacted}
			}
		}
		return q.Encode()
	}
	return "[opaque body]"
}

func mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if isSensitive(k) {
				t[k] = redacted
				continue
			}
			t[k] = mask(child)
		}
	case []any:
		for i := range t {
			t[i] = mask(t[i])
		}
	}
	return v
}

func isSensitive(k string) bool {
	_, ok := sensitive[strings.ToLower(k)]
	return ok
}

// Enricher records the failing request's tenant and redacted body on the active
// span and in the log. It never writes to the response.
type Enricher struct {
	Log *zap.SugaredLogger
}

// Wrap runs Enrich ahead of next.
func (e *Enricher) Wrap(next trust.ErrorHandler) trust.ErrorHandler {
	return trust.ErrorHandlerFunc(func(w http.ResponseWriter, r *http.Request, err error) {
		e.Enrich(r, err)
		next.HandleError(w, r, err)
	})
}

func (e *Enricher) Enrich(r *http.Request, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.Log.Warnw("diagnostics enrichment panicked", "panic", rec)
		}
	}()
	ctx := r.Context()
	host := TenantHost(ctx)
	body, truncated := CapturedBody(ctx, r.Header.Get("Content-Type"))

	span := trace.SpanFromContext(ctx)
	attrs := []attribute.KeyValue{attribute.String("http.route.domain", trust.DomainFrom(ctx).String())}
	if host != "" {
		attrs = append(attrs, attribute.String("tenant.host", host))
	}
	if body != "" {
		attrs = append(attrs, attribute.String("http.request.body", body), attribute.Bool("http.request.body.truncated", truncated))
	}
	span.SetAttributes(attrs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, "request failed")

	e.Log.Debugw("request failure context",
		"tenant", host,
		"path", r.URL.Path,
		"request_id", middleware.RequestIDFrom(ctx),
		"body", body,
		"body_truncated", truncated,
	)
}

// TenantHost names the tenant a request acted for: the verified principal when
// there is one, else the host bound to the session.
func TenantHost(ctx context.Context) string {
	if t, ok := trust.TrackerTenantFrom(ctx); ok {
		return t.Host
	}
	if s := session.FromContext(ctx); s != nil {
		return s.TenantHost
	}
	return ""
}
