package diag

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"trackbridge/internal/session"
	"trackbridge/internal/trust"
	"trackbridge/pkg/logger"
)

func TestRedact(t *testing.T) {
	got := Redact([]byte(`{"host":"acme.example","secret":"s3cr3t","nested":{"sharedSecret":"x"},"list":[{"SECRET":"y"}]}`), "application/json")
	assert.JSONEq(t, `{"host":"acme.example","secret":"[redacted]","nested":{"sharedSecret":"[redacted]"},"list":[{"SECRET":"[redacted]"}]}`, got)

	form := Redact([]byte("org=acme&_csrf=tok"), "application/x-www-form-urlencoded")
	assert.Contains(t, form, "org=acme")
	assert.NotContains(t, form, "tok")

	assert.Equal(t, "[opaque body]", Redact([]byte{0xff, 0x00}, "application/octet-stream"))
}

func TestCaptureBody_Truncates(t *testing.T) {
	big := strings.Repeat("a", MaxCapture+10)
	var got string
	var cut bool
	h := CaptureBody()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Len(t, b, len(big), "handler still sees the whole body")
		got, cut = CapturedBody(r.Context(), "application/x-www-form-urlencoded")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("k="+big)))
	assert.True(t, cut)
	assert.NotEmpty(t, got)
}

func TestEnricher_SpanAndLog(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	core, logs := observer.New(zap.DebugLevel)
	e := &Enricher{Log: zap.New(core).Sugar()}

	var handled bool
	next := trust.ErrorHandlerFunc(func(w http.ResponseWriter, r *http.Request, err error) {
		handled = true
		w.WriteHeader(http.StatusUnauthorized)
	})

	h := CaptureBody()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tp.Tracer("test").Start(r.Context(), "req")
		_, _ = io.ReadAll(r.Body)
		ctx = trust.WithPrincipal(ctx, trust.TrackerTenant{Host: "acme.example"})
		e.Wrap(next).HandleError(w, r.WithContext(ctx), errors.New("bad signature"))
		span.End()
	}))
	r := httptest.NewRequest(http.MethodPost, "/events/enabled", strings.NewReader(`{"host":"acme.example","secret":"s3cr3t"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.True(t, handled)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "acme.example", attrs["tenant.host"].AsString())
	assert.Contains(t, attrs["http.request.body"].AsString(), "[redacted]")
	assert.NotContains(t, attrs["http.request.body"].AsString(), "s3cr3t")

	entries := logs.FilterMessage("request failure context").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "acme.example", entries[0].ContextMap()["tenant"])
}

func TestEnricher_SessionHostFallbackAndNoSpan(t *testing.T) {
	e := &Enricher{Log: logger.Nop()}
	r := httptest.NewRequest(http.MethodGet, "/config", nil)
	r = r.WithContext(session.WithSession(r.Context(), &session.Session{TenantHost: "old.example"}))
	assert.Equal(t, "old.example", TenantHost(r.Context()))
	assert.NotPanics(t, func() { e.Enrich(r, errors.New("x")) })
}
