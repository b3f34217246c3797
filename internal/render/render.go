// Package render classifies request failures and renders the integration pages.
package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"trackbridge/internal/trust"
	"trackbridge/pkg/middleware"
	"trackbridge/pkg/problems"
)

//go:embed templates/*.html
var templateFS embed.FS

// Pages holds the parsed page templates.
type Pages struct {
	t *template.Template
}

func NewPages() (*Pages, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Pages{t: t}, nil
}

// Render executes the named page into a buffer first so a template failure
// never leaves a half-written response.
func (p *Pages) Render(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := p.t.ExecuteTemplate(&buf, name+".html", data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

type errorPage struct {
	Title     string
	Message   string
	RequestID string
}

var messages = map[problems.Kind]errorPage{
	problems.KindUnauthorized: {Title: "Sign-in required", Message: "Open this page from your tracker so we can identify your site."},
	problems.KindForbidden:    {Title: "Not allowed", Message: "This action is not permitted. Reload the page and try again."},
	problems.KindNotFound:     {Title: "Not found", Message: "We could not find this integration for your site. Try reinstalling the add-on."},
	problems.KindMaintenance:  {Title: "Down for maintenance"},
	problems.KindUnknown:      {Title: "Something went wrong", Message: "The integration could not complete this request. Please try again."},
}

// Classifier is the single place failed requests get their response. Webhook
// callers receive the status alone, API callers a problem document, browsers
// a branded page without internal detail.
type Classifier struct {
	Pages *Pages
	// ProblemBase prefixes problem type URLs.
	ProblemBase       string
	MaintenanceStatus int
	// Debug writes the raw error text under the classified status instead of a page.
	Debug bool
	Log   *zap.SugaredLogger

	errors *prometheus.CounterVec
}

func NewClassifier(pages *Pages, problemBase string, maintenanceStatus int, debug bool, log *zap.SugaredLogger, reg prometheus.Registerer) *Classifier {
	return &Classifier{
		Pages:             pages,
		ProblemBase:       problemBase,
		MaintenanceStatus: maintenanceStatus,
		Debug:             debug,
		Log:               log,
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_classified_errors_total",
			Help: "Failed requests by error kind.",
		}, []string{"kind"}),
	}
}

// HandleError implements trust.ErrorHandler.
func (c *Classifier) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := problems.KindOf(err)
	status := problems.Status(kind, c.MaintenanceStatus)
	c.errors.WithLabelValues(kind.String()).Inc()
	c.log(r, kind, status, err)

	if c.Debug {
		http.Error(w, err.Error(), status)
		return
	}
	if trust.DomainFrom(r.Context()) == trust.TrackerWebhook {
		w.WriteHeader(status)
		return
	}
	if wantsJSON(r) {
		c.writeProblem(w, kind, status)
		return
	}
	page := messages[kind]
	page.RequestID = middleware.RequestIDFrom(r.Context())
	name := "error"
	if kind == problems.KindMaintenance {
		name = "maintenance"
	}
	if rerr := c.Pages.Render(w, status, name, page); rerr != nil {
		c.Log.Errorw("render error page", "err", rerr)
		w.WriteHeader(status)
	}
}

func (c *Classifier) log(r *http.Request, kind problems.Kind, status int, err error) {
	kv := []any{"kind", kind.String(), "status", status, "path", r.URL.Path, "request_id", middleware.RequestIDFrom(r.Context()), "err", err}
	switch kind {
	case problems.KindUnknown:
		c.Log.Errorw("request failed", kv...)
	case problems.KindMaintenance:
		c.Log.Debugw("request refused during maintenance", kv...)
	default:
		c.Log.Infow("request rejected", kv...)
	}
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") || strings.Contains(accept, "application/problem+json")
}

func (c *Classifier) writeProblem(w http.ResponseWriter, kind problems.Kind, status int) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(c.ProblemBase, kind),
		"title":  messages[kind].Title,
		"status": status,
	})
}

// ConfigPage is the tenant configuration form.
type ConfigPage struct {
	Title     string
	Host      string
	Org       string
	CSRFToken string
	Saved     bool
}

// SetupPage is shown after the GitHub App installation returns to the bridge.
type SetupPage struct {
	Title          string
	Login          string
	Host           string
	InstallationID int64
	CSRFToken      string
}
