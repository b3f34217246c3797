// Package bridge assembles the HTTP surface: routes, trust domains and the
// error pipeline.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"trackbridge/internal/csrf"
	"trackbridge/internal/diag"
	"trackbridge/internal/render"
	"trackbridge/internal/session"
	"trackbridge/internal/trust"
	"trackbridge/internal/webhook"
	"trackbridge/pkg/config"
	"trackbridge/pkg/tenants"
)

const (
	loginPath       = "/github/login"
	callbackPath    = "/github/callback"
	setupPath       = "/github/setup"
	maintenancePath = "/maintenance"
)

// GitHub verifies grants and installation access against the GitHub API.
type GitHub interface {
	trust.TokenVerifier
	VerifyInstallation(ctx context.Context, token string, id int64) error
}

// Deps are the collaborators the App is built from. HTTPClient, when set, is
// used for the OAuth code exchange.
type Deps struct {
	Config     config.Config
	Log        *zap.SugaredLogger
	Sessions   *session.Manager
	Tenants    tenants.Store
	GitHub     GitHub
	Registry   *prometheus.Registry
	HTTPClient *http.Client
}

// App is the bridge application container.
type App struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	sessions *session.Manager
	tenants  tenants.Store
	github   GitHub
	registry *prometheus.Registry
	client   *http.Client

	oauth    *oauth2.Config
	csrf     *csrf.Guard
	pages    *render.Pages
	webhooks *webhook.Service
	gate     *trust.Gate
}

func New(d Deps) (*App, error) {
	pages, err := render.NewPages()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	a := &App{
		cfg:      d.Config,
		log:      d.Log,
		sessions: d.Sessions,
		tenants:  d.Tenants,
		github:   d.GitHub,
		registry: d.Registry,
		client:   d.HTTPClient,
		oauth:    oauthConfig(d.Config),
		csrf:     csrf.NewGuard(d.Config.CSRFBypassMethods),
		pages:    pages,
		webhooks: webhook.New(d.Tenants, d.Log, d.Registry),
	}
	if len(d.Config.CSRFBypassMethods) > 0 {
		d.Log.Warnw("anti-forgery bypass configured", "methods", d.Config.CSRFBypassMethods)
	}
	classifier := render.NewClassifier(pages, d.Config.BaseURL+"/problems", d.Config.Maintenance.Status, d.Config.Debug, d.Log, d.Registry)
	enricher := &diag.Enricher{Log: d.Log}
	a.gate = &trust.Gate{
		Sessions:        d.Sessions,
		GitHub:          d.GitHub,
		Webhooks:        a.webhooks,
		Tenants:         d.Tenants,
		CSRF:            a.csrf,
		Maintenance:     d.Config.Maintenance,
		Errors:          enricher.Wrap(classifier),
		Log:             d.Log,
		LoginPath:       loginPath,
		MaintenancePath: maintenancePath,
	}
	return a, nil
}

func oauthConfig(cfg config.Config) *oauth2.Config {
	endpoint := githuboauth.Endpoint
	if cfg.GitHubAuthURL != "" {
		endpoint.AuthURL = cfg.GitHubAuthURL
	}
	if cfg.GitHubTokenURL != "" {
		endpoint.TokenURL = cfg.GitHubTokenURL
	}
	return &oauth2.Config{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  strings.TrimRight(cfg.BaseURL, "/") + callbackPath,
		Scopes:       []string{"read:user"},
	}
}
