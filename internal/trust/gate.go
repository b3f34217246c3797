package trust

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"trackbridge/internal/csrf"
	"trackbridge/internal/session"
	"trackbridge/pkg/config"
	"trackbridge/pkg/connectjwt"
	"trackbridge/pkg/problems"
	"trackbridge/pkg/tenants"
)

// ErrNoTenant means the session has never been bound to a tracker instance.
var ErrNoTenant = errors.New("session is not bound to a tenant")

// Handler is a route body. Returned errors are classified once by the gate's
// ErrorHandler; handlers never write error responses themselves.
type Handler func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler writes the final response for a failed request.
type ErrorHandler interface {
	HandleError(w http.ResponseWriter, r *http.Request, err error)
}

type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)

func (f ErrorHandlerFunc) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	f(w, r, err)
}

// TokenVerifier validates a GitHub access token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (GitHubUser, error)
}

// WebhookAuthenticator authenticates a tracker lifecycle request.
type WebhookAuthenticator interface {
	Authenticate(r *http.Request) (TrackerTenant, error)
}

// Gate runs the request pipeline: session load, host binding, maintenance,
// trust domain, anti-forgery, handler, then error classification.
type Gate struct {
	Sessions    *session.Manager
	GitHub      TokenVerifier
	Webhooks    WebhookAuthenticator
	Tenants     tenants.Store
	CSRF        *csrf.Guard
	Maintenance config.Maintenance
	Errors      ErrorHandler
	Log         *zap.SugaredLogger

	// LoginPath receives browsers without a usable GitHub grant.
	LoginPath string
	// MaintenancePath stays reachable while maintenance is on.
	MaintenancePath string

	now func() time.Time
}

func (g *Gate) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

// Require wraps h so it runs only once the request holds a principal of d.
func (g *Gate) Require(d Domain, h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(WithDomain(r.Context(), d))
		r, err := g.serve(d, h, w, r)
		if err != nil {
			g.Errors.HandleError(w, r, err)
		}
	})
}

// serve returns the request as last enriched so the error handler sees the
// session and principal that were attached before the failure.
func (g *Gate) serve(d Domain, h Handler, w http.ResponseWriter, r *http.Request) (*http.Request, error) {
	s, err := g.Sessions.Load(r)
	if err != nil {
		return r, problems.Unknown(err)
	}
	r = r.WithContext(session.WithSession(r.Context(), s))

	if session.BindHost(r, s) {
		if err := g.Sessions.Save(r.Context(), w, s); err != nil {
			return r, problems.Unknown(err)
		}
	}

	if g.Maintenance.Enabled && r.URL.Path != g.MaintenancePath {
		return r, problems.Maintenance()
	}

	p, redirected, err := g.authorize(d, w, r, s)
	if err != nil || redirected {
		return r, err
	}
	r = r.WithContext(WithPrincipal(r.Context(), p))

	if d.browser() {
		if err := g.CSRF.Check(r, s); err != nil {
			return r, err
		}
	}
	return r, h(w, r)
}

func (g *Gate) authorize(d Domain, w http.ResponseWriter, r *http.Request, s *session.Session) (Principal, bool, error) {
	switch d {
	case Public:
		return None{}, false, nil
	case GitHubSession:
		return g.githubSession(w, r, s)
	case TrackerWebhook:
		t, err := g.Webhooks.Authenticate(r)
		if err != nil {
			return nil, false, err
		}
		return t, false, nil
	case TrackerSessionBound:
		t, err := g.sessionBound(r, s)
		if err != nil {
			return nil, false, err
		}
		return t, false, nil
	}
	return nil, false, problems.Unknown(fmt.Errorf("unknown trust domain %d", d))
}

func (g *Gate) githubSession(w http.ResponseWriter, r *http.Request, s *session.Session) (Principal, bool, error) {
	if !s.GitHub.Valid(g.clock()) {
		return nil, true, g.toLogin(w, r, s)
	}
	u, err := g.GitHub.Verify(r.Context(), s.GitHub.AccessToken)
	if errors.Is(err, ErrGrantInvalid) {
		s.GitHub = nil
		return nil, true, g.toLogin(w, r, s)
	}
	if err != nil {
		return nil, false, err
	}
	return u, false, nil
}

// toLogin remembers where the browser was going and sends it to the login entry.
func (g *Gate) toLogin(w http.ResponseWriter, r *http.Request, s *session.Session) error {
	if r.Method == http.MethodGet {
		s.ReturnTo = r.URL.RequestURI()
	}
	if err := g.Sessions.Save(r.Context(), w, s); err != nil {
		return problems.Unknown(err)
	}
	if g.Log != nil {
		g.Log.Debugw("redirecting to github login", "path", r.URL.Path)
	}
	http.Redirect(w, r, g.LoginPath, http.StatusFound)
	return nil
}

// sessionBound resolves the tenant from the session. A tracker token on the
// request, when present, must verify against that tenant's secret.
func (g *Gate) sessionBound(r *http.Request, s *session.Session) (TrackerTenant, error) {
	if s.TenantHost == "" {
		return TrackerTenant{}, problems.Unauthorized(ErrNoTenant)
	}
	if _, ok := connectjwt.TokenFrom(r); !ok {
		return TrackerTenant{Host: s.TenantHost}, nil
	}
	rec, err := g.Tenants.Get(r.Context(), s.TenantHost)
	if errors.Is(err, tenants.ErrNotFound) {
		return TrackerTenant{}, problems.NotFound(err)
	}
	if err != nil {
		return TrackerTenant{}, problems.Unknown(err)
	}
	tok, err := connectjwt.Verify(r, rec.SharedSecret, true)
	if err != nil {
		return TrackerTenant{}, problems.Unauthorized(err)
	}
	if rec.ClientKey != "" && tok.Issuer() != rec.ClientKey {
		return TrackerTenant{}, problems.Unauthorized(connectjwt.ErrInvalidToken)
	}
	return TrackerTenant{Host: rec.Host}, nil
}
