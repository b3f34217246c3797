package bridge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"trackbridge/internal/session"
	"trackbridge/pkg/problems"
)

var errNoSession = errors.New("no session on request")

func currentSession(r *http.Request) (*session.Session, error) {
	s := session.FromContext(r.Context())
	if s == nil {
		return nil, problems.Unknown(errNoSession)
	}
	return s, nil
}

// login starts the GitHub OAuth handshake with a fresh state bound to the session.
func (a *App) login(w http.ResponseWriter, r *http.Request) error {
	s, err := currentSession(r)
	if err != nil {
		return err
	}
	state, err := randomState()
	if err != nil {
		return problems.Unknown(err)
	}
	s.OAuthState = state
	if err := a.sessions.Save(r.Context(), w, s); err != nil {
		return problems.Unknown(err)
	}
	http.Redirect(w, r, a.oauth.AuthCodeURL(state), http.StatusFound)
	return nil
}

// callback completes the handshake. Any failure sends the browser back to the
// login entry point.
func (a *App) callback(w http.ResponseWriter, r *http.Request) error {
	s, err := currentSession(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	expected := s.OAuthState
	s.OAuthState = ""

	if expected == "" || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expected)) != 1 {
		a.log.Infow("oauth callback state mismatch")
		return a.restartLogin(w, r, s)
	}
	if code == "" {
		a.log.Infow("oauth callback without code", "error", q.Get("error"))
		return a.restartLogin(w, r, s)
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.VerifyTimeout)
	defer cancel()
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		a.log.Warnw("oauth code exchange failed", "err", err)
		return a.restartLogin(w, r, s)
	}

	s.GitHub = &session.Grant{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	dest := safeReturn(s.ReturnTo)
	s.ClearHandshake()
	if err := a.sessions.Save(r.Context(), w, s); err != nil {
		return problems.Unknown(err)
	}
	http.Redirect(w, r, dest, http.StatusFound)
	return nil
}

func (a *App) restartLogin(w http.ResponseWriter, r *http.Request, s *session.Session) error {
	if err := a.sessions.Save(r.Context(), w, s); err != nil {
		return problems.Unknown(err)
	}
	http.Redirect(w, r, loginPath, http.StatusFound)
	return nil
}

// logout drops the session, which clears the GitHub grant and the bound tenant.
// Browser origin is enforced here because Public routes skip anti-forgery.
func (a *App) logout(w http.ResponseWriter, r *http.Request) error {
	s, err := currentSession(r)
	if err != nil {
		return err
	}
	if err := a.csrf.Check(r, s); err != nil {
		return err
	}
	if err := a.sessions.Destroy(r.Context(), w, s); err != nil {
		return problems.Unknown(err)
	}
	return a.pages.Render(w, http.StatusOK, "signedout", struct{ Title string }{"Signed out"})
}

// safeReturn only follows same-origin paths.
func safeReturn(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return setupPath
	}
	return p
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
