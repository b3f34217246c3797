package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"trackbridge/internal/render"
	"trackbridge/internal/session"
	"trackbridge/internal/trust"
	"trackbridge/pkg/problems"
)

func (a *App) maintenance(w http.ResponseWriter, r *http.Request) error {
	status := http.StatusOK
	if a.cfg.Maintenance.Enabled {
		status = problems.Status(problems.KindMaintenance, a.cfg.Maintenance.Status)
	}
	return a.pages.Render(w, status, "maintenance", struct{ Title string }{"Down for maintenance"})
}

// descriptor serves the add-on descriptor the tracker installs from.
func (a *App) descriptor(w http.ResponseWriter, r *http.Request) error {
	d := map[string]any{
		"key":            a.cfg.AddonKey,
		"name":           "GitHub bridge",
		"baseUrl":        a.cfg.BaseURL,
		"authentication": map[string]string{"type": "jwt"},
		"lifecycle": map[string]string{
			"installed":   "/events/installed",
			"enabled":     "/events/enabled",
			"disabled":    "/events/disabled",
			"uninstalled": "/events/uninstalled",
		},
		"scopes": []string{"READ", "WRITE"},
		"modules": map[string]any{
			"configurePage": map[string]any{
				"key":  "bridge-config",
				"name": map[string]string{"value": "GitHub"},
				"url":  "/config",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(d)
}

// issueToken mints the anti-forgery token for a rendered form.
func (a *App) issueToken(w http.ResponseWriter, r *http.Request, s *session.Session) (string, error) {
	token, changed, err := a.csrf.Issue(s)
	if err != nil {
		return "", problems.Unknown(err)
	}
	if changed {
		if err := a.sessions.Save(r.Context(), w, s); err != nil {
			return "", problems.Unknown(err)
		}
	}
	return token, nil
}

// setup is where GitHub returns after the App is installed. An installation_id,
// when present, must be visible to the signed-in user.
func (a *App) setup(w http.ResponseWriter, r *http.Request) error {
	user, ok := trust.GitHubUserFrom(r.Context())
	if !ok {
		return problems.Unauthorized(errors.New("no github principal"))
	}
	s, err := currentSession(r)
	if err != nil {
		return err
	}
	var installation int64
	if raw := r.URL.Query().Get("installation_id"); raw != "" {
		installation, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || installation <= 0 {
			return problems.Unknown(fmt.Errorf("installation_id %q: invalid", raw))
		}
		if err := a.github.VerifyInstallation(r.Context(), user.Token, installation); err != nil {
			return err
		}
		a.log.Infow("github installation linked", "installation_id", installation, "login", user.Login, "tenant", s.TenantHost)
	}
	token, err := a.issueToken(w, r, s)
	if err != nil {
		return err
	}
	return a.pages.Render(w, http.StatusOK, "setup", render.SetupPage{
		Title:          "GitHub connected",
		Login:          user.Login,
		Host:           s.TenantHost,
		InstallationID: installation,
		CSRFToken:      token,
	})
}

func (a *App) configPage(w http.ResponseWriter, r *http.Request) error {
	t, ok := trust.TrackerTenantFrom(r.Context())
	if !ok {
		return problems.Unauthorized(trust.ErrNoTenant)
	}
	s, err := currentSession(r)
	if err != nil {
		return err
	}
	token, err := a.issueToken(w, r, s)
	if err != nil {
		return err
	}
	return a.pages.Render(w, http.StatusOK, "config", render.ConfigPage{Title: "GitHub settings", Host: t.Host, CSRFToken: token})
}

// saveConfig accepts the settings form. Anti-forgery has already been checked
// by the gate; what the settings drive lives outside the bridge.
func (a *App) saveConfig(w http.ResponseWriter, r *http.Request) error {
	t, ok := trust.TrackerTenantFrom(r.Context())
	if !ok {
		return problems.Unauthorized(trust.ErrNoTenant)
	}
	s, err := currentSession(r)
	if err != nil {
		return err
	}
	org := strings.TrimSpace(r.PostFormValue("org"))
	if len(org) > 39 || strings.ContainsAny(org, " /\\?#@") {
		return problems.Unknown(fmt.Errorf("organization %q: invalid", org))
	}
	a.log.Infow("tenant settings saved", "tenant", t.Host, "org", org)
	return a.pages.Render(w, http.StatusOK, "config", render.ConfigPage{
		Title:     "GitHub settings",
		Host:      t.Host,
		Org:       org,
		CSRFToken: s.CSRFToken,
		Saved:     true,
	})
}
