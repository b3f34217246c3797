// Package webhook authenticates and applies tracker lifecycle events.
//
// The installed event is accepted on structural validation alone: the shared
// secret arrives inside that very payload, so there is nothing on file to verify
// a signature against. This bootstrap trust gap is accepted; every later event
// must be signed with the secret it delivered.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"trackbridge/internal/trust"
	"trackbridge/pkg/connectjwt"
	"trackbridge/pkg/problems"
	"trackbridge/pkg/tenants"
)

const maxPayload = 1 << 20

var (
	ErrBadPayload   = errors.New("malformed lifecycle payload")
	ErrUnknownEvent = errors.New("unknown lifecycle event")
	ErrIssuer       = errors.New("token issuer does not match tenant")
)

// Events are the lifecycle routes, keyed by their URL segment.
var Events = map[string]tenants.State{
	"installed":   tenants.Installed,
	"enabled":     tenants.Enabled,
	"disabled":    tenants.Disabled,
	"uninstalled": tenants.Uninstalled,
}

// Payload is the lifecycle event body. The tracker names the secret
// sharedSecret; secret is accepted as well.
type Payload struct {
	Host         string `json:"host"`
	Secret       string `json:"secret"`
	SharedSecret string `json:"sharedSecret"`
	ClientKey    string `json:"clientKey"`
	BaseURL      string `json:"baseUrl"`
	EventType    string `json:"eventType"`
}

func (p Payload) secret() string {
	if p.Secret != "" {
		return p.Secret
	}
	return p.SharedSecret
}

// host resolves the tenant key from host, falling back to baseUrl.
func (p Payload) host() (string, bool) {
	if p.Host != "" {
		return tenants.NormalizeHost(p.Host)
	}
	if p.BaseURL != "" {
		return tenants.NormalizeHost(p.BaseURL)
	}
	return "", false
}

// Service is the lifecycle webhook authenticator and handler.
type Service struct {
	store  tenants.Store
	log    *zap.SugaredLogger
	events *prometheus.CounterVec
}

func New(store tenants.Store, log *zap.SugaredLogger, reg prometheus.Registerer) *Service {
	return &Service{
		store: store,
		log:   log,
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_lifecycle_events_total",
			Help: "Tracker lifecycle events by event and outcome.",
		}, []string{"event", "result"}),
	}
}

// Authenticate implements trust.WebhookAuthenticator.
func (s *Service) Authenticate(r *http.Request) (trust.TrackerTenant, error) {
	event := EventOf(r)
	t, err := s.authenticate(r, event)
	if err != nil {
		s.count(event, err)
	}
	return t, err
}

func (s *Service) authenticate(r *http.Request, event string) (trust.TrackerTenant, error) {
	if _, ok := Events[event]; !ok {
		return trust.TrackerTenant{}, problems.NotFound(fmt.Errorf("%w: %q", ErrUnknownEvent, event))
	}
	p, err := ReadPayload(r)
	if err != nil {
		return trust.TrackerTenant{}, problems.Unknown(err)
	}
	if p.EventType != "" && p.EventType != event {
		return trust.TrackerTenant{}, problems.Unknown(fmt.Errorf("%w: eventType %q on %s route", ErrBadPayload, p.EventType, event))
	}
	host, ok := p.host()
	if !ok {
		return trust.TrackerTenant{}, problems.Unknown(fmt.Errorf("%w: no usable host", ErrBadPayload))
	}

	if event == "installed" {
		if p.secret() == "" {
			return trust.TrackerTenant{}, problems.Unknown(fmt.Errorf("%w: no shared secret", ErrBadPayload))
		}
		return trust.TrackerTenant{Host: host}, nil
	}

	rec, err := s.store.Get(r.Context(), host)
	if errors.Is(err, tenants.ErrNotFound) {
		return trust.TrackerTenant{}, problems.NotFound(fmt.Errorf("tenant %s: %w", host, err))
	}
	if err != nil {
		return trust.TrackerTenant{}, problems.Unknown(err)
	}
	tok, err := connectjwt.Verify(r, rec.SharedSecret, false)
	if err != nil {
		return trust.TrackerTenant{}, problems.Unauthorized(err)
	}
	if rec.ClientKey != "" && tok.Issuer() != rec.ClientKey {
		return trust.TrackerTenant{}, problems.Unauthorized(ErrIssuer)
	}
	return trust.TrackerTenant{Host: rec.Host}, nil
}

// Handle applies an authenticated lifecycle event. Replays resolve to the same
// end state and succeed.
func (s *Service) Handle(w http.ResponseWriter, r *http.Request) error {
	event := EventOf(r)
	t, ok := trust.TrackerTenantFrom(r.Context())
	if !ok {
		return problems.Unauthorized(errors.New("lifecycle event without tenant principal"))
	}
	rec, err := s.apply(r, event, t.Host)
	if err != nil {
		// the janitor can purge the record between authenticate and apply
		if errors.Is(err, tenants.ErrNotFound) {
			err = problems.NotFound(fmt.Errorf("tenant %s: %w", t.Host, err))
		} else {
			err = problems.Unknown(err)
		}
		s.count(event, err)
		return err
	}
	s.count(event, nil)
	s.log.Infow("lifecycle event applied", "event", event, "tenant", rec.Host, "state", rec.State, "version", rec.Version)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Service) apply(r *http.Request, event, host string) (tenants.Record, error) {
	if event == "installed" {
		p, err := ReadPayload(r)
		if err != nil {
			return tenants.Record{}, err
		}
		return s.store.Install(r.Context(), tenants.Installation{
			Host:         host,
			SharedSecret: p.secret(),
			ClientKey:    p.ClientKey,
			BaseURL:      p.BaseURL,
		})
	}
	return s.store.Transition(r.Context(), host, Events[event])
}

func (s *Service) count(event string, err error) {
	if _, ok := Events[event]; !ok {
		event = "unknown"
	}
	result := "accepted"
	if err != nil {
		result = problems.KindOf(err).String()
	}
	s.events.WithLabelValues(event, result).Inc()
}

// EventOf returns the lifecycle event named by the route.
func EventOf(r *http.Request) string {
	if ev := chi.URLParam(r, "event"); ev != "" {
		return ev
	}
	return path.Base(r.URL.Path)
}

// ReadPayload decodes the event body and leaves it readable for later stages.
func ReadPayload(r *http.Request) (Payload, error) {
	var p Payload
	if r.Body == nil {
		return p, fmt.Errorf("%w: empty body", ErrBadPayload)
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return p, fmt.Errorf("read lifecycle payload: %w", err)
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return p, nil
}
