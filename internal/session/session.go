package session

import (
	"context"
	"errors"
	"time"
)

const (
	CookieName = "bridge.sid"
	// MaxAge is absolute: the cookie and the stored record are dated from
	// creation and never extended by activity.
	MaxAge = 30 * 24 * time.Hour
)

var ErrNotFound = errors.New("session not found")

// Grant is the GitHub OAuth grant obtained at the end of the login handshake.
type Grant struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry,omitempty"` // zero when GitHub issued a non-expiring token
}

// Valid reports whether the grant is present and not expired at now.
func (g *Grant) Valid(now time.Time) bool {
	if g == nil || g.AccessToken == "" {
		return false
	}
	return g.Expiry.IsZero() || now.Before(g.Expiry)
}

// Session is the per-browser record behind the signed cookie.
type Session struct {
	ID string `json:"id"`
	// TenantHost is the tracker instance this browser acts for. Overwritten by a
	// later tenant-identifying request, cleared only by explicit logout.
	TenantHost string `json:"tenant_host,omitempty"`
	// OAuthState and ReturnTo live only for the duration of the login handshake.
	OAuthState string    `json:"oauth_state,omitempty"`
	ReturnTo   string    `json:"return_to,omitempty"`
	GitHub     *Grant    `json:"github,omitempty"`
	CSRFToken  string    `json:"csrf_token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	isNew bool
}

// IsNew reports whether the session has not been persisted yet.
func (s *Session) IsNew() bool { return s.isNew }

// ClearHandshake drops the transient OAuth state.
func (s *Session) ClearHandshake() {
	s.OAuthState = ""
	s.ReturnTo = ""
}

type Store interface {
	// Get returns the stored session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Put stores s for ttl, the remaining absolute lifetime of the session.
	Put(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session bound to the request, nil if none was loaded.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
