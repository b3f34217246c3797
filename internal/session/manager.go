package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	"trackbridge/pkg/tenants"
)

// tenantParams are the query parameters that name the tracker tenant, in
// order of preference. xdm_e is the base URL the tracker appends to iframe
// URLs; host is the explicit form.
var tenantParams = []string{"host", "xdm_e"}

// Manager binds sessions to requests through a signed cookie carrying the
// session id. Session data lives in the Store.
type Manager struct {
	store Store
	codec *securecookie.SecureCookie
	now   func() time.Time
}

// NewManager builds a manager. An empty hashKey gets a random one, which
// invalidates cookies on restart.
func NewManager(store Store, hashKey, blockKey []byte) *Manager {
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}
	codec := securecookie.New(hashKey, blockKey)
	codec.MaxAge(int(MaxAge / time.Second))
	return &Manager{store: store, codec: codec, now: time.Now}
}

// Load returns the session for r. A missing, tampered or expired cookie yields a
// fresh unsaved session; only store failures are errors.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return m.fresh(), nil
	}
	var id string
	if err := m.codec.Decode(CookieName, c.Value, &id); err != nil {
		return m.fresh(), nil
	}
	s, err := m.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return m.fresh(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !m.now().Before(s.CreatedAt.Add(MaxAge)) {
		_ = m.store.Delete(r.Context(), id)
		return m.fresh(), nil
	}
	return s, nil
}

// Save persists s. The cookie is written only when the session is first saved,
// so its age counts from creation.
func (m *Manager) Save(ctx context.Context, w http.ResponseWriter, s *Session) error {
	remaining := s.CreatedAt.Add(MaxAge).Sub(m.now())
	if remaining <= 0 {
		return fmt.Errorf("save session: expired")
	}
	if err := m.store.Put(ctx, s, remaining); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if !s.isNew {
		return nil
	}
	encoded, err := m.codec.Encode(CookieName, s.ID)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   int(remaining / time.Second),
		Expires:  s.CreatedAt.Add(MaxAge),
	})
	s.isNew = false
	return nil
}

// Destroy removes the session and expires the cookie.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, s *Session) error {
	if err := m.store.Delete(ctx, s.ID); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   -1,
	})
	return nil
}

func (m *Manager) fresh() *Session {
	return &Session{ID: uuid.NewString(), CreatedAt: m.now(), isNew: true}
}

// BindHost records the tenant named by r's query in s, overwriting any previous
// value. It reports whether s changed; absent or malformed parameters are ignored.
func BindHost(r *http.Request, s *Session) bool {
	q := r.URL.Query()
	for _, name := range tenantParams {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		host, ok := tenants.NormalizeHost(raw)
		if !ok {
			return false
		}
		if s.TenantHost == host {
			return false
		}
		s.TenantHost = host
		return true
	}
	return false
}
