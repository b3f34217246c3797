// Package csrf guards state-changing browser requests with a per-session token.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"trackbridge/internal/session"
	"trackbridge/pkg/problems"
)

const (
	FieldName  = "_csrf"
	HeaderName = "X-CSRF-Token"
	tokenBytes = 32
)

var (
	ErrMissing  = errors.New("anti-forgery token missing")
	ErrMismatch = errors.New("anti-forgery token mismatch")
)

// Guard validates tokens on mutating verbs. BypassMethods is an explicit,
// test-only exemption list; it is empty unless configured.
type Guard struct {
	bypass map[string]struct{}
}

func NewGuard(bypassMethods []string) *Guard {
	g := &Guard{bypass: map[string]struct{}{}}
	for _, m := range bypassMethods {
		g.bypass[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	return g
}

// Issue returns the session's token, minting one if needed. It reports whether
// the session changed and must be saved.
func (g *Guard) Issue(s *session.Session) (string, bool, error) {
	if s.CSRFToken != "" {
		return s.CSRFToken, false, nil
	}
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", false, err
	}
	s.CSRFToken = base64.RawURLEncoding.EncodeToString(b)
	return s.CSRFToken, true, nil
}

// Check fails closed with Forbidden when a mutating request does not carry the
// token bound to s.
func (g *Guard) Check(r *http.Request, s *session.Session) error {
	if !mutating(r.Method) {
		return nil
	}
	if _, ok := g.bypass[r.Method]; ok {
		return nil
	}
	got := r.Header.Get(HeaderName)
	if got == "" {
		got = r.PostFormValue(FieldName)
	}
	if got == "" || s == nil || s.CSRFToken == "" {
		return problems.Forbidden(ErrMissing)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.CSRFToken)) != 1 {
		return problems.Forbidden(ErrMismatch)
	}
	return nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
