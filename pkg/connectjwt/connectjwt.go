// Package connectjwt signs and verifies tracker-issued request tokens: HS256 JWTs
// keyed by the tenant's shared secret and bound to one request through the
// query string hash (qsh) claim.
package connectjwt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// ContextQSH is the fixed qsh used by tokens minted for page contexts rather
	// than for one specific request.
	ContextQSH = "context-qsh"

	qshClaim  = "qsh"
	queryName = "jwt"
	clockSkew = 60 * time.Second
)

var (
	ErrMissingToken = errors.New("missing tracker token")
	ErrInvalidToken = errors.New("invalid tracker token")
	ErrQSHMismatch  = errors.New("qsh mismatch")
)

type Claims struct {
	Issuer    string
	Subject   string
	QSH       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenFrom returns the raw token carried by r ("Authorization: JWT <t>" or ?jwt=).
func TokenFrom(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if len(authz) > 4 && strings.EqualFold(authz[:4], "jwt ") {
		return strings.TrimSpace(authz[4:]), true
	}
	if t := r.URL.Query().Get(queryName); t != "" {
		return t, true
	}
	return "", false
}

// Issuer returns the unverified iss claim; only usable as a lookup hint.
func Issuer(raw string) (string, error) {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return tok.Issuer(), nil
}

// Verify checks the token on r against secret: signature, time claims and qsh.
// allowContextQSH accepts the page-context qsh instead of a request hash.
func Verify(r *http.Request, secret string, allowContextQSH bool) (jwt.Token, error) {
	raw, ok := TokenFrom(r)
	if !ok {
		return nil, ErrMissingToken
	}
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, []byte(secret)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	v, _ := tok.Get(qshClaim)
	got, _ := v.(string)
	if got == ContextQSH && allowContextQSH {
		return tok, nil
	}
	if got == "" || got != QSH(r.Method, r.URL) {
		return nil, ErrQSHMismatch
	}
	return tok, nil
}

// Sign produces an HS256 token for c.
func Sign(c Claims, secret string) (string, error) {
	tok := jwt.New()
	now := time.Now()
	if c.IssuedAt.IsZero() {
		c.IssuedAt = now
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.IssuedAt.Add(3 * time.Minute)
	}
	_ = tok.Set(jwt.IssuerKey, c.Issuer)
	_ = tok.Set(jwt.IssuedAtKey, c.IssuedAt)
	_ = tok.Set(jwt.ExpirationKey, c.ExpiresAt)
	if c.Subject != "" {
		_ = tok.Set(jwt.SubjectKey, c.Subject)
	}
	if c.QSH != "" {
		_ = tok.Set(qshClaim, c.QSH)
	}
	b, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SignRequest signs a token bound to method and u.
func SignRequest(method string, u *url.URL, issuer, secret string) (string, error) {
	return Sign(Claims{Issuer: issuer, QSH: QSH(method, u)}, secret)
}

// QSH computes the query string hash: sha256 of METHOD&path&canonical-query.
func QSH(method string, u *url.URL) string {
	h := sha256.Sum256([]byte(CanonicalRequest(method, u)))
	return hex.EncodeToString(h[:])
}

// CanonicalRequest renders the string the qsh is computed over.
func CanonicalRequest(method string, u *url.URL) string {
	return strings.ToUpper(method) + "&" + canonicalPath(u.Path) + "&" + canonicalQuery(u.Query())
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.ReplaceAll(p, "&", "%26")
}

func canonicalQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		if k == queryName {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for i, v := range vals {
			vals[i] = encode(v)
		}
		parts = append(parts, encode(k)+"="+strings.Join(vals, ","))
	}
	return strings.Join(parts, "&")
}

// encode is RFC 3986 percent-encoding.
func encode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	return strings.ReplaceAll(e, "%7E", "~")
}
