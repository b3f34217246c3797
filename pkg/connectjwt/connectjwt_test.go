package connectjwt

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, method, target, secret string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	tok, err := SignRequest(method, r.URL, "client-1", secret)
	require.NoError(t, err)
	r.Header.Set("Authorization", "JWT "+tok)
	return r
}

func TestCanonicalRequest(t *testing.T) {
	u, _ := url.Parse("/events/enabled/?b=2&a=x%20y&a=1&jwt=ignored")
	assert.Equal(t, "POST&/events/enabled&a=1,x%20y&b=2", CanonicalRequest("post", u))

	root, _ := url.Parse("")
	assert.Equal(t, "GET&/&", CanonicalRequest("GET", root))
}

func TestVerify_Valid(t *testing.T) {
	r := signedRequest(t, http.MethodPost, "/events/enabled", "s3cr3t")
	tok, err := Verify(r, "s3cr3t", false)
	require.NoError(t, err)
	assert.Equal(t, "client-1", tok.Issuer())
}

func TestVerify_WrongSecret(t *testing.T) {
	r := signedRequest(t, http.MethodPost, "/events/enabled", "s3cr3t")
	_, err := Verify(r, "wrong", false)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_FlippedSignatureByte(t *testing.T) {
	r := signedRequest(t, http.MethodPost, "/events/enabled", "s3cr3t")
	raw, _ := TokenFrom(r)
	b := []byte(raw)
	last := len(b) - 2
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}
	r.Header.Set("Authorization", "JWT "+string(b))
	_, err := Verify(r, "s3cr3t", false)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_QSHBoundToRequest(t *testing.T) {
	r := signedRequest(t, http.MethodPost, "/events/enabled", "s3cr3t")
	replayed := httptest.NewRequest(http.MethodPost, "/events/disabled", nil)
	replayed.Header.Set("Authorization", r.Header.Get("Authorization"))
	_, err := Verify(replayed, "s3cr3t", false)
	assert.ErrorIs(t, err, ErrQSHMismatch)
}

func TestVerify_ContextQSH(t *testing.T) {
	tok, err := Sign(Claims{Issuer: "client-1", QSH: ContextQSH}, "s3cr3t")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/config?jwt="+tok, nil)

	_, err = Verify(r, "s3cr3t", true)
	assert.NoError(t, err)
	_, err = Verify(r, "s3cr3t", false)
	assert.ErrorIs(t, err, ErrQSHMismatch)
}

func TestVerify_Expired(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/events/enabled", nil)
	past := time.Now().Add(-time.Hour)
	tok, err := Sign(Claims{Issuer: "c", QSH: QSH(r.Method, r.URL), IssuedAt: past, ExpiresAt: past.Add(time.Minute)}, "s3cr3t")
	require.NoError(t, err)
	r.Header.Set("Authorization", "JWT "+tok)
	_, err = Verify(r, "s3cr3t", false)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Missing(t *testing.T) {
	_, err := Verify(httptest.NewRequest(http.MethodPost, "/events/enabled", nil), "s3cr3t", false)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestIssuer(t *testing.T) {
	tok, err := Sign(Claims{Issuer: "client-9"}, "k")
	require.NoError(t, err)
	iss, err := Issuer(tok)
	require.NoError(t, err)
	assert.Equal(t, "client-9", iss)
}
