package trust

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackbridge/pkg/problems"
)

func fakeGitHub(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"login": "octocat", "id": 1})
	})
	mux.HandleFunc("/user/installations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_count":   1,
			"installations": []map[string]any{{"id": 42}},
		})
	})
	mux.HandleFunc("/slow/user", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubVerifier_Verify(t *testing.T) {
	var calls int32
	srv := fakeGitHub(t, &calls)
	v, err := NewGitHubVerifier(srv.URL, time.Second, srv.Client())
	require.NoError(t, err)

	u, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "octocat", u.Login)
	assert.Equal(t, "good", u.Token)

	_, err = v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second lookup is cached")
}

func TestGitHubVerifier_RejectedToken(t *testing.T) {
	var calls int32
	srv := fakeGitHub(t, &calls)
	v, err := NewGitHubVerifier(srv.URL, time.Second, srv.Client())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrGrantInvalid)
}

func TestGitHubVerifier_TimeoutIsUnknown(t *testing.T) {
	var calls int32
	srv := fakeGitHub(t, &calls)
	v, err := NewGitHubVerifier(srv.URL+"/slow", 50*time.Millisecond, srv.Client())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "good")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGrantInvalid)
	assert.Equal(t, problems.KindUnknown, problems.KindOf(err))
}

func TestGitHubVerifier_VerifyInstallation(t *testing.T) {
	var calls int32
	srv := fakeGitHub(t, &calls)
	v, err := NewGitHubVerifier(srv.URL, time.Second, srv.Client())
	require.NoError(t, err)

	require.NoError(t, v.VerifyInstallation(context.Background(), "good", 42))
	err = v.VerifyInstallation(context.Background(), "good", 7)
	assert.Equal(t, problems.KindForbidden, problems.KindOf(err))
}
