package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"trackbridge/pkg/problems"
)

// ErrGrantInvalid means GitHub rejected the token; the browser has to log in again.
var ErrGrantInvalid = errors.New("github grant rejected")

const (
	verifyCacheSize = 4096
	verifyCacheTTL  = 2 * time.Minute
)

// GitHubVerifier validates OAuth access tokens against the GitHub API.
type GitHubVerifier struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	cache   *expirable.LRU[string, string] // sha256(token) -> login
}

func NewGitHubVerifier(apiURL string, timeout time.Duration, hc *http.Client) (*GitHubVerifier, error) {
	if apiURL == "" {
		apiURL = "https://api.github.com/"
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("github api url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GitHubVerifier{
		baseURL: u,
		http:    hc,
		timeout: timeout,
		cache:   expirable.NewLRU[string, string](verifyCacheSize, nil, verifyCacheTTL),
	}, nil
}

func (v *GitHubVerifier) client(token string) *github.Client {
	c := github.NewClient(v.http).WithAuthToken(token)
	c.BaseURL = v.baseURL
	return c
}

// Verify resolves token to its GitHub user. A rejected token is
// ErrGrantInvalid; timeouts and transport failures are Unknown.
func (v *GitHubVerifier) Verify(ctx context.Context, token string) (GitHubUser, error) {
	key := tokenKey(token)
	if login, ok := v.cache.Get(key); ok {
		return GitHubUser{Token: token, Login: login}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	user, _, err := v.client(token).Users.Get(ctx, "")
	if err != nil {
		if status(err) == http.StatusUnauthorized {
			return GitHubUser{}, ErrGrantInvalid
		}
		return GitHubUser{}, problems.Unknown(fmt.Errorf("verify github token: %w", err))
	}
	v.cache.Add(key, user.GetLogin())
	return GitHubUser{Token: token, Login: user.GetLogin()}, nil
}

// VerifyInstallation checks that the GitHub App installation id is visible to
// the user behind token; Forbidden otherwise.
func (v *GitHubVerifier) VerifyInstallation(ctx context.Context, token string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	client := v.client(token)
	opts := &github.ListOptions{PerPage: 100}
	for {
		insts, resp, err := client.Apps.ListUserInstallations(ctx, opts)
		if err != nil {
			switch status(err) {
			case http.StatusUnauthorized:
				return problems.Unauthorized(ErrGrantInvalid)
			case http.StatusForbidden, http.StatusNotFound:
				return problems.Forbidden(err)
			}
			return problems.Unknown(fmt.Errorf("list installations: %w", err))
		}
		for _, inst := range insts {
			if inst.GetID() == id {
				return nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return problems.Forbidden(fmt.Errorf("installation %d not accessible", id))
		}
		opts.Page = resp.NextPage
	}
}

func status(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

func tokenKey(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
