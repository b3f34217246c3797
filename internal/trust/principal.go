package trust

import "context"

// Domain is the trust domain a route requires.
type Domain int

const (
	// Public routes carry no credential; the principal is None.
	Public Domain = iota
	GitHubSession
	TrackerWebhook
	TrackerSessionBound
)

func (d Domain) String() string {
	switch d {
	case GitHubSession:
		return "github_session"
	case TrackerWebhook:
		return "tracker_webhook"
	case TrackerSessionBound:
		return "tracker_session_bound"
	default:
		return "public"
	}
}

// browser reports whether requests in d originate from a session-backed page.
func (d Domain) browser() bool { return d == GitHubSession || d == TrackerSessionBound }

// Principal is the identity validated for one request. Exactly one variant is
// attached: GitHubUser, TrackerTenant or None.
type Principal interface{ principal() }

// GitHubUser is a browser holding a verified GitHub OAuth grant.
type GitHubUser struct {
	Token string
	Login string
}

// TrackerTenant is a request acting for one tracker instance.
type TrackerTenant struct {
	Host string
}

type None struct{}

func (GitHubUser) principal()    {}
func (TrackerTenant) principal() {}
func (None) principal()          {}

type principalKey struct{}
type domainKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the request principal, None when nothing was attached.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return None{}
}

// GitHubUserFrom returns the GitHub principal of a GitHubSession route.
func GitHubUserFrom(ctx context.Context) (GitHubUser, bool) {
	u, ok := PrincipalFrom(ctx).(GitHubUser)
	return u, ok
}

// TrackerTenantFrom returns the tenant principal of a tracker route.
func TrackerTenantFrom(ctx context.Context) (TrackerTenant, bool) {
	t, ok := PrincipalFrom(ctx).(TrackerTenant)
	return t, ok
}

func WithDomain(ctx context.Context, d Domain) context.Context {
	return context.WithValue(ctx, domainKey{}, d)
}

// DomainFrom returns the trust domain declared by the route serving ctx.
func DomainFrom(ctx context.Context) Domain {
	d, _ := ctx.Value(domainKey{}).(Domain)
	return d
}
