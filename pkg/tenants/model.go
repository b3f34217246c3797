package tenants

import (
	"net/url"
	"strings"
	"time"
)

// State is the installation state of the add-on on one tracker instance.
type State string

const (
	Installed   State = "installed"
	Enabled     State = "enabled"
	Disabled    State = "disabled"
	Uninstalled State = "uninstalled"
)

// Record is one tracker instance that installed the add-on.
type Record struct {
	Host          string // primary key (acme.atlassian.net)
	SharedSecret  string // verifies requests from / signs requests to this tenant
	ClientKey     string // tracker-assigned id, expected as the JWT issuer
	BaseURL       string
	State         State
	Version       int64 // bumped on every write; compare-and-set guard
	UninstalledAt *time.Time
	UpdatedAt     time.Time
}

// Active reports whether sync operations may run for the tenant.
func (r Record) Active() bool { return r.State == Installed || r.State == Enabled }

// Installation is the bootstrap material delivered by the installed event.
type Installation struct {
	Host         string
	SharedSecret string
	ClientKey    string
	BaseURL      string
}

// next computes the state after applying target to current. Uninstalled absorbs
// enabled/disabled: only a fresh install revives a tenant.
func next(current, target State) State {
	if current == Uninstalled && (target == Enabled || target == Disabled) {
		return Uninstalled
	}
	return target
}

// NormalizeHost turns a host or base URL ("https://acme.example/wiki") into
// the record key. ok is false for values that cannot name a tenant.
func NormalizeHost(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil {
			return "", false
		}
		v = u.Host
	}
	if v == "" || len(v) > 253 || strings.ContainsAny(v, " /\\?#@") {
		return "", false
	}
	return strings.ToLower(v), true
}
