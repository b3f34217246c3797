// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memStore struct {
	log    *zap.SugaredLogger
	mu     sync.Mutex
	byHost map[string]Record
	now    func() time.Time
}

func NewMemoryStore(log *zap.SugaredLogger) Store {
	return &memStore{log: log, byHost: map[string]Record{}, now: time.Now}
}

// NewMemoryStoreFromEnv seeds installed tenants from TENANT_SEED_JSON:
// [{"host":"acme.example","secret":"...","client_key":"..."}]
func NewMemoryStoreFromEnv(log *zap.SugaredLogger) Store {
	s := &memStore{log: log, byHost: map[string]Record{}, now: time.Now}
	seed := os.Getenv("TENANT_SEED_JSON")
	if seed == "" {
		return s
	}
	var entries []struct {
		Host      string `json:"host"`
		Secret    string `json:"secret"`
		ClientKey string `json:"client_key"`
		BaseURL   string `json:"base_url"`
	}
	if err := json.Unmarshal([]byte(seed), &entries); err != nil {
		log.Warnw("tenant seed ignored", "err", err)
		return s
	}
	for _, e := range entries {
		host, ok := NormalizeHost(e.Host)
		if !ok {
			log.Warnw("tenant seed entry ignored", "host", e.Host)
			continue
		}
		_, _ = s.Install(context.Background(), Installation{Host: host, SharedSecret: e.Secret, ClientKey: e.ClientKey, BaseURL: e.BaseURL})
	}
	return s
}

func (m *memStore) Get(ctx context.Context, host string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byHost[host]; ok {
		return r, nil
	}
	return Record{}, ErrNotFound
}

func (m *memStore) Install(ctx context.Context, in Installation) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.byHost[in.Host]
	r.Host = in.Host
	r.SharedSecret = in.SharedSecret
	r.ClientKey = in.ClientKey
	r.BaseURL = in.BaseURL
	r.State = Installed
	r.UninstalledAt = nil
	r.Version++
	r.UpdatedAt = m.now()
	m.byHost[in.Host] = r
	return r, nil
}

func (m *memStore) Transition(ctx context.Context, host string, target State) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byHost[host]
	if !ok {
		return Record{}, ErrNotFound
	}
	to := next(r.State, target)
	if to == r.State {
		return r, nil
	}
	r.State = to
	if to == Uninstalled {
		t := m.now()
		r.UninstalledAt = &t
	}
	r.Version++
	r.UpdatedAt = m.now()
	m.byHost[host] = r
	return r, nil
}

func (m *memStore) PurgeUninstalled(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h, r := range m.byHost {
		if r.State == Uninstalled && r.UninstalledAt != nil && r.UninstalledAt.Before(cutoff) {
			delete(m.byHost, h)
			n++
		}
	}
	return n, nil
}
