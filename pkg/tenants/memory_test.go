package tenants

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())

	_, err := s.Get(ctx, "acme.example")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Transition(ctx, "acme.example", Enabled)
	require.ErrorIs(t, err, ErrNotFound)

	r, err := s.Install(ctx, Installation{Host: "acme.example", SharedSecret: "s3cr3t"})
	require.NoError(t, err)
	assert.Equal(t, Installed, r.State)
	assert.Equal(t, "s3cr3t", r.SharedSecret)

	r1, err := s.Transition(ctx, "acme.example", Enabled)
	require.NoError(t, err)
	assert.Equal(t, Enabled, r1.State)

	r2, err := s.Transition(ctx, "acme.example", Enabled)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "replaying a transition is a no-op")
}

func TestMemoryStore_InstallRotatesSecret(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())
	_, err := s.Install(ctx, Installation{Host: "acme.example", SharedSecret: "old"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "acme.example", Uninstalled)
	require.NoError(t, err)

	r, err := s.Install(ctx, Installation{Host: "acme.example", SharedSecret: "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", r.SharedSecret)
	assert.Equal(t, Installed, r.State)
	assert.Nil(t, r.UninstalledAt)
}

func TestMemoryStore_UninstalledAbsorbsLateEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())
	_, _ = s.Install(ctx, Installation{Host: "acme.example", SharedSecret: "x"})
	_, err := s.Transition(ctx, "acme.example", Uninstalled)
	require.NoError(t, err)

	for _, late := range []State{Enabled, Disabled, Uninstalled} {
		r, err := s.Transition(ctx, "acme.example", late)
		require.NoError(t, err)
		assert.Equal(t, Uninstalled, r.State)
	}
}

func TestMemoryStore_ConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())
	_, _ = s.Install(ctx, Installation{Host: "acme.example", SharedSecret: "x"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "acme.example", Enabled)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	r, err := s.Get(ctx, "acme.example")
	require.NoError(t, err)
	assert.Equal(t, Enabled, r.State)
	assert.Equal(t, int64(2), r.Version, "only the first enable writes")
}

func TestJanitor_PurgesOldUninstalled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())
	_, _ = s.Install(ctx, Installation{Host: "gone.example", SharedSecret: "x"})
	_, _ = s.Install(ctx, Installation{Host: "kept.example", SharedSecret: "y"})
	_, _ = s.Transition(ctx, "gone.example", Uninstalled)

	j := &Janitor{Store: s, Log: zap.NewNop().Sugar(), Retain: time.Hour, now: func() time.Time { return time.Now().Add(2 * time.Hour) }}
	n, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "gone.example")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "kept.example")
	assert.NoError(t, err)
}

func TestMemoryStoreFromEnv_Seed(t *testing.T) {
	t.Setenv("TENANT_SEED_JSON", `[{"host":"Seed.Example","secret":"abc"}]`)
	s := NewMemoryStoreFromEnv(zap.NewNop().Sugar())
	r, err := s.Get(context.Background(), "seed.example")
	require.NoError(t, err)
	assert.Equal(t, "abc", r.SharedSecret)
}

func TestMemoryStore_CancelledContextWritesNothing(t *testing.T) {
	s := NewMemoryStore(zap.NewNop().Sugar())
	_, err := s.Install(context.Background(), Installation{Host: "acme.example", SharedSecret: "s3cr3t"})
	require.NoError(t, err)
	before, err := s.Get(context.Background(), "acme.example")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Transition(ctx, "acme.example", Disabled)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Install(ctx, Installation{Host: "acme.example", SharedSecret: "rotated"})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Install(ctx, Installation{Host: "new.example", SharedSecret: "x"})
	assert.ErrorIs(t, err, context.Canceled)

	after, err := s.Get(context.Background(), "acme.example")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = s.Get(context.Background(), "new.example")
	assert.ErrorIs(t, err, ErrNotFound)
}
