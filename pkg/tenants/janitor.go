package tenants

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor removes uninstalled tenants once they are older than Retain. Records
// are kept for a while so duplicate or late lifecycle events still resolve.
type Janitor struct {
	Store    Store
	Log      *zap.SugaredLogger
	Retain   time.Duration
	Interval time.Duration
	now      func() time.Time
}

// RunOnce performs a single purge pass.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	n, err := j.Store.PurgeUninstalled(ctx, now().Add(-j.Retain))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.Log.Infow("purged uninstalled tenants", "count", n)
	}
	return n, nil
}

// Run purges on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.Log.Warnw("tenant purge", "err", err)
			}
		}
	}
}
