package tenants

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("tenant not found")
	// ErrConflict means the record changed between read and write too many times.
	ErrConflict = errors.New("tenant record update conflict")
)

// maxCASAttempts bounds the optimistic retry loop in Transition.
const maxCASAttempts = 5

type Store interface {
	// Get returns the record for host or ErrNotFound.
	Get(ctx context.Context, host string) (Record, error)
	// Install creates the record, or rotates the secret of an existing one, and
	// moves it to Installed.
	Install(ctx context.Context, in Installation) (Record, error)
	// Transition moves host to target. Re-applying the current state is a no-op.
	Transition(ctx context.Context, host string, target State) (Record, error)
	// PurgeUninstalled deletes records uninstalled before cutoff.
	PurgeUninstalled(ctx context.Context, cutoff time.Time) (int, error)
}
