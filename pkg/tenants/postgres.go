// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgStore implements Store backed by PostgreSQL.
type pgStore struct {
	dbPool *pgxpool.Pool      // Connection pool to PostgreSQL
	log    *zap.SugaredLogger // Logger for diagnostic output
	sealer *Sealer            // nil stores shared secrets unencrypted
}

// NewPostgresStore constructs a PostgreSQL-backed tenant store.
func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger, sealer *Sealer) Store {
	return &pgStore{dbPool: dbPool, log: log, sealer: sealer}
}

// EnsureSchema creates the tenant table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenant_records (
  host text PRIMARY KEY,
  shared_secret text NOT NULL,
  client_key text NOT NULL DEFAULT '',
  base_url text NOT NULL DEFAULT '',
  installation_state text NOT NULL DEFAULT 'installed',
  version bigint NOT NULL DEFAULT 1,
  uninstalled_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tenant_records_uninstalled_idx ON tenant_records(uninstalled_at) WHERE installation_state = 'uninstalled';
`)
	return err
}

const selectRecord = `SELECT host, shared_secret, client_key, base_url, installation_state, version, uninstalled_at, updated_at FROM tenant_records WHERE host=$1`

func (p *pgStore) scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var state string
	if err := row.Scan(&r.Host, &r.SharedSecret, &r.ClientKey, &r.BaseURL, &state, &r.Version, &r.UninstalledAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	secret, err := p.sealer.Open(r.Host, r.SharedSecret)
	if err != nil {
		return Record{}, fmt.Errorf("tenant %s: %w", r.Host, err)
	}
	r.SharedSecret = secret
	r.State = State(state)
	return r, nil
}

// Get fetches a tenant record by host.
func (p *pgStore) Get(ctx context.Context, host string) (Record, error) {
	return p.scanRecord(p.dbPool.QueryRow(ctx, selectRecord, host))
}

// Install upserts the record and rotates its secret. A single statement, so
// concurrent installs for the same host serialize on the row.
func (p *pgStore) Install(ctx context.Context, in Installation) (Record, error) {
	secret, err := p.sealer.Seal(in.Host, in.SharedSecret)
	if err != nil {
		return Record{}, fmt.Errorf("seal secret: %w", err)
	}
	row := p.dbPool.QueryRow(ctx, `
INSERT INTO tenant_records(host, shared_secret, client_key, base_url, installation_state)
VALUES ($1,$2,$3,$4,'installed')
ON CONFLICT (host) DO UPDATE SET
  shared_secret=EXCLUDED.shared_secret,
  client_key=EXCLUDED.client_key,
  base_url=EXCLUDED.base_url,
  installation_state='installed',
  uninstalled_at=NULL,
  version=tenant_records.version+1,
  updated_at=NOW()
RETURNING host, shared_secret, client_key, base_url, installation_state, version, uninstalled_at, updated_at`,
		in.Host, secret, in.ClientKey, in.BaseURL)
	return p.scanRecord(row)
}

// Transition applies target with an optimistic compare-and-set on version.
func (p *pgStore) Transition(ctx context.Context, host string, target State) (Record, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := p.Get(ctx, host)
		if err != nil {
			return Record{}, err
		}
		to := next(cur.State, target)
		if to == cur.State {
			return cur, nil
		}
		row := p.dbPool.QueryRow(ctx, `
UPDATE tenant_records SET
  installation_state=$1,
  uninstalled_at=CASE WHEN $1='uninstalled' THEN NOW() ELSE uninstalled_at END,
  version=version+1,
  updated_at=NOW()
WHERE host=$2 AND version=$3
RETURNING host, shared_secret, client_key, base_url, installation_state, version, uninstalled_at, updated_at`,
			string(to), host, cur.Version)
		r, err := p.scanRecord(row)
		if errors.Is(err, ErrNotFound) {
			p.log.Debugw("tenant cas retry", "host", host, "attempt", attempt+1)
			continue
		}
		return r, err
	}
	return Record{}, fmt.Errorf("%w: host %s", ErrConflict, host)
}

// PurgeUninstalled deletes records uninstalled before cutoff.
func (p *pgStore) PurgeUninstalled(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.dbPool.Exec(ctx, `DELETE FROM tenant_records WHERE installation_state='uninstalled' AND uninstalled_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
