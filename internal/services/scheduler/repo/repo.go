// Package repo provides the scheduler's read surface over integrations
// and jobs. The integrations table is documented in services/jobs/repo
package repo

import (
	"context"

	"pulse/internal/modkit/repokit"
	perr "pulse/internal/platform/errors"
	jdom "pulse/internal/services/jobs/domain"
)

// Repo is the scheduler persistence surface
type Repo interface {
	// DueIntegrations lists enabled integrations whose next run is due
	DueIntegrations(ctx context.Context, limit int) ([]jdom.Integration, error)

	// TenantsWithReady lists tenants that hold a READY job
	TenantsWithReady(ctx context.Context) ([]string, error)
}

type (
	// PG is a Postgres implementation of the scheduler repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

// DueIntegrations lists due integrations oldest first
func (r *queries) DueIntegrations(ctx context.Context, limit int) ([]jdom.Integration, error) {
	const sql = `
		SELECT tenant_id, tokens_csv, watermark,
		       make_interval(mins => interval_minutes),
		       next_run_at, consecutive_failures, enabled
		FROM integrations
		WHERE enabled AND next_run_at <= NOW()
		ORDER BY next_run_at
		LIMIT $1
	`
	rows, err := r.q.Query(ctx, sql, limit)
	if err != nil {
		return nil, perr.FromPostgres(err, "due integrations")
	}
	defer rows.Close()

	var out []jdom.Integration
	for rows.Next() {
		var it jdom.Integration
		if err := rows.Scan(
			&it.TenantID, &it.TokensCSV, &it.Watermark,
			&it.Interval, &it.NextRunAt, &it.ConsecutiveFailures, &it.Enabled,
		); err != nil {
			return nil, perr.FromPostgres(err, "scan integration")
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// TenantsWithReady lists tenants holding a READY job
func (r *queries) TenantsWithReady(ctx context.Context) ([]string, error) {
	const sql = `SELECT DISTINCT tenant_id FROM jobs WHERE status = 'READY'`
	rows, err := r.q.Query(ctx, sql)
	if err != nil {
		return nil, perr.FromPostgres(err, "ready tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, perr.FromPostgres(err, "scan ready tenant")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
