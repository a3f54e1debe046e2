// Package repo provides entity persistence on Postgres.
//
// Expected schema:
//
//	CREATE TABLE entities (
//	    id          UUID PRIMARY KEY,
//	    tenant_id   TEXT NOT NULL,
//	    external_id TEXT NOT NULL,
//	    kind        TEXT NOT NULL,
//	    title       TEXT NOT NULL DEFAULT '',
//	    body        TEXT NOT NULL DEFAULT '',
//	    data        JSONB,
//	    revision    INT NOT NULL DEFAULT 1,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    UNIQUE (tenant_id, external_id)
//	);
package repo

import (
	"context"

	"pulse/internal/modkit/repokit"
	perr "pulse/internal/platform/errors"
	"pulse/internal/services/transform/domain"
)

// Repo is the entity persistence surface
type Repo interface {
	// Upsert writes the entity keyed on (tenant_id, external_id), bumping
	// the revision when the row already exists
	Upsert(ctx context.Context, e domain.Entity) error

	// Get loads one entity by its stable key
	Get(ctx context.Context, tenantID, externalID string) (domain.Entity, error)
}

type (
	// PG is a Postgres implementation of the entity repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

// Upsert writes or refreshes one entity
func (r *queries) Upsert(ctx context.Context, e domain.Entity) error {
	const sql = `
		INSERT INTO entities (id, tenant_id, external_id, kind, title, body, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, external_id) DO UPDATE
		SET kind       = EXCLUDED.kind,
		    title      = EXCLUDED.title,
		    body       = EXCLUDED.body,
		    data       = EXCLUDED.data,
		    revision   = entities.revision + 1,
		    updated_at = NOW()
	`
	_, err := r.q.Exec(ctx, sql, e.ID, e.TenantID, e.ExternalID, e.Kind, e.Title, e.Body, e.Data)
	if err != nil {
		return perr.FromPostgres(err, "upsert entity")
	}
	return nil
}

// Get loads one entity by its stable key
func (r *queries) Get(ctx context.Context, tenantID, externalID string) (domain.Entity, error) {
	const sql = `
		SELECT id, tenant_id, external_id, kind, title, body, data, revision, updated_at
		FROM entities
		WHERE tenant_id = $1 AND external_id = $2
	`
	var e domain.Entity
	err := r.q.QueryRow(ctx, sql, tenantID, externalID).Scan(
		&e.ID, &e.TenantID, &e.ExternalID, &e.Kind,
		&e.Title, &e.Body, &e.Data, &e.Revision, &e.UpdatedAt,
	)
	if err != nil {
		if perr.IsNoRows(err) {
			return domain.Entity{}, perr.NotFoundf("entity %s/%s", tenantID, externalID)
		}
		return domain.Entity{}, perr.FromPostgres(err, "get entity")
	}
	return e, nil
}
