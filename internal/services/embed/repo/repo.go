// Package repo provides vector persistence on Postgres with pgvector.
//
// Expected schema:
//
//	CREATE TABLE entity_embeddings (
//	    tenant_id   TEXT NOT NULL,
//	    external_id TEXT NOT NULL,
//	    embedding   VECTOR NOT NULL,
//	    model       TEXT NOT NULL DEFAULT '',
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (tenant_id, external_id)
//	);
package repo

import (
	"context"
	"strconv"
	"strings"

	"pulse/internal/modkit/repokit"
	perr "pulse/internal/platform/errors"
)

// Repo is the vector persistence surface
type Repo interface {
	// UpsertVector writes or refreshes the embedding for one entity key
	UpsertVector(ctx context.Context, tenantID, externalID string, vec []float32, model string) error
}

type (
	// PG is a Postgres implementation of the vector repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

// UpsertVector writes or refreshes one embedding row
func (r *queries) UpsertVector(
	ctx context.Context, tenantID, externalID string, vec []float32, model string,
) error {
	if len(vec) == 0 {
		return perr.InvalidArgf("empty vector for %s/%s", tenantID, externalID)
	}
	const sql = `
		INSERT INTO entity_embeddings (tenant_id, external_id, embedding, model, updated_at)
		VALUES ($1, $2, $3::vector, $4, NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE
		SET embedding  = EXCLUDED.embedding,
		    model      = EXCLUDED.model,
		    updated_at = NOW()
	`
	_, err := r.q.Exec(ctx, sql, tenantID, externalID, vectorLiteral(vec), model)
	if err != nil {
		return perr.FromPostgres(err, "upsert embedding")
	}
	return nil
}

// vectorLiteral renders the pgvector input form "[x,y,...]"
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
