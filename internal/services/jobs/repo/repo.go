// Package repo provides the job tracker persistence on Postgres.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//	    id             UUID PRIMARY KEY,
//	    tenant_id      TEXT NOT NULL,
//	    token          UUID NOT NULL,
//	    status         TEXT NOT NULL DEFAULT 'READY',
//	    old_watermark  TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
//	    new_watermark  TIMESTAMPTZ NOT NULL,
//	    reset_deadline TIMESTAMPTZ NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX jobs_tenant_status_idx ON jobs (tenant_id, status);
//
//	CREATE TABLE job_steps (
//	    job_id       UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
//	    step         TEXT NOT NULL,
//	    step_order   INT  NOT NULL,
//	    display_name TEXT NOT NULL,
//	    extraction   TEXT NOT NULL DEFAULT 'idle',
//	    transform    TEXT NOT NULL DEFAULT 'idle',
//	    embedding    TEXT NOT NULL DEFAULT 'idle',
//	    PRIMARY KEY (job_id, step)
//	);
//
//	CREATE TABLE integrations (
//	    tenant_id            TEXT PRIMARY KEY,
//	    tokens_csv           TEXT NOT NULL DEFAULT '',
//	    watermark            TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
//	    interval_minutes     INT NOT NULL DEFAULT 60,
//	    next_run_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    consecutive_failures INT NOT NULL DEFAULT 0,
//	    enabled              BOOLEAN NOT NULL DEFAULT TRUE
//	);
package repo

import (
	"context"
	"fmt"
	"time"

	"pulse/internal/modkit/repokit"
	perr "pulse/internal/platform/errors"
	"pulse/internal/services/jobs/domain"
)

// Repo is the job tracker persistence surface used by the service layer
type Repo interface {
	Insert(ctx context.Context, j domain.Job, steps []domain.StepState) error
	Get(ctx context.Context, jobID string) (domain.Job, error)
	Steps(ctx context.Context, jobID string) ([]domain.StepState, error)

	// SetStepStage moves one (step, stage) cell to a new status, but only
	// when the current status is one of from. Reports whether a row moved
	SetStepStage(
		ctx context.Context, jobID, step, stage string,
		to domain.StageStatus, from []domain.StageStatus,
	) (bool, error)

	StartReady(ctx context.Context, tenantID string, resetDeadline time.Time) (domain.Job, error)
	StuckJobIDs(ctx context.Context, now time.Time) ([]string, error)
	ResetJob(ctx context.Context, jobID, token string) error
	TenantsWithActiveJob(ctx context.Context) (map[string]bool, error)

	// FinishJob moves a RUNNING job to FINISHED and promotes its watermark
	// to the tenant's integration, scheduling the next regular run
	FinishJob(ctx context.Context, jobID string) (bool, error)

	// FailJob moves a RUNNING job to FAILED and schedules a fast retry
	// until maxFastRetries consecutive failures, then the regular interval
	FailJob(ctx context.Context, jobID string, retryAfter time.Duration, maxFastRetries int) (bool, error)
}

type (
	// PG is a Postgres implementation of the job tracker repo
	PG      struct{}
	queries struct{ q repokit.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() repokit.Binder[Repo] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q repokit.Queryer) Repo { return &queries{q: q} }

const jobCols = `id, tenant_id, token, status, old_watermark, new_watermark, reset_deadline, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Token, &j.Status,
		&j.OldWatermark, &j.NewWatermark, &j.ResetDeadline,
		&j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// Insert writes the job row and its step rows
func (r *queries) Insert(ctx context.Context, j domain.Job, steps []domain.StepState) error {
	const jobSQL = `
		INSERT INTO jobs (id, tenant_id, token, status, old_watermark, new_watermark, reset_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := r.q.Exec(ctx, jobSQL,
		j.ID, j.TenantID, j.Token, j.Status,
		j.OldWatermark, j.NewWatermark, j.ResetDeadline,
	); err != nil {
		return perr.FromPostgres(err, "insert job")
	}

	const stepSQL = `
		INSERT INTO job_steps (job_id, step, step_order, display_name)
		VALUES ($1, $2, $3, $4)
	`
	for _, s := range steps {
		if _, err := r.q.Exec(ctx, stepSQL, j.ID, s.Step, s.Order, s.DisplayName); err != nil {
			return perr.FromPostgres(err, "insert job step")
		}
	}
	return nil
}

// Get loads one job by id
func (r *queries) Get(ctx context.Context, jobID string) (domain.Job, error) {
	row := r.q.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if perr.IsNoRows(err) {
			return domain.Job{}, perr.NotFoundf("job %s", jobID)
		}
		return domain.Job{}, perr.FromPostgres(err, "get job")
	}
	return j, nil
}

// Steps loads the step rows for a job in step order
func (r *queries) Steps(ctx context.Context, jobID string) ([]domain.StepState, error) {
	const sql = `
		SELECT step, step_order, display_name, extraction, transform, embedding
		FROM job_steps
		WHERE job_id = $1
		ORDER BY step_order
	`
	rows, err := r.q.Query(ctx, sql, jobID)
	if err != nil {
		return nil, perr.FromPostgres(err, "job steps")
	}
	defer rows.Close()

	var out []domain.StepState
	for rows.Next() {
		var s domain.StepState
		if err := rows.Scan(&s.Step, &s.Order, &s.DisplayName, &s.Extraction, &s.Transform, &s.Embedding); err != nil {
			return nil, perr.FromPostgres(err, "scan job step")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.FromPostgres(err, "job steps rows")
	}
	return out, nil
}

// stageCol whitelists the stage column name; the stage value comes off the
// wire so it must never be spliced into SQL unchecked
func stageCol(stage string) (string, error) {
	switch stage {
	case "extraction", "transform", "embedding":
		return stage, nil
	}
	return "", perr.InvalidArgf("unknown stage %q", stage)
}

// SetStepStage performs the compare-and-set stage transition
func (r *queries) SetStepStage(
	ctx context.Context, jobID, step, stage string,
	to domain.StageStatus, from []domain.StageStatus,
) (bool, error) {
	col, err := stageCol(stage)
	if err != nil {
		return false, err
	}
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	sql := fmt.Sprintf(
		`UPDATE job_steps SET %s = $3 WHERE job_id = $1 AND step = $2 AND %s = ANY($4)`,
		col, col,
	)
	tag, err := r.q.Exec(ctx, sql, jobID, step, string(to), allowed)
	if err != nil {
		return false, perr.FromPostgres(err, "set step stage")
	}
	return tag.RowsAffected() > 0, nil
}

// StartReady promotes the tenant's oldest READY job unless one is RUNNING
func (r *queries) StartReady(
	ctx context.Context, tenantID string, resetDeadline time.Time,
) (domain.Job, error) {
	const sql = `
		UPDATE jobs SET status = 'RUNNING', reset_deadline = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE tenant_id = $1
			  AND status = 'READY'
			  AND NOT EXISTS (
				SELECT 1 FROM jobs r WHERE r.tenant_id = $1 AND r.status = 'RUNNING'
			  )
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobCols
	j, err := scanJob(r.q.QueryRow(ctx, sql, tenantID, resetDeadline))
	if err != nil {
		if perr.IsNoRows(err) {
			return domain.Job{}, perr.NotFoundf("no startable job for tenant %s", tenantID)
		}
		return domain.Job{}, perr.FromPostgres(err, "start ready job")
	}
	return j, nil
}

// StuckJobIDs lists RUNNING jobs past their reset deadline
func (r *queries) StuckJobIDs(ctx context.Context, now time.Time) ([]string, error) {
	const sql = `
		SELECT id FROM jobs
		WHERE status = 'RUNNING' AND reset_deadline < $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.q.Query(ctx, sql, now)
	if err != nil {
		return nil, perr.FromPostgres(err, "stuck jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, perr.FromPostgres(err, "scan stuck job")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetJob puts a job back to READY with a fresh token and idle steps
func (r *queries) ResetJob(ctx context.Context, jobID, token string) error {
	const jobSQL = `
		UPDATE jobs SET status = 'READY', token = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`
	if _, err := r.q.Exec(ctx, jobSQL, jobID, token); err != nil {
		return perr.FromPostgres(err, "reset job")
	}
	const stepSQL = `
		UPDATE job_steps
		SET extraction = 'idle', transform = 'idle', embedding = 'idle'
		WHERE job_id = $1
	`
	if _, err := r.q.Exec(ctx, stepSQL, jobID); err != nil {
		return perr.FromPostgres(err, "reset job steps")
	}
	return nil
}

// TenantsWithActiveJob lists tenants holding a READY or RUNNING job
func (r *queries) TenantsWithActiveJob(ctx context.Context) (map[string]bool, error) {
	const sql = `SELECT DISTINCT tenant_id FROM jobs WHERE status IN ('READY', 'RUNNING')`
	rows, err := r.q.Query(ctx, sql)
	if err != nil {
		return nil, perr.FromPostgres(err, "active tenants")
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, perr.FromPostgres(err, "scan active tenant")
		}
		out[t] = true
	}
	return out, rows.Err()
}

// FinishJob finalizes a RUNNING job and promotes the watermark
func (r *queries) FinishJob(ctx context.Context, jobID string) (bool, error) {
	const jobSQL = `
		UPDATE jobs SET status = 'FINISHED', updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING tenant_id, new_watermark
	`
	var tenantID string
	var wm time.Time
	if err := r.q.QueryRow(ctx, jobSQL, jobID).Scan(&tenantID, &wm); err != nil {
		if perr.IsNoRows(err) {
			return false, nil
		}
		return false, perr.FromPostgres(err, "finish job")
	}

	const intSQL = `
		UPDATE integrations
		SET watermark = $2,
		    consecutive_failures = 0,
		    next_run_at = NOW() + make_interval(mins => interval_minutes)
		WHERE tenant_id = $1
	`
	if _, err := r.q.Exec(ctx, intSQL, tenantID, wm); err != nil {
		return false, perr.FromPostgres(err, "promote watermark")
	}
	return true, nil
}

// FailJob finalizes a RUNNING job as FAILED and schedules the retry
func (r *queries) FailJob(
	ctx context.Context, jobID string, retryAfter time.Duration, maxFastRetries int,
) (bool, error) {
	const jobSQL = `
		UPDATE jobs SET status = 'FAILED', updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING tenant_id
	`
	var tenantID string
	if err := r.q.QueryRow(ctx, jobSQL, jobID).Scan(&tenantID); err != nil {
		if perr.IsNoRows(err) {
			return false, nil
		}
		return false, perr.FromPostgres(err, "fail job")
	}

	const intSQL = `
		UPDATE integrations
		SET consecutive_failures = consecutive_failures + 1,
		    next_run_at = CASE
			WHEN consecutive_failures + 1 <= $3 THEN NOW() + $2::interval
			ELSE NOW() + make_interval(mins => interval_minutes)
		    END
		WHERE tenant_id = $1
	`
	if _, err := r.q.Exec(ctx, intSQL, tenantID, retryAfter.String(), maxFastRetries); err != nil {
		return false, perr.FromPostgres(err, "schedule retry")
	}
	return true, nil
}
