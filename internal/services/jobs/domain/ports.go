package domain

import (
	"context"
	"time"
)

// TrackerPort is the job state surface the pipeline workers use
type TrackerPort interface {
	// Get loads a job; NotFound when the id is unknown
	Get(ctx context.Context, jobID string) (Job, error)

	// MarkStepRunning flips a (step, stage) from idle to running.
	// Repeated calls are no-ops so redelivered messages stay safe
	MarkStepRunning(ctx context.Context, jobID, step, stage string) error

	// MarkStepFinished flips a (step, stage) to finished unless it already failed
	MarkStepFinished(ctx context.Context, jobID, step, stage string) error

	// MarkStepFailed flips a (step, stage) to failed
	MarkStepFailed(ctx context.Context, jobID, step, stage string) error

	// FinishJob finalizes a RUNNING job as FINISHED and promotes its
	// new watermark to the tenant's integration
	FinishJob(ctx context.Context, jobID string) error

	// FailJob finalizes a RUNNING job as FAILED; the watermark is not promoted
	FailJob(ctx context.Context, jobID string) error
}

// StatusPort serves the job status document
type StatusPort interface {
	Status(ctx context.Context, jobID string) (StatusDoc, error)
}

// SchedulerPort is the surface the scheduler drives job lifecycles through
type SchedulerPort interface {
	// CreateJob inserts a READY job with idle steps for a tenant
	CreateJob(ctx context.Context, tenantID, token string, oldWM, newWM, resetDeadline time.Time) (Job, error)

	// StartReady promotes one READY job to RUNNING for the tenant, refusing
	// while another of the tenant's jobs is RUNNING. Returns the started job
	// or NotFound when there is nothing to start
	StartReady(ctx context.Context, tenantID string, resetDeadline time.Time) (Job, error)

	// ResetStuck reclaims RUNNING jobs past their reset deadline back to
	// READY with fresh step state and a fresh correlation token
	ResetStuck(ctx context.Context, now time.Time, token func() string) (int, error)

	// TenantsWithActiveJob lists tenants that currently hold a READY or
	// RUNNING job
	TenantsWithActiveJob(ctx context.Context) (map[string]bool, error)
}
