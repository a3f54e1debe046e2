// Package service implements the job tracker
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse/internal/core/envelope"
	"pulse/internal/modkit/repokit"
	dom "pulse/internal/services/jobs/domain"
	jrepo "pulse/internal/services/jobs/repo"
)

// Service is the full job tracker surface
type Service interface {
	dom.TrackerPort
	dom.StatusPort
	dom.SchedulerPort
}

// Config controls finalization retry scheduling
type Config struct {
	// RetryAfter is the fast-retry delay after a failed job
	RetryAfter time.Duration
	// MaxFastRetries caps fast retries before falling back to the
	// regular interval
	MaxFastRetries int
}

// Svc implements the job tracker on Postgres
type Svc struct {
	db     repokit.TxRunner
	binder repokit.Binder[jrepo.Repo]
	repo   jrepo.Repo
	cfg    Config
}

// New constructs the service
func New(db repokit.TxRunner, cfg Config) *Svc {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 2 * time.Minute
	}
	if cfg.MaxFastRetries <= 0 {
		cfg.MaxFastRetries = 5
	}
	b := jrepo.NewPG()
	return &Svc{db: db, binder: b, repo: b.Bind(db), cfg: cfg}
}

// NewSteps returns the fresh step rows every job starts with
func NewSteps() []dom.StepState {
	return []dom.StepState{
		{
			Step: envelope.StepRepositories, Order: 1, DisplayName: "Repositories",
			Extraction: dom.StageIdle, Transform: dom.StageIdle, Embedding: dom.StageIdle,
		},
		{
			Step: envelope.StepPullRequests, Order: 2, DisplayName: "Pull requests",
			Extraction: dom.StageIdle, Transform: dom.StageIdle, Embedding: dom.StageIdle,
		},
	}
}

// Get loads one job
func (s *Svc) Get(ctx context.Context, jobID string) (dom.Job, error) {
	return s.repo.Get(ctx, jobID)
}

// MarkStepRunning flips a (step, stage) from idle to running
func (s *Svc) MarkStepRunning(ctx context.Context, jobID, step, stage string) error {
	_, err := s.repo.SetStepStage(ctx, jobID, step, stage,
		dom.StageRunning, []dom.StageStatus{dom.StageIdle})
	return err
}

// MarkStepFinished flips a (step, stage) to finished unless it already failed
func (s *Svc) MarkStepFinished(ctx context.Context, jobID, step, stage string) error {
	_, err := s.repo.SetStepStage(ctx, jobID, step, stage,
		dom.StageFinished, []dom.StageStatus{dom.StageIdle, dom.StageRunning})
	return err
}

// MarkStepFailed flips a (step, stage) to failed
func (s *Svc) MarkStepFailed(ctx context.Context, jobID, step, stage string) error {
	_, err := s.repo.SetStepStage(ctx, jobID, step, stage,
		dom.StageFailed, []dom.StageStatus{dom.StageIdle, dom.StageRunning})
	return err
}

// FinishJob finalizes a RUNNING job as FINISHED. A job already finalized by
// a redelivered terminal message is left untouched
func (s *Svc) FinishJob(ctx context.Context, jobID string) error {
	return s.db.Tx(ctx, func(q repokit.Queryer) error {
		_, err := s.binder.Bind(q).FinishJob(ctx, jobID)
		return err
	})
}

// FailJob finalizes a RUNNING job as FAILED and schedules the fast retry
func (s *Svc) FailJob(ctx context.Context, jobID string) error {
	return s.db.Tx(ctx, func(q repokit.Queryer) error {
		_, err := s.binder.Bind(q).FailJob(ctx, jobID, s.cfg.RetryAfter, s.cfg.MaxFastRetries)
		return err
	})
}

// Status builds the job status document
func (s *Svc) Status(ctx context.Context, jobID string) (dom.StatusDoc, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return dom.StatusDoc{}, err
	}
	steps, err := s.repo.Steps(ctx, jobID)
	if err != nil {
		return dom.StatusDoc{}, err
	}
	doc := dom.StatusDoc{
		JobID:         j.ID,
		TenantID:      j.TenantID,
		Overall:       j.Status,
		Token:         j.Token,
		OldWatermark:  j.OldWatermark,
		NewWatermark:  j.NewWatermark,
		ResetDeadline: j.ResetDeadline,
		Steps:         make(map[string]dom.StepDoc, len(steps)),
	}
	for _, st := range steps {
		doc.Steps[st.Step] = dom.StepDoc{
			Order:       st.Order,
			DisplayName: st.DisplayName,
			Extraction:  st.Extraction,
			Transform:   st.Transform,
			Embedding:   st.Embedding,
		}
	}
	return doc, nil
}

// CreateJob inserts a READY job with idle steps
func (s *Svc) CreateJob(
	ctx context.Context, tenantID, token string, oldWM, newWM, resetDeadline time.Time,
) (dom.Job, error) {
	j := dom.Job{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Token:         token,
		Status:        dom.JobReady,
		OldWatermark:  oldWM,
		NewWatermark:  newWM,
		ResetDeadline: resetDeadline,
	}
	err := s.db.Tx(ctx, func(q repokit.Queryer) error {
		return s.binder.Bind(q).Insert(ctx, j, NewSteps())
	})
	if err != nil {
		return dom.Job{}, err
	}
	return j, nil
}

// StartReady promotes one READY job to RUNNING for the tenant
func (s *Svc) StartReady(
	ctx context.Context, tenantID string, resetDeadline time.Time,
) (dom.Job, error) {
	return s.repo.StartReady(ctx, tenantID, resetDeadline)
}

// ResetStuck reclaims RUNNING jobs past their reset deadline
func (s *Svc) ResetStuck(ctx context.Context, now time.Time, token func() string) (int, error) {
	n := 0
	err := s.db.Tx(ctx, func(q repokit.Queryer) error {
		r := s.binder.Bind(q)
		ids, err := r.StuckJobIDs(ctx, now)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.ResetJob(ctx, id, token()); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// TenantsWithActiveJob lists tenants that currently hold a READY or RUNNING job
func (s *Svc) TenantsWithActiveJob(ctx context.Context) (map[string]bool, error) {
	return s.repo.TenantsWithActiveJob(ctx)
}
