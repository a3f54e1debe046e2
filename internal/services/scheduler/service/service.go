// Package service implements the scheduler: it creates jobs from due
// integrations, starts them, seeds the first extraction message, and
// reclaims jobs that stopped making progress
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse/internal/core/envelope"
	"pulse/internal/core/paging"
	"pulse/internal/modkit/repokit"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	jdom "pulse/internal/services/jobs/domain"
	srepo "pulse/internal/services/scheduler/repo"
)

// Config controls the scheduler
type Config struct {
	SweepEvery time.Duration
	// RunFor is how long a RUNNING job may go before the stuck sweep
	// reclaims it
	RunFor   time.Duration
	DueBatch int
}

// Svc drives job lifecycles
type Svc struct {
	repo   srepo.Repo
	queues queue.Queue
	jobs   jdom.SchedulerPort
	cfg    Config
	log    logger.Logger
	now    func() time.Time
}

// New constructs the scheduler
func New(db repokit.TxRunner, queues queue.Queue, jobs jdom.SchedulerPort, cfg Config) *Svc {
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 15 * time.Second
	}
	if cfg.RunFor <= 0 {
		cfg.RunFor = 30 * time.Minute
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 50
	}
	return &Svc{
		repo:   srepo.NewPG().Bind(db),
		queues: queues,
		jobs:   jobs,
		cfg:    cfg,
		log:    *logger.Named("scheduler"),
		now:    time.Now,
	}
}

// Run starts the sweep loop and blocks until ctx is canceled
func (s *Svc) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full scheduling pass
func (s *Svc) Sweep(ctx context.Context) {
	s.resetStuck(ctx)
	s.createDue(ctx)
	s.startReady(ctx)
}

func (s *Svc) resetStuck(ctx context.Context) {
	n, err := s.jobs.ResetStuck(ctx, s.now(), uuid.NewString)
	if err != nil {
		s.log.Error().Err(err).Msg("reset stuck jobs failed")
		return
	}
	if n > 0 {
		s.log.Warn().Int("jobs", n).Msg("stuck jobs reclaimed")
	}
}

func (s *Svc) createDue(ctx context.Context) {
	due, err := s.repo.DueIntegrations(ctx, s.cfg.DueBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("list due integrations failed")
		return
	}
	if len(due) == 0 {
		return
	}
	active, err := s.jobs.TenantsWithActiveJob(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list active tenants failed")
		return
	}
	now := s.now()
	for _, it := range due {
		// one job per tenant at a time, counting queued READY jobs
		if active[it.TenantID] {
			continue
		}
		token := uuid.NewString()
		job, err := s.jobs.CreateJob(ctx, it.TenantID, token, it.Watermark, now, now.Add(s.cfg.RunFor))
		if err != nil {
			s.log.Error().Err(err).Str("tenant_id", it.TenantID).Msg("create job failed")
			continue
		}
		s.log.Info().
			Str("tenant_id", it.TenantID).
			Str("job_id", job.ID).
			Time("old_watermark", it.Watermark).
			Msg("sync job created")
	}
}

func (s *Svc) startReady(ctx context.Context) {
	tenants, err := s.repo.TenantsWithReady(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list ready tenants failed")
		return
	}
	for _, t := range tenants {
		job, err := s.jobs.StartReady(ctx, t, s.now().Add(s.cfg.RunFor))
		if err != nil {
			if !perr.IsCode(err, perr.ErrorCodeNotFound) {
				s.log.Error().Err(err).Str("tenant_id", t).Msg("start job failed")
			}
			continue
		}
		if err := s.seed(ctx, job); err != nil {
			// the job stays RUNNING without messages; the stuck sweep will
			// reclaim and restart it
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("seed extraction failed")
			continue
		}
		s.log.Info().Str("tenant_id", t).Str("job_id", job.ID).Msg("sync job started")
	}
}

// seed enqueues the job's first extraction request
func (s *Svc) seed(ctx context.Context, job jdom.Job) error {
	env := envelope.Envelope{
		ItemType:     envelope.ItemTypePageRequest,
		Step:         envelope.StepRepositories,
		JobID:        job.ID,
		TenantID:     job.TenantID,
		Token:        job.Token,
		OldWatermark: job.OldWatermark,
		NewWatermark: job.NewWatermark,
		Request:      &envelope.PageRequest{Listing: paging.ListingRepos},
	}
	b, err := env.Encode()
	if err != nil {
		return err
	}
	return s.queues.Enqueue(ctx, queue.ChannelExtraction, b)
}
