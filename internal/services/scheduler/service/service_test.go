package service

import (
	"context"
	"testing"
	"time"

	"pulse/internal/core/envelope"
	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/testkit"
	jdom "pulse/internal/services/jobs/domain"
)

type fakeQueue struct {
	enqueued map[queue.Channel][][]byte
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, ch queue.Channel, payload []byte) error {
	if q.err != nil {
		return q.err
	}
	if q.enqueued == nil {
		q.enqueued = map[queue.Channel][][]byte{}
	}
	q.enqueued[ch] = append(q.enqueued[ch], payload)
	return nil
}

func (q *fakeQueue) Lease(context.Context, queue.Channel, int, time.Duration) ([]queue.Message, error) {
	return nil, nil
}

func (q *fakeQueue) Ack(context.Context, int64) error                    { return nil }
func (q *fakeQueue) Nack(context.Context, int64, time.Duration, string) (bool, error) {
	return false, nil
}

func (q *fakeQueue) Stats(context.Context, queue.Channel) (queue.Stats, error) {
	return queue.Stats{}, nil
}

type fakeRepo struct {
	due   []jdom.Integration
	ready []string
}

func (r *fakeRepo) DueIntegrations(context.Context, int) ([]jdom.Integration, error) {
	return r.due, nil
}

func (r *fakeRepo) TenantsWithReady(context.Context) ([]string, error) { return r.ready, nil }

type fakeJobs struct {
	active   map[string]bool
	created  []jdom.Job
	started  []string
	resets   int
	startJob map[string]jdom.Job
}

func (j *fakeJobs) CreateJob(_ context.Context, tenantID, token string, oldWM, newWM, deadline time.Time) (jdom.Job, error) {
	job := jdom.Job{
		ID:            "job-" + tenantID,
		TenantID:      tenantID,
		Token:         token,
		Status:        jdom.JobReady,
		OldWatermark:  oldWM,
		NewWatermark:  newWM,
		ResetDeadline: deadline,
	}
	j.created = append(j.created, job)
	return job, nil
}

func (j *fakeJobs) StartReady(_ context.Context, tenantID string, _ time.Time) (jdom.Job, error) {
	job, ok := j.startJob[tenantID]
	if !ok {
		return jdom.Job{}, perr.NotFoundf("no ready job for %s", tenantID)
	}
	j.started = append(j.started, tenantID)
	return job, nil
}

func (j *fakeJobs) ResetStuck(context.Context, time.Time, func() string) (int, error) {
	j.resets++
	return 0, nil
}

func (j *fakeJobs) TenantsWithActiveJob(context.Context) (map[string]bool, error) {
	return j.active, nil
}

func newTestSvc(repo *fakeRepo, jobs *fakeJobs) (*Svc, *fakeQueue) {
	q := &fakeQueue{}
	s := &Svc{
		repo:   repo,
		queues: q,
		jobs:   jobs,
		cfg:    Config{SweepEvery: time.Second, RunFor: 30 * time.Minute, DueBatch: 50},
		log:    *logger.Named("scheduler"),
		now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return s, q
}

func TestSweep_CreatesJobsForDueIntegrations(t *testing.T) {
	wm := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepo{due: []jdom.Integration{
		{TenantID: "t1", Watermark: wm, Enabled: true},
		{TenantID: "t2", Enabled: true},
	}}
	jobs := &fakeJobs{active: map[string]bool{"t2": true}}
	s, _ := newTestSvc(repo, jobs)

	s.Sweep(context.Background())

	if jobs.resets != 1 {
		t.Fatalf("every sweep runs the stuck reclaim, got %d", jobs.resets)
	}
	if len(jobs.created) != 1 {
		t.Fatalf("tenants with an active job must be skipped, created=%v", jobs.created)
	}
	job := jobs.created[0]
	if job.TenantID != "t1" || job.Token == "" {
		t.Fatalf("created job malformed: %+v", job)
	}
	if !job.OldWatermark.Equal(wm) {
		t.Fatalf("old watermark must come from the integration, got %v", job.OldWatermark)
	}
	if !job.NewWatermark.Equal(s.now()) {
		t.Fatalf("new watermark is the job creation instant, got %v", job.NewWatermark)
	}
	if !job.ResetDeadline.Equal(s.now().Add(30 * time.Minute)) {
		t.Fatalf("reset deadline = %v", job.ResetDeadline)
	}
}

func TestSweep_StartsReadyAndSeedsExtraction(t *testing.T) {
	job := jdom.Job{
		ID:           "7c6d5e4f-3a2b-4c1d-9e8f-0a1b2c3d4e5f",
		TenantID:     "t1",
		Token:        "tok-fresh",
		Status:       jdom.JobRunning,
		OldWatermark: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		NewWatermark: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	repo := &fakeRepo{ready: []string{"t1", "t-none"}}
	jobs := &fakeJobs{startJob: map[string]jdom.Job{"t1": job}}
	s, q := newTestSvc(repo, jobs)

	s.Sweep(context.Background())

	if len(jobs.started) != 1 || jobs.started[0] != "t1" {
		t.Fatalf("started = %v; tenants without a ready job are skipped quietly", jobs.started)
	}

	seeds := q.enqueued[queue.ChannelExtraction]
	if len(seeds) != 1 {
		t.Fatalf("expected one seed message, got %d", len(seeds))
	}
	env, err := envelope.Decode(seeds[0], envelope.StageExtraction)
	testkit.MustNoErr(t, err)
	if env.ItemType != envelope.ItemTypePageRequest || env.Step != envelope.StepRepositories {
		t.Fatalf("seed malformed: type=%q step=%q", env.ItemType, env.Step)
	}
	if env.Request.Listing != paging.ListingRepos || env.Request.Cursor != "" {
		t.Fatalf("seed must request the first repositories page: %+v", env.Request)
	}
	if env.Token != "tok-fresh" || env.JobID != job.ID {
		t.Fatalf("seed correlation wrong: token=%q job=%q", env.Token, env.JobID)
	}
	if !env.NewWatermark.Equal(job.NewWatermark) {
		t.Fatalf("watermarks must ride the seed: %v", env.NewWatermark)
	}
}

func TestSweep_SeedFailureLeavesJobForReclaim(t *testing.T) {
	job := jdom.Job{
		ID:       "7c6d5e4f-3a2b-4c1d-9e8f-0a1b2c3d4e5f",
		TenantID: "t1", Token: "tok-1", Status: jdom.JobRunning,
		NewWatermark: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	repo := &fakeRepo{ready: []string{"t1"}}
	jobs := &fakeJobs{startJob: map[string]jdom.Job{"t1": job}}
	s, q := newTestSvc(repo, jobs)
	q.err = perr.Unavailablef("queue down")

	testkit.MustNotPanic(t, func() { s.Sweep(context.Background()) })

	if len(q.enqueued) != 0 {
		t.Fatalf("seed should not have been recorded")
	}
}
