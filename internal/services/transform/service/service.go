// Package service implements the transform worker
package service

import (
	"time"

	"github.com/panjf2000/ants/v2"

	"pulse/internal/modkit/repokit"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/store"
	jdom "pulse/internal/services/jobs/domain"
	trepo "pulse/internal/services/transform/repo"
)

// Config controls the worker
type Config struct {
	Concurrency int
	Batch       int
	LeaseFor    time.Duration
	NackBase    time.Duration
	PollEvery   time.Duration
}

// Svc consumes the transform channel, normalizes raw units into entities,
// and forwards each message to the embedding channel
type Svc struct {
	db      repokit.TxRunner
	binder  repokit.Binder[trepo.Repo]
	repo    trepo.Repo
	queues  queue.Queue
	blobs   store.Blobs
	tracker jdom.TrackerPort
	cfg     Config
	pool    *ants.Pool
	log     logger.Logger
}

// New constructs the transform worker
func New(
	db repokit.TxRunner,
	queues queue.Queue,
	blobs store.Blobs,
	tracker jdom.TrackerPort,
	cfg Config,
) (*Svc, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 32
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 60 * time.Second
	}
	if cfg.NackBase <= 0 {
		cfg.NackBase = 5 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	b := trepo.NewPG()
	return &Svc{
		db:      db,
		binder:  b,
		repo:    b.Bind(db),
		queues:  queues,
		blobs:   blobs,
		tracker: tracker,
		cfg:     cfg,
		pool:    pool,
		log:     *logger.Named("transform"),
	}, nil
}

// Close releases the worker pool
func (s *Svc) Close() { s.pool.Release() }
