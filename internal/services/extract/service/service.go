// Package service implements the extraction worker
package service

import (
	"time"

	"github.com/panjf2000/ants/v2"

	"pulse/internal/core/paging"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/store"
	edom "pulse/internal/services/extract/domain"
	jdom "pulse/internal/services/jobs/domain"
)

// Config controls the worker
type Config struct {
	Concurrency int
	Batch       int
	LeaseFor    time.Duration
	NackBase    time.Duration
	PollEvery   time.Duration
	NestedOrder []paging.Listing
}

// Svc consumes the extraction channel, fetches pages, stores the raw
// payloads, and fans the results out to the transform channel
type Svc struct {
	queues  queue.Queue
	blobs   store.Blobs
	tracker jdom.TrackerPort
	up      edom.UpstreamPort
	cfg     Config
	pool    *ants.Pool
	log     logger.Logger
}

// New constructs the extraction worker
func New(
	queues queue.Queue,
	blobs store.Blobs,
	tracker jdom.TrackerPort,
	up edom.UpstreamPort,
	cfg Config,
) (*Svc, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
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
	if len(cfg.NestedOrder) == 0 {
		cfg.NestedOrder = paging.DefaultNestedOrder
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	return &Svc{
		queues:  queues,
		blobs:   blobs,
		tracker: tracker,
		up:      up,
		cfg:     cfg,
		pool:    pool,
		log:     *logger.Named("extract"),
	}, nil
}

// Close releases the worker pool
func (s *Svc) Close() { s.pool.Release() }

// syncCutoff returns how many leading items of a newest-first listing fall
// inside the sync window. Everything past the cutoff was already covered by
// the run that set the watermark
func syncCutoff(updated []time.Time, watermark time.Time) int {
	if watermark.IsZero() {
		return len(updated)
	}
	for i, u := range updated {
		if u.Before(watermark) {
			return i
		}
	}
	return len(updated)
}
