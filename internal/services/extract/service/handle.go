package service

import (
	"context"
	"time"

	gh "pulse/internal/adapters/upstream/github"
	"pulse/internal/core/envelope"
	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	jdom "pulse/internal/services/jobs/domain"
)

func (s *Svc) handle(ctx context.Context, m queue.Message) {
	env, err := envelope.Decode(m.Payload, envelope.StageExtraction)
	if err != nil {
		// malformed messages never become valid on redelivery
		s.log.Error().Err(err).Int64("msg_id", m.ID).Msg("bad extraction message dropped")
		_ = s.queues.Ack(ctx, m.ID)
		return
	}
	ctx = logger.WithJob(ctx, env.JobID, env.TenantID, env.Token)
	log := logger.C(ctx)

	if !s.current(ctx, env) {
		log.Warn().Str("listing", string(env.Request.Listing)).Msg("stale extraction message dropped")
		_ = s.queues.Ack(ctx, m.ID)
		return
	}

	if err := s.process(ctx, env); err != nil {
		if perr.Retryable(err) {
			back := s.cfg.NackBase << uint(min(m.Attempts, 6))
			dead, nackErr := s.queues.Nack(ctx, m.ID, back, err.Error())
			if nackErr != nil {
				log.Error().Err(nackErr).Int64("msg_id", m.ID).Msg("nack failed")
			}
			if !dead {
				log.Warn().Err(err).Dur("backoff", back).Msg("extraction retrying")
				return
			}
			// retries exhausted; the dead-lettered message must still resolve
			// the job through the failure path
			log.Error().Err(err).Int64("msg_id", m.ID).Msg("extraction retries exhausted")
			s.fail(ctx, env, err)
			return
		}
		s.fail(ctx, env, err)
	}
	_ = s.queues.Ack(ctx, m.ID)
}

// current applies the stale-job guard: only messages of the job's live
// attempt, while the job is RUNNING, are processed
func (s *Svc) current(ctx context.Context, env *envelope.Envelope) bool {
	job, err := s.tracker.Get(ctx, env.JobID)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("job lookup failed, dropping message")
		return false
	}
	return job.Status == jdom.JobRunning && job.Token == env.Token
}

func (s *Svc) process(ctx context.Context, env *envelope.Envelope) error {
	req := env.Request
	if err := s.tracker.MarkStepRunning(ctx, env.JobID, env.Step, string(envelope.StageExtraction)); err != nil {
		return err
	}

	page, err := s.fetchPage(ctx, req)
	if err != nil {
		return err
	}

	var (
		reqs  [][]paging.Listing
		repos []gh.RepoSummary
		pulls []gh.PullSummary
	)
	hasNext := page.NextCursor != ""
	switch req.Listing {
	case paging.ListingRepos:
		for _, it := range page.Items {
			r, err := gh.ParseRepo(it)
			if err != nil {
				return err
			}
			repos = append(repos, r)
		}
		// listings arrive newest-first, so the first item older than the
		// previous run's watermark ends the incremental window
		updated := make([]time.Time, len(repos))
		for i, r := range repos {
			updated[i] = r.UpdatedAt
		}
		if n := syncCutoff(updated, env.OldWatermark); n < len(repos) {
			repos = repos[:n]
			page.Items = page.Items[:n]
			hasNext = false
		}
	case paging.ListingPulls:
		for _, it := range page.Items {
			p, err := gh.ParsePull(it)
			if err != nil {
				return err
			}
			pulls = append(pulls, p)
		}
		updated := make([]time.Time, len(pulls))
		for i, p := range pulls {
			updated[i] = p.UpdatedAt
		}
		if n := syncCutoff(updated, env.OldWatermark); n < len(pulls) {
			pulls = pulls[:n]
			page.Items = page.Items[:n]
			hasNext = false
		}
		// the list payload carries no per-kind activity counts, so every
		// nested kind is fetched and empty pages resolve to nothing downstream
		for range pulls {
			reqs = append(reqs, s.cfg.NestedOrder)
		}
	}

	pc := paging.PageContext{
		Listing:    req.Listing,
		FirstOfJob: req.Listing == paging.ListingRepos && req.Cursor == "",
		Items:      len(page.Items),
		HasNext:    hasNext,
		State:      req.State,
	}
	plan := paging.ComputeFlags(pc, reqs, s.cfg.NestedOrder)

	var rawID string
	if len(page.Items) > 0 {
		rawID, err = s.blobs.Put(ctx, string(req.Listing), page.Body)
		if err != nil {
			return err
		}
	}

	for i := range plan.ItemFlags {
		out := env.Forward()
		out.ItemType = paging.UnitType(req.Listing)
		id := rawID
		out.RawID = &id
		out.ItemIndex = i
		out.EntityKey = ""
		out.Flags = plan.ItemFlags[i]
		if err := s.emit(ctx, queue.ChannelTransform, out); err != nil {
			return err
		}
	}

	if plan.Synthetic != nil {
		out := env.Forward()
		out.ItemType = envelope.ItemTypeCompletion
		out.RawID = nil
		out.ItemIndex = 0
		out.EntityKey = ""
		out.Flags = *plan.Synthetic
		if err := s.emit(ctx, queue.ChannelTransform, out); err != nil {
			return err
		}
	}

	for _, n := range plan.Nested {
		childReq := envelope.PageRequest{Listing: n.Listing, State: n.State}
		switch req.Listing {
		case paging.ListingRepos:
			childReq.RepoID = repos[n.ItemIndex].FullName
		case paging.ListingPulls:
			childReq.RepoID = req.RepoID
			childReq.PRNumber = pulls[n.ItemIndex].Number
		}
		out := *env
		out.ItemType = envelope.ItemTypePageRequest
		out.Step = envelope.StepOf(n.Listing)
		out.RawID = nil
		out.ItemIndex = 0
		out.Flags = paging.Flags{}
		out.Request = &childReq
		if err := s.emit(ctx, queue.ChannelExtraction, &out); err != nil {
			return err
		}
	}

	if plan.ReplayPrev {
		if err := s.replayPrev(ctx, env, req); err != nil {
			return err
		}
	}

	if plan.Continuation != nil {
		nextReq := *req
		nextReq.Cursor = page.NextCursor
		nextReq.State = *plan.Continuation
		// record the page's final item so a shrunken trailing page can
		// re-route the terminal through it
		switch {
		case req.Listing == paging.ListingRepos && len(repos) > 0:
			nextReq.State.PrevRepo = repos[len(repos)-1].FullName
		case req.Listing == paging.ListingPulls && len(pulls) > 0:
			nextReq.State.PrevPR = pulls[len(pulls)-1].Number
		}
		out := *env
		out.ItemType = envelope.ItemTypePageRequest
		out.RawID = nil
		out.ItemIndex = 0
		out.Flags = paging.Flags{}
		out.Request = &nextReq
		if err := s.emit(ctx, queue.ChannelExtraction, &out); err != nil {
			return err
		}
	}

	if plan.ExtractionDone {
		if err := s.tracker.MarkStepFinished(ctx, env.JobID, env.Step, string(envelope.StageExtraction)); err != nil {
			return err
		}
	}
	return nil
}

// replayPrev re-issues the fan-out for the preceding page's final item with
// the terminal scope attached. The item's subtree was already queued without
// it, so the replayed chain duplicates some fetches; entity upserts and raw
// writes are keyed, so only the flags differ
func (s *Svc) replayPrev(ctx context.Context, env *envelope.Envelope, req *envelope.PageRequest) error {
	var childReqs []envelope.PageRequest
	switch req.Listing {
	case paging.ListingRepos:
		childReqs = append(childReqs, envelope.PageRequest{
			Listing: paging.ListingPulls,
			RepoID:  req.State.PrevRepo,
			State:   paging.CursorState{LastRepo: true},
		})
	case paging.ListingPulls:
		for k, kind := range s.cfg.NestedOrder {
			childReqs = append(childReqs, envelope.PageRequest{
				Listing:  kind,
				RepoID:   req.RepoID,
				PRNumber: req.State.PrevPR,
				State: paging.CursorState{
					LastRepo:  true,
					LastPR:    true,
					FinalKind: k == len(s.cfg.NestedOrder)-1,
				},
			})
		}
	}
	for i := range childReqs {
		out := *env
		out.ItemType = envelope.ItemTypePageRequest
		out.Step = envelope.StepOf(childReqs[i].Listing)
		out.RawID = nil
		out.ItemIndex = 0
		out.Flags = paging.Flags{}
		out.Request = &childReqs[i]
		if err := s.emit(ctx, queue.ChannelExtraction, &out); err != nil {
			return err
		}
	}
	return nil
}

func (s *Svc) fetchPage(ctx context.Context, req *envelope.PageRequest) (gh.Page, error) {
	switch {
	case req.Listing == paging.ListingRepos:
		return s.up.ListRepositories(ctx, req.Cursor)
	case req.Listing == paging.ListingPulls:
		return s.up.ListPullRequests(ctx, req.RepoID, req.Cursor)
	default:
		return s.up.ListNested(ctx, req.RepoID, req.PRNumber, req.Listing, req.Cursor)
	}
}

// fail marks the step failed and emits the failure-completion so the
// terminal signal still reaches the end of the pipeline
func (s *Svc) fail(ctx context.Context, env *envelope.Envelope, cause error) {
	log := logger.C(ctx)
	log.Error().Err(cause).Str("step", env.Step).Msg("extraction failed permanently")

	if err := s.tracker.MarkStepFailed(ctx, env.JobID, env.Step, string(envelope.StageExtraction)); err != nil {
		log.Error().Err(err).Msg("mark step failed errored")
	}

	out := env.Forward()
	out.ItemType = envelope.ItemTypeCompletion
	out.RawID = nil
	out.ItemIndex = 0
	out.EntityKey = ""
	out.Failed = true
	out.Flags = paging.FailureFlags()
	if err := s.emit(ctx, queue.ChannelTransform, out); err != nil {
		log.Error().Err(err).Msg("emit failure completion errored")
	}
}

func (s *Svc) emit(ctx context.Context, ch queue.Channel, e *envelope.Envelope) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	return s.queues.Enqueue(ctx, ch, b)
}
