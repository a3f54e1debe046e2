package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	gh "pulse/internal/adapters/upstream/github"
	"pulse/internal/core/envelope"
	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/queue"
	"pulse/internal/platform/testkit"
	jdom "pulse/internal/services/jobs/domain"
)

const (
	testJobID = "3b6f2a1c-9d4e-4f0a-b1c2-7e8d9a0b1c2d"
	testToken = "tok-1"
)

type fakeQueue struct {
	enqueued map[queue.Channel][][]byte
	acked    []int64
	nacked   []int64
	backoffs []time.Duration
	deadOn   int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueued: map[queue.Channel][][]byte{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, ch queue.Channel, payload []byte) error {
	q.enqueued[ch] = append(q.enqueued[ch], payload)
	return nil
}

func (q *fakeQueue) Lease(context.Context, queue.Channel, int, time.Duration) ([]queue.Message, error) {
	return nil, nil
}

func (q *fakeQueue) Ack(_ context.Context, id int64) error {
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, id int64, backoff time.Duration, _ string) (bool, error) {
	q.nacked = append(q.nacked, id)
	q.backoffs = append(q.backoffs, backoff)
	return q.deadOn == id, nil
}

func (q *fakeQueue) Stats(context.Context, queue.Channel) (queue.Stats, error) {
	return queue.Stats{}, nil
}

type fakeBlobs struct {
	puts int
	last []byte
}

func (b *fakeBlobs) Put(_ context.Context, kind string, payload []byte) (string, error) {
	b.puts++
	b.last = payload
	return fmt.Sprintf("%s-raw-%d", kind, b.puts), nil
}

func (b *fakeBlobs) Get(context.Context, string) (string, []byte, error) {
	return "", b.last, nil
}

func (b *fakeBlobs) Close() error { return nil }

type fakeTracker struct {
	job    jdom.Job
	getErr error
	marks  []string
}

func (t *fakeTracker) Get(context.Context, string) (jdom.Job, error) {
	return t.job, t.getErr
}

func (t *fakeTracker) mark(verb, step, stage string) error {
	t.marks = append(t.marks, verb+":"+step+":"+stage)
	return nil
}

func (t *fakeTracker) MarkStepRunning(_ context.Context, _, step, stage string) error {
	return t.mark("running", step, stage)
}

func (t *fakeTracker) MarkStepFinished(_ context.Context, _, step, stage string) error {
	return t.mark("finished", step, stage)
}

func (t *fakeTracker) MarkStepFailed(_ context.Context, _, step, stage string) error {
	return t.mark("failed", step, stage)
}

func (t *fakeTracker) FinishJob(context.Context, string) error { return nil }
func (t *fakeTracker) FailJob(context.Context, string) error   { return nil }

type fakeUpstream struct {
	repos  func(cursor string) (gh.Page, error)
	pulls  func(repo, cursor string) (gh.Page, error)
	nested func(repo string, pr int, kind paging.Listing, cursor string) (gh.Page, error)
}

func (u *fakeUpstream) ListRepositories(_ context.Context, cursor string) (gh.Page, error) {
	return u.repos(cursor)
}

func (u *fakeUpstream) ListPullRequests(_ context.Context, repo, cursor string) (gh.Page, error) {
	return u.pulls(repo, cursor)
}

func (u *fakeUpstream) ListNested(_ context.Context, repo string, pr int, kind paging.Listing, cursor string) (gh.Page, error) {
	return u.nested(repo, pr, kind, cursor)
}

func runningJob() jdom.Job {
	return jdom.Job{ID: testJobID, TenantID: "t1", Token: testToken, Status: jdom.JobRunning}
}

func newTestSvc(t *testing.T, up *fakeUpstream) (*Svc, *fakeQueue, *fakeBlobs, *fakeTracker) {
	t.Helper()
	q := newFakeQueue()
	b := &fakeBlobs{}
	tr := &fakeTracker{job: runningJob()}
	s, err := New(q, b, tr, up, Config{NackBase: time.Second})
	testkit.MustNoErr(t, err)
	t.Cleanup(s.Close)
	return s, q, b, tr
}

func pageOf(next string, items ...string) gh.Page {
	p := gh.Page{NextCursor: next, Body: []byte("[raw]")}
	for _, it := range items {
		p.Items = append(p.Items, []byte(it))
	}
	return p
}

func extractionEnv(step string, req envelope.PageRequest) *envelope.Envelope {
	return &envelope.Envelope{
		ItemType:     envelope.ItemTypePageRequest,
		Step:         step,
		JobID:        testJobID,
		TenantID:     "t1",
		Token:        testToken,
		NewWatermark: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Request:      &req,
	}
}

func message(t *testing.T, env *envelope.Envelope, attempts int) queue.Message {
	t.Helper()
	b, err := env.Encode()
	testkit.MustNoErr(t, err)
	return queue.Message{ID: 1, Channel: queue.ChannelExtraction, Payload: b, Attempts: attempts}
}

func decodeAll(t *testing.T, payloads [][]byte, stage envelope.Stage) []*envelope.Envelope {
	t.Helper()
	out := make([]*envelope.Envelope, 0, len(payloads))
	for _, p := range payloads {
		e, err := envelope.Decode(p, stage)
		testkit.MustNoErr(t, err)
		out = append(out, e)
	}
	return out
}

func TestHandle_MalformedMessageDropped(t *testing.T) {
	s, q, _, tr := newTestSvc(t, &fakeUpstream{})

	s.handle(context.Background(), queue.Message{ID: 9, Payload: []byte("{not json")})

	if len(q.acked) != 1 || q.acked[0] != 9 {
		t.Fatalf("malformed message should be acked away, got acks %v", q.acked)
	}
	if len(q.enqueued) != 0 || len(tr.marks) != 0 {
		t.Fatalf("malformed message must not produce work: enq=%v marks=%v", q.enqueued, tr.marks)
	}
}

func TestHandle_StaleTokenDropped(t *testing.T) {
	s, q, _, tr := newTestSvc(t, &fakeUpstream{})
	tr.job.Token = "tok-superseded"

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 0))

	if len(q.acked) != 1 {
		t.Fatalf("stale message should be acked, got %v", q.acked)
	}
	if len(q.enqueued) != 0 || len(tr.marks) != 0 {
		t.Fatalf("stale message must not produce work: enq=%v marks=%v", q.enqueued, tr.marks)
	}
}

func TestHandle_JobNotRunningDropped(t *testing.T) {
	s, q, _, tr := newTestSvc(t, &fakeUpstream{})
	tr.job.Status = jdom.JobFinished

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 0))

	if len(q.acked) != 1 || len(q.enqueued) != 0 {
		t.Fatalf("message for a settled job must be dropped: acks=%v enq=%v", q.acked, q.enqueued)
	}
}

func TestHandle_RetryableErrorNacksWithBackoff(t *testing.T) {
	up := &fakeUpstream{
		repos: func(string) (gh.Page, error) {
			return gh.Page{}, perr.Unavailablef("upstream flapping")
		},
	}
	s, q, _, tr := newTestSvc(t, up)

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 2))

	if len(q.nacked) != 1 {
		t.Fatalf("retryable error should nack, got nacks %v acks %v", q.nacked, q.acked)
	}
	if want := time.Second << 2; q.backoffs[0] != want {
		t.Fatalf("backoff = %v, want %v", q.backoffs[0], want)
	}
	// the step stays running; only permanent errors mark it failed
	for _, m := range tr.marks {
		if m == "failed:repositories:extraction" {
			t.Fatalf("retryable error must not mark step failed: %v", tr.marks)
		}
	}
}

func TestHandle_PermanentErrorEmitsFailureCompletion(t *testing.T) {
	up := &fakeUpstream{
		repos: func(string) (gh.Page, error) {
			return gh.Page{}, perr.Upstreamf("bad credentials")
		},
	}
	s, q, _, tr := newTestSvc(t, up)

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 0))

	if len(q.acked) != 1 {
		t.Fatalf("permanent failure still acks the message, got %v", q.acked)
	}
	found := false
	for _, m := range tr.marks {
		if m == "failed:repositories:extraction" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected step marked failed, marks=%v", tr.marks)
	}

	outs := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(outs) != 1 {
		t.Fatalf("expected exactly one failure completion, got %d", len(outs))
	}
	fc := outs[0]
	if fc.ItemType != envelope.ItemTypeCompletion || !fc.Failed {
		t.Fatalf("failure completion malformed: type=%q failed=%v", fc.ItemType, fc.Failed)
	}
	if !fc.Flags.LastItem || !fc.Flags.LastJobItem {
		t.Fatalf("failure completion must carry the terminal flags, got %+v", fc.Flags)
	}
	if fc.Token != testToken {
		t.Fatalf("correlation token lost on failure completion: %q", fc.Token)
	}
}

func TestHandle_RepoPageFansOutToPullListings(t *testing.T) {
	up := &fakeUpstream{
		repos: func(cursor string) (gh.Page, error) {
			if cursor != "" {
				t.Fatalf("unexpected cursor %q", cursor)
			}
			return pageOf("",
				`{"id":1,"full_name":"acme/alpha"}`,
				`{"id":2,"full_name":"acme/beta"}`,
			), nil
		},
	}
	s, q, b, tr := newTestSvc(t, up)

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 0))

	if b.puts != 1 {
		t.Fatalf("raw page should be stored once, got %d", b.puts)
	}

	units := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(units) != 2 {
		t.Fatalf("expected 2 transform units, got %d", len(units))
	}
	if units[0].ItemType != "repository" || units[0].RawID == nil || units[0].ItemIndex != 0 {
		t.Fatalf("first unit malformed: %+v", units[0])
	}
	if !units[0].Flags.FirstItem {
		t.Fatalf("seed page's first unit must carry first_item: %+v", units[0].Flags)
	}
	if !units[1].Flags.LastItem || units[1].Flags.LastJobItem {
		t.Fatalf("last repository closes its step but never the job: %+v", units[1].Flags)
	}

	children := decodeAll(t, q.enqueued[queue.ChannelExtraction], envelope.StageExtraction)
	if len(children) != 2 {
		t.Fatalf("expected 2 pull listing requests, got %d", len(children))
	}
	for i, c := range children {
		if c.Request.Listing != paging.ListingPulls || c.Step != envelope.StepPullRequests {
			t.Fatalf("child %d malformed: %+v", i, c.Request)
		}
	}
	if children[0].Request.RepoID != "acme/alpha" || children[1].Request.RepoID != "acme/beta" {
		t.Fatalf("repo scoping wrong: %q, %q", children[0].Request.RepoID, children[1].Request.RepoID)
	}
	if children[0].Request.State.LastRepo || !children[1].Request.State.LastRepo {
		t.Fatalf("only the final repo's request carries last_repo")
	}

	want := []string{"running:repositories:extraction", "finished:repositories:extraction"}
	if len(tr.marks) != 2 || tr.marks[0] != want[0] || tr.marks[1] != want[1] {
		t.Fatalf("marks = %v, want %v", tr.marks, want)
	}
}

func TestHandle_RepoPageContinuation(t *testing.T) {
	up := &fakeUpstream{
		repos: func(cursor string) (gh.Page, error) {
			return pageOf("2", `{"id":1,"full_name":"acme/alpha"}`), nil
		},
	}
	s, q, _, tr := newTestSvc(t, up)

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 0))

	children := decodeAll(t, q.enqueued[queue.ChannelExtraction], envelope.StageExtraction)
	var cont *envelope.Envelope
	for _, c := range children {
		if c.Request.Listing == paging.ListingRepos {
			cont = c
		}
	}
	if cont == nil || cont.Request.Cursor != "2" {
		t.Fatalf("expected a repositories continuation with cursor 2, children=%d", len(children))
	}
	if cont.Request.State.PrevRepo != "acme/alpha" {
		t.Fatalf("continuation must remember the page's final repo, got %q", cont.Request.State.PrevRepo)
	}
	for _, m := range tr.marks {
		if m == "finished:repositories:extraction" {
			t.Fatalf("step must stay open while pages remain: %v", tr.marks)
		}
	}
}

func TestHandle_TerminalNestedPage(t *testing.T) {
	up := &fakeUpstream{
		nested: func(repo string, pr int, kind paging.Listing, cursor string) (gh.Page, error) {
			if repo != "acme/alpha" || pr != 7 || kind != paging.ListingComments {
				t.Fatalf("unexpected nested fetch %s#%d %s", repo, pr, kind)
			}
			return pageOf("", `{"id":100,"body":"lgtm"}`), nil
		},
	}
	s, q, _, tr := newTestSvc(t, up)

	env := extractionEnv(envelope.StepPullRequests, envelope.PageRequest{
		Listing:  paging.ListingComments,
		RepoID:   "acme/alpha",
		PRNumber: 7,
		State:    paging.CursorState{LastRepo: true, LastPR: true, FinalKind: true},
	})
	s.handle(context.Background(), message(t, env, 0))

	units := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if units[0].ItemType != "comment" {
		t.Fatalf("unit type = %q", units[0].ItemType)
	}
	if !units[0].Flags.LastItem || !units[0].Flags.LastJobItem {
		t.Fatalf("terminal nested unit must carry the job terminal: %+v", units[0].Flags)
	}
	if len(q.enqueued[queue.ChannelExtraction]) != 0 {
		t.Fatalf("leaf listings never fan out")
	}
	foundDone := false
	for _, m := range tr.marks {
		if m == "finished:pull_requests:extraction" {
			foundDone = true
		}
	}
	if !foundDone {
		t.Fatalf("terminal page ends the step's extraction, marks=%v", tr.marks)
	}
}

func TestHandle_EmptyTerminalNestedPageSynthesizes(t *testing.T) {
	up := &fakeUpstream{
		nested: func(string, int, paging.Listing, string) (gh.Page, error) {
			return gh.Page{}, nil
		},
	}
	s, q, b, _ := newTestSvc(t, up)

	env := extractionEnv(envelope.StepPullRequests, envelope.PageRequest{
		Listing:  paging.ListingThreads,
		RepoID:   "acme/alpha",
		PRNumber: 7,
		State:    paging.CursorState{LastRepo: true, LastPR: true, FinalKind: true},
	})
	s.handle(context.Background(), message(t, env, 0))

	if b.puts != 0 {
		t.Fatalf("empty pages are never stored")
	}
	outs := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(outs) != 1 {
		t.Fatalf("expected one synthetic completion, got %d", len(outs))
	}
	syn := outs[0]
	if syn.ItemType != envelope.ItemTypeCompletion || syn.RawID != nil || syn.Failed {
		t.Fatalf("synthetic completion malformed: %+v", syn)
	}
	if !syn.Flags.LastItem || !syn.Flags.LastJobItem {
		t.Fatalf("synthetic completion must be terminal: %+v", syn.Flags)
	}
}

func TestHandle_PullPageFansOutEveryNestedKind(t *testing.T) {
	up := &fakeUpstream{
		pulls: func(repo, cursor string) (gh.Page, error) {
			return pageOf("",
				`{"number":1,"title":"a"}`,
				`{"number":2,"title":"b"}`,
			), nil
		},
	}
	s, q, _, _ := newTestSvc(t, up)

	env := extractionEnv(envelope.StepPullRequests, envelope.PageRequest{
		Listing: paging.ListingPulls,
		RepoID:  "acme/alpha",
		State:   paging.CursorState{LastRepo: true},
	})
	s.handle(context.Background(), message(t, env, 0))

	units := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	for _, u := range units {
		if u.Flags.LastJobItem {
			t.Fatalf("terminal must ride the final pull's nested chain, not a pull unit: %+v", u)
		}
	}

	// the list payload carries no activity counts, so every kind is fetched
	// for every pull request
	children := decodeAll(t, q.enqueued[queue.ChannelExtraction], envelope.StageExtraction)
	if want := 2 * len(paging.DefaultNestedOrder); len(children) != want {
		t.Fatalf("expected %d nested requests, got %d", want, len(children))
	}
	var finals []*envelope.Envelope
	for _, c := range children {
		if c.Request.PRNumber == 0 {
			t.Fatalf("nested request without pr scope: %+v", c.Request)
		}
		if c.Request.State.FinalKind {
			finals = append(finals, c)
		}
	}
	if len(finals) != 1 {
		t.Fatalf("exactly one nested request may carry final_kind, got %d", len(finals))
	}
	f := finals[0]
	if f.Request.PRNumber != 2 || f.Request.Listing != paging.ListingThreads {
		t.Fatalf("final kind should be the final pull's last kind, got pr=%d kind=%s",
			f.Request.PRNumber, f.Request.Listing)
	}
	if !f.Request.State.LastPR || !f.Request.State.LastRepo {
		t.Fatalf("final kind request must keep full terminal scope: %+v", f.Request.State)
	}
}

func TestHandle_WatermarkEndsIncrementalWindow(t *testing.T) {
	up := &fakeUpstream{
		repos: func(cursor string) (gh.Page, error) {
			return pageOf("2",
				`{"id":1,"full_name":"acme/alpha","updated_at":"2026-02-20T00:00:00Z"}`,
				`{"id":2,"full_name":"acme/beta","updated_at":"2026-01-10T00:00:00Z"}`,
			), nil
		},
	}
	s, q, _, tr := newTestSvc(t, up)

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	env.OldWatermark = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.handle(context.Background(), message(t, env, 0))

	// acme/beta predates the previous run's watermark, so the listing ends
	// here despite the upstream offering another page
	units := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(units) != 1 {
		t.Fatalf("stale items must not be re-synced, got %d units", len(units))
	}
	if !units[0].Flags.LastItem {
		t.Fatalf("the last fresh item closes the step: %+v", units[0].Flags)
	}

	children := decodeAll(t, q.enqueued[queue.ChannelExtraction], envelope.StageExtraction)
	if len(children) != 1 {
		t.Fatalf("expected only the fresh repo's pull listing, got %d", len(children))
	}
	if children[0].Request.RepoID != "acme/alpha" || !children[0].Request.State.LastRepo {
		t.Fatalf("fresh repo becomes the final repo: %+v", children[0].Request)
	}

	foundDone := false
	for _, m := range tr.marks {
		if m == "finished:repositories:extraction" {
			foundDone = true
		}
	}
	if !foundDone {
		t.Fatalf("truncated listing ends repositories extraction, marks=%v", tr.marks)
	}
}

func TestHandle_ShrunkenTrailingRepoPageReroutesTerminal(t *testing.T) {
	up := &fakeUpstream{
		repos: func(cursor string) (gh.Page, error) {
			return gh.Page{}, nil
		},
	}
	s, q, _, _ := newTestSvc(t, up)

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{
		Listing: paging.ListingRepos,
		Cursor:  "2",
		State:   paging.CursorState{PrevRepo: "acme/alpha"},
	})
	s.handle(context.Background(), message(t, env, 0))

	// the first page's repos already fanned out, so the empty trailing page
	// must hand the terminal to the prior final repo instead of firing it
	outs := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(outs) != 1 {
		t.Fatalf("expected one synthetic completion, got %d", len(outs))
	}
	if !outs[0].Flags.LastItem || outs[0].Flags.LastJobItem {
		t.Fatalf("synthetic may close the step but never the job here: %+v", outs[0].Flags)
	}

	children := decodeAll(t, q.enqueued[queue.ChannelExtraction], envelope.StageExtraction)
	if len(children) != 1 {
		t.Fatalf("expected the re-issued pull listing, got %d", len(children))
	}
	re := children[0]
	if re.Request.Listing != paging.ListingPulls || re.Request.RepoID != "acme/alpha" {
		t.Fatalf("re-issued request malformed: %+v", re.Request)
	}
	if !re.Request.State.LastRepo {
		t.Fatalf("re-issued request must carry the terminal scope: %+v", re.Request.State)
	}
	if re.Step != envelope.StepPullRequests {
		t.Fatalf("re-issued request step = %q", re.Step)
	}
}

func TestHandle_ShrunkenTrailingPullPageReroutesTerminal(t *testing.T) {
	up := &fakeUpstream{
		pulls: func(repo, cursor string) (gh.Page, error) {
			return gh.Page{}, nil
		},
	}
	s, q, _, _ := newTestSvc(t, up)

	env := extractionEnv(envelope.StepPullRequests, envelope.PageRequest{
		Listing: paging.ListingPulls,
		RepoID:  "acme/alpha",
		Cursor:  "3",
		State:   paging.CursorState{LastRepo: true, PrevPR: 7},
	})
	s.handle(context.Background(), message(t, env, 0))

	if len(q.enqueued[queue.ChannelTransform]) != 0 {
		t.Fatalf("nothing to transform on a shrunken pull page")
	}
	children := decodeAll(t, q.enqueued[queue.ChannelExtraction], envelope.StageExtraction)
	if want := len(paging.DefaultNestedOrder); len(children) != want {
		t.Fatalf("expected the prior pull's %d nested kinds re-issued, got %d", want, len(children))
	}
	var finals int
	for i, c := range children {
		if c.Request.PRNumber != 7 || c.Request.RepoID != "acme/alpha" {
			t.Fatalf("re-issued request %d malformed: %+v", i, c.Request)
		}
		if !c.Request.State.LastRepo || !c.Request.State.LastPR {
			t.Fatalf("re-issued request %d must carry terminal scope: %+v", i, c.Request.State)
		}
		if c.Request.State.FinalKind {
			finals++
			if c.Request.Listing != paging.ListingThreads {
				t.Fatalf("final kind must be the last in order, got %s", c.Request.Listing)
			}
		}
	}
	if finals != 1 {
		t.Fatalf("exactly one re-issued request carries final_kind, got %d", finals)
	}
}

func TestHandle_ExhaustedRetriesResolveThroughFailure(t *testing.T) {
	up := &fakeUpstream{
		repos: func(string) (gh.Page, error) {
			return gh.Page{}, perr.Unavailablef("upstream flapping")
		},
	}
	s, q, _, tr := newTestSvc(t, up)
	q.deadOn = 1

	env := extractionEnv(envelope.StepRepositories, envelope.PageRequest{Listing: paging.ListingRepos})
	s.handle(context.Background(), message(t, env, 4))

	if len(q.nacked) != 1 {
		t.Fatalf("final attempt still nacks to record the error, got %v", q.nacked)
	}
	if len(q.acked) != 0 {
		t.Fatalf("dead-lettered messages stay for inspection, got acks %v", q.acked)
	}
	found := false
	for _, m := range tr.marks {
		if m == "failed:repositories:extraction" {
			found = true
		}
	}
	if !found {
		t.Fatalf("exhausted retries must mark the step failed, marks=%v", tr.marks)
	}
	outs := decodeAll(t, q.enqueued[queue.ChannelTransform], envelope.StageTransform)
	if len(outs) != 1 || !outs[0].Failed || !outs[0].Flags.LastJobItem {
		t.Fatalf("exhausted retries must emit the failure completion, got %d outs", len(outs))
	}
}
