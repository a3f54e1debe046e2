// Package paging implements the completion protocol for the extraction fan-out.
//
// One sync job expands into a tree of paginated listings: the repository list,
// one pull-request list per repository, and up to four nested lists per pull
// request. Exactly one message in the whole tree may carry last_job_item, and
// it must be the last message the extraction stage logically emits. This
// package computes, purely from one fetched page plus the cursor bookkeeping
// carried on its request, which outgoing messages get which flags.
package paging

// Listing names one paginated upstream listing
type Listing string

// All listings, nested kinds in their fixed processing order
const (
	ListingRepos Listing = "repositories"
	ListingPulls Listing = "pull_requests"

	ListingCommits  Listing = "commits"
	ListingReviews  Listing = "reviews"
	ListingComments Listing = "comments"
	ListingThreads  Listing = "threads"
)

// DefaultNestedOrder is the fixed order nested kinds are processed in.
// Only the last kind that actually needs extraction for the final pull
// request may end up carrying last_job_item
var DefaultNestedOrder = []Listing{ListingCommits, ListingReviews, ListingComments, ListingThreads}

// Flags are the public completion flags carried on every pipeline message
type Flags struct {
	FirstItem   bool `json:"first_item"`
	LastItem    bool `json:"last_item"`
	LastJobItem bool `json:"last_job_item"`
}

// CursorState is the extraction-internal bookkeeping that rides page requests.
// It never leaves the extraction stage: transform and embedding messages carry
// only Flags
type CursorState struct {
	// LastRepo marks requests scoped to the final repository overall
	LastRepo bool `json:"last_repo,omitempty"`
	// LastPR marks requests scoped to the final pull request of the final repository
	LastPR bool `json:"last_pr,omitempty"`
	// FinalKind marks the last nested kind that needs extraction for that pull request
	FinalKind bool `json:"final_kind,omitempty"`

	// PrevRepo names the preceding page's final repository and PrevPR its
	// final pull request number. Continuation requests carry them so an
	// empty trailing page can tell listing shrinkage apart from a listing
	// that was empty all along
	PrevRepo string `json:"prev_repo,omitempty"`
	PrevPR   int    `json:"prev_pr,omitempty"`
}

// PageContext describes one fetched page and the request state it arrived with
type PageContext struct {
	Listing Listing
	// FirstOfJob is true only on the seed request's first page
	FirstOfJob bool
	// Items is the number of logical units in the page
	Items int
	// HasNext is true when the upstream indicated another page
	HasNext bool
	// State is the bookkeeping carried on the request that fetched this page
	State CursorState
}

// NestedReq is one child listing request derived from a page item
type NestedReq struct {
	ItemIndex int
	Listing   Listing
	State     CursorState
}

// Plan is everything the extraction worker must emit for one page
type Plan struct {
	// ItemFlags holds the public flags for each unit's transform message
	ItemFlags []Flags
	// Nested holds child extraction requests in emission order
	Nested []NestedReq
	// Continuation is the state for the next-page request, nil when no next page
	Continuation *CursorState
	// Synthetic, when non-nil, is the flag set for a raw_id-less completion
	// message that must be emitted because the page was empty and this
	// listing was the designated terminal carrier
	Synthetic *Flags
	// ExtractionDone reports that this page ends the extraction stage for its
	// step (the step's last extraction-emitted message is in this plan)
	ExtractionDone bool
	// ReplayPrev reports that this trailing page came back empty after earlier
	// pages already fanned out, so no emitted item carries the terminal scope.
	// The worker must re-issue the fan-out for the item named by State.PrevRepo
	// or State.PrevPR with the terminal scope attached
	ReplayPrev bool
}

// ComputeFlags derives the emission plan for one page.
//
// reqs lists, per item, which nested kinds need extraction; it is consulted
// only for pull-request pages (repository items always fan out to a
// pull-request listing, leaf kinds never fan out). order is the fixed nested
// kind order, normally DefaultNestedOrder
func ComputeFlags(pc PageContext, reqs [][]Listing, order []Listing) Plan {
	switch {
	case pc.Listing == ListingRepos:
		return planRepos(pc)
	case pc.Listing == ListingPulls:
		return planPulls(pc, reqs, order)
	default:
		return planNested(pc)
	}
}

// IsNested reports whether l is one of the per-PR nested kinds
func IsNested(l Listing) bool {
	switch l {
	case ListingCommits, ListingReviews, ListingComments, ListingThreads:
		return true
	}
	return false
}

// UnitType returns the logical unit kind produced by a listing
func UnitType(l Listing) string {
	switch l {
	case ListingRepos:
		return "repository"
	case ListingPulls:
		return "pull_request"
	case ListingCommits:
		return "commit"
	case ListingReviews:
		return "review"
	case ListingComments:
		return "comment"
	case ListingThreads:
		return "thread"
	}
	return string(l)
}

// FailureFlags is the flag set for a synthesized failure-completion message:
// the terminal signal still fires so downstream stages never hang
func FailureFlags() Flags { return Flags{LastItem: true, LastJobItem: true} }

func planRepos(pc PageContext) Plan {
	p := Plan{ItemFlags: make([]Flags, pc.Items)}
	lastPage := !pc.HasNext

	if pc.Items == 0 {
		if !lastPage {
			cont := pc.State
			p.Continuation = &cont
			return p
		}
		if pc.State.PrevRepo != "" {
			// The listing shrank under us: earlier pages fanned out with no
			// terminal scope assigned. Re-route the terminal through the
			// preceding page's final repository; the synthetic only closes
			// the repositories step
			p.ReplayPrev = true
			p.Synthetic = &Flags{LastItem: true}
			p.ExtractionDone = true
			return p
		}
		// Empty repository listing: the job has no further work anywhere, so
		// the synthetic completion is the terminal signal
		p.Synthetic = &Flags{FirstItem: pc.FirstOfJob, LastItem: true, LastJobItem: true}
		p.ExtractionDone = true
		return p
	}

	for i := 0; i < pc.Items; i++ {
		last := lastPage && i == pc.Items-1
		p.ItemFlags[i] = Flags{
			FirstItem: pc.FirstOfJob && i == 0,
			// last_item closes the repositories step; last_job_item never
			// rides a repository unit because every repository spawns
			// pull-request work
			LastItem: last,
		}
		p.Nested = append(p.Nested, NestedReq{
			ItemIndex: i,
			Listing:   ListingPulls,
			State:     CursorState{LastRepo: last},
		})
	}
	if lastPage {
		p.ExtractionDone = true
	} else {
		cont := CursorState{}
		p.Continuation = &cont
	}
	return p
}

func planPulls(pc PageContext, reqs [][]Listing, order []Listing) Plan {
	p := Plan{ItemFlags: make([]Flags, pc.Items)}
	lastPage := !pc.HasNext
	finalScope := pc.State.LastRepo

	if pc.Items == 0 {
		if !lastPage {
			cont := pc.State
			p.Continuation = &cont
			return p
		}
		// Only the final repository's empty pull listing may carry the
		// terminal; earlier repositories simply contribute nothing
		if !finalScope {
			return p
		}
		if pc.State.PrevPR != 0 {
			// Shrunken trailing page: the preceding page's final pull request
			// went out without terminal scope, so its nested fan-out must be
			// re-issued carrying it
			p.ReplayPrev = true
			return p
		}
		p.Synthetic = &Flags{LastItem: true, LastJobItem: true}
		p.ExtractionDone = true
		return p
	}

	// anchor is the last item that needs nested extraction; when the page is
	// the final one of the final repository, that item's last needed kind
	// inherits the terminal
	anchor := -1
	for i := 0; i < pc.Items && i < len(reqs); i++ {
		if len(sortKinds(reqs[i], order)) > 0 {
			anchor = i
		}
	}

	for i := 0; i < pc.Items; i++ {
		last := lastPage && finalScope && i == pc.Items-1 && anchor == -1
		p.ItemFlags[i] = Flags{LastItem: last, LastJobItem: last}

		var kinds []Listing
		if i < len(reqs) {
			kinds = sortKinds(reqs[i], order)
		}
		isAnchor := lastPage && finalScope && i == anchor
		for k, kind := range kinds {
			p.Nested = append(p.Nested, NestedReq{
				ItemIndex: i,
				Listing:   kind,
				State: CursorState{
					LastRepo:  pc.State.LastRepo,
					LastPR:    isAnchor,
					FinalKind: isAnchor && k == len(kinds)-1,
				},
			})
		}
	}

	if !lastPage {
		cont := pc.State
		p.Continuation = &cont
	} else if finalScope && anchor == -1 {
		p.ExtractionDone = true
	}
	return p
}

func planNested(pc PageContext) Plan {
	p := Plan{ItemFlags: make([]Flags, pc.Items)}
	lastPage := !pc.HasNext
	terminal := pc.State.LastRepo && pc.State.LastPR && pc.State.FinalKind

	if pc.Items == 0 {
		if !lastPage {
			cont := pc.State
			p.Continuation = &cont
			return p
		}
		// Leaf items spawn nothing, so an empty trailing page after emitted
		// items is still logically last and may synthesize directly
		if terminal {
			p.Synthetic = &Flags{LastItem: true, LastJobItem: true}
			p.ExtractionDone = true
		}
		return p
	}

	for i := 0; i < pc.Items; i++ {
		last := lastPage && terminal && i == pc.Items-1
		p.ItemFlags[i] = Flags{LastItem: last, LastJobItem: last}
	}
	if !lastPage {
		cont := pc.State
		p.Continuation = &cont
	} else if terminal {
		p.ExtractionDone = true
	}
	return p
}

// sortKinds filters to known nested kinds and orders them by the fixed order
func sortKinds(kinds []Listing, order []Listing) []Listing {
	if len(kinds) == 0 {
		return nil
	}
	want := make(map[Listing]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := make([]Listing, 0, len(kinds))
	for _, k := range order {
		if want[k] {
			out = append(out, k)
		}
	}
	return out
}
