package github

import (
	"encoding/json"
	"time"

	perr "pulse/internal/platform/errors"
)

// Page is one fetched listing page. Body is the exact upstream payload for
// raw storage; Items are the logical units split out of it
type Page struct {
	Items      []json.RawMessage
	NextCursor string
	Body       []byte
}

// RepoSummary carries the repository fields the pipeline reads
type RepoSummary struct {
	ID        int64     `json:"id"`
	FullName  string    `json:"full_name"`
	Name      string    `json:"name"`
	Private   bool      `json:"private"`
	Archived  bool      `json:"archived"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullSummary carries the pull-request fields the pipeline reads. The list
// payload carries no per-kind activity counts (those exist only on the single
// pull-request resource), so every nested listing is always fetched
type PullSummary struct {
	Number    int       `json:"number"`
	State     string    `json:"state"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseRepo decodes one repository list item
func ParseRepo(raw json.RawMessage) (RepoSummary, error) {
	var r RepoSummary
	if err := json.Unmarshal(raw, &r); err != nil {
		return RepoSummary{}, perr.Wrap(err, perr.ErrorCodeUpstream, "repo item decode")
	}
	return r, nil
}

// ParsePull decodes one pull-request list item
func ParsePull(raw json.RawMessage) (PullSummary, error) {
	var p PullSummary
	if err := json.Unmarshal(raw, &p); err != nil {
		return PullSummary{}, perr.Wrap(err, perr.ErrorCodeUpstream, "pull item decode")
	}
	return p, nil
}
