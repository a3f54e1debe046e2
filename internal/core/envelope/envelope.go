// Package envelope defines the message unit passed on every pipeline channel
// and the protocol checks applied when one is decoded.
//
// The correlation token and both sync watermarks must survive every hop; the
// cursor-state request extension exists only on the extraction channel. A
// message violating either rule is a programming error upstream and is
// rejected without retry
package envelope

import (
	"encoding/json"
	"time"

	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"

	"github.com/go-playground/validator/v10"
)

// Stage names one pipeline stage
type Stage string

// The three stages, in pipeline order
const (
	StageExtraction Stage = "extraction"
	StageTransform  Stage = "transform"
	StageEmbedding  Stage = "embedding"
)

// Step names used by the job state tracker
const (
	StepRepositories = "repositories"
	StepPullRequests = "pull_requests"
)

// ItemTypeCompletion marks a synthetic message with no raw payload behind it
const ItemTypeCompletion = "completion"

// ItemTypePageRequest marks an extraction channel message that asks for a
// page fetch rather than describing a fetched unit
const ItemTypePageRequest = "page_request"

// Envelope is the unit of work on any channel
type Envelope struct {
	ItemType string `json:"item_type" validate:"required"`
	Step     string `json:"step" validate:"required"`

	JobID    string `json:"job_id" validate:"required,uuid"`
	TenantID string `json:"tenant_id" validate:"required"`
	Token    string `json:"correlation_token" validate:"required"`

	// RawID references the stored raw page; nil on synthetic completion messages
	RawID *string `json:"raw_id,omitempty"`
	// ItemIndex locates the logical unit inside the raw page
	ItemIndex int `json:"item_index"`
	// EntityKey is the normalized entity's stable key; set by transform for the embedding hop
	EntityKey string `json:"entity_key,omitempty"`

	OldWatermark time.Time `json:"old_sync_watermark"`
	NewWatermark time.Time `json:"new_sync_watermark" validate:"required"`

	Flags paging.Flags `json:"flags"`

	// Failed marks a synthesized failure-completion message: the terminal
	// signal for a job whose extraction or transform hit a permanent error
	Failed bool `json:"failed,omitempty"`

	// Request describes the page to fetch; extraction channel only
	Request *PageRequest `json:"request,omitempty"`
}

// PageRequest scopes one upstream page fetch.
// State is internal cursor bookkeeping and must never reach transform or embedding
type PageRequest struct {
	Listing  paging.Listing     `json:"listing" validate:"required"`
	RepoID   string             `json:"repo_id,omitempty"`
	PRNumber int                `json:"pr_number,omitempty"`
	Cursor   string             `json:"cursor,omitempty"`
	State    paging.CursorState `json:"state"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate applies the protocol rules for a message consumed at stage
func (e *Envelope) Validate(stage Stage) error {
	if err := validate.Struct(e); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeProtocol, "envelope invalid at %s", stage)
	}
	switch stage {
	case StageExtraction:
		if e.Request == nil {
			return perr.Protocolf("extraction message without page request")
		}
	case StageTransform, StageEmbedding:
		// the internal cursor flags must never leak past extraction
		if e.Request != nil {
			return perr.Protocolf("%s message carries extraction request state", stage)
		}
	default:
		return perr.Protocolf("unknown stage %q", stage)
	}
	if stage == StageEmbedding && e.RawID != nil && e.EntityKey == "" {
		return perr.Protocolf("embedding message without entity key")
	}
	return nil
}

// Encode serializes the envelope for a queue payload
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeProtocol, "envelope encode")
	}
	return b, nil
}

// Decode parses and validates a queue payload consumed at stage
func Decode(payload []byte, stage Stage) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeProtocol, "envelope decode at %s", stage)
	}
	if err := e.Validate(stage); err != nil {
		return nil, err
	}
	return &e, nil
}

// Forward returns a copy of e suitable for the next hop: token, watermarks and
// flags propagate unchanged, the extraction request extension is stripped
func (e *Envelope) Forward() *Envelope {
	c := *e
	c.Request = nil
	return &c
}

// StepOf maps a listing to the step it reports under
func StepOf(l paging.Listing) string {
	if l == paging.ListingRepos {
		return StepRepositories
	}
	return StepPullRequests
}

// StepOrder returns the fixed order of a step for status documents
func StepOrder(step string) int {
	switch step {
	case StepRepositories:
		return 1
	case StepPullRequests:
		return 2
	}
	return 0
}
