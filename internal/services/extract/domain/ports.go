// Package domain declares the extraction worker ports
package domain

import (
	"context"

	gh "pulse/internal/adapters/upstream/github"
	"pulse/internal/core/paging"
)

// UpstreamPort is the paged listing surface the extraction worker fetches from
type UpstreamPort interface {
	ListRepositories(ctx context.Context, cursor string) (gh.Page, error)
	ListPullRequests(ctx context.Context, repo string, cursor string) (gh.Page, error)
	ListNested(ctx context.Context, repo string, prNumber int, kind paging.Listing, cursor string) (gh.Page, error)
}
