package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"
)

// ListRepositories fetches one page of the authenticated tenant's
// repositories. cursor is empty for the first page
func (c *Client) ListRepositories(ctx context.Context, cursor string) (Page, error) {
	return c.listPage(ctx, "/user/repos?sort=updated&direction=desc", cursor)
}

// ListPullRequests fetches one page of a repository's pull requests,
// most recently updated first
func (c *Client) ListPullRequests(ctx context.Context, repo string, cursor string) (Page, error) {
	path := fmt.Sprintf("/repos/%s/pulls?state=all&sort=updated&direction=desc", repo)
	return c.listPage(ctx, path, cursor)
}

// ListNested fetches one page of a pull request's nested listing
func (c *Client) ListNested(
	ctx context.Context,
	repo string,
	prNumber int,
	kind paging.Listing,
	cursor string,
) (Page, error) {
	var path string
	switch kind {
	case paging.ListingCommits:
		path = fmt.Sprintf("/repos/%s/pulls/%d/commits", repo, prNumber)
	case paging.ListingReviews:
		path = fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, prNumber)
	case paging.ListingComments:
		path = fmt.Sprintf("/repos/%s/issues/%d/comments", repo, prNumber)
	case paging.ListingThreads:
		path = fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, prNumber)
	default:
		return Page{}, perr.InvalidArgf("unknown nested listing %q", kind)
	}
	return c.listPage(ctx, path, cursor)
}

func (c *Client) listPage(ctx context.Context, path, cursor string) (Page, error) {
	sep := "?"
	for _, r := range path {
		if r == '?' {
			sep = "&"
			break
		}
	}
	path = fmt.Sprintf("%s%sper_page=%d", path, sep, c.opts.PageSize)
	if cursor != "" {
		path += "&page=" + cursor
	}

	resp, err := c.Do(ctx, http.MethodGet, path)
	if err != nil {
		return Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, perr.Wrap(err, perr.ErrorCodeUnavailable, "github read body")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return Page{}, perr.Wrapf(err, perr.ErrorCodeUpstream, "github list decode %s", path)
	}

	return Page{
		Items:      items,
		NextCursor: nextCursor(resp.Header),
		Body:       body,
	}, nil
}
