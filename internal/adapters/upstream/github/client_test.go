package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/testkit"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:    srv.URL,
		TokensCSV:  "tok-a, tok-b",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		PageSize:   2,
		RPS:        1000,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func TestListRepositories_PagesViaLinkHeader(t *testing.T) {
	var sawAuth string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("per_page") != "2" {
			t.Errorf("missing per_page: %s", r.URL.RawQuery)
		}
		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", `<https://x/user/repos?page=2>; rel="next"`)
			_, _ = w.Write([]byte(`[{"id":1,"full_name":"acme/a"},{"id":2,"full_name":"acme/b"}]`))
		case "2":
			_, _ = w.Write([]byte(`[{"id":3,"full_name":"acme/c"}]`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})

	p1, err := c.ListRepositories(context.Background(), "")
	testkit.MustNoErr(t, err)
	if len(p1.Items) != 2 || p1.NextCursor != "2" {
		t.Fatalf("page 1 wrong: items=%d next=%q", len(p1.Items), p1.NextCursor)
	}
	if len(p1.Body) == 0 {
		t.Fatalf("raw body must be preserved")
	}
	testkit.MustContain(t, sawAuth, "token tok-")

	repo, err := ParseRepo(p1.Items[0])
	testkit.MustNoErr(t, err)
	if repo.ID != 1 || repo.FullName != "acme/a" {
		t.Fatalf("repo parse wrong: %+v", repo)
	}

	p2, err := c.ListRepositories(context.Background(), p1.NextCursor)
	testkit.MustNoErr(t, err)
	if len(p2.Items) != 1 || p2.NextCursor != "" {
		t.Fatalf("page 2 wrong: items=%d next=%q", len(p2.Items), p2.NextCursor)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	p, err := c.ListPullRequests(context.Background(), "acme/a", "")
	testkit.MustNoErr(t, err)
	if calls != 2 {
		t.Fatalf("want 2 calls, got %d", calls)
	}
	if len(p.Items) != 0 || p.NextCursor != "" {
		t.Fatalf("empty page wrong: %+v", p)
	}
}

func TestDo_RateLimitExhaustsRetries(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.ListNested(context.Background(), "acme/a", 7, paging.ListingCommits, "")
	testkit.MustErr(t, err)
	if !perr.IsCode(err, perr.ErrorCodeRateLimited) {
		t.Fatalf("want rate-limited code, got %v", err)
	}
	if !perr.Retryable(err) {
		t.Fatalf("rate-limited errors are retryable")
	}
}

func TestListNested_UnknownKind(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := c.ListNested(context.Background(), "acme/a", 1, paging.Listing("wat"), "")
	testkit.MustErr(t, err)
	if !perr.IsCode(err, perr.ErrorCodeInvalidArgument) {
		t.Fatalf("want invalid-argument code, got %v", err)
	}
}
