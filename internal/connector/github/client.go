// internal/connector/github/client.go
package github

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
)

const (
	// Total attempts per API call, including the first one.
	maxRetries = 3
	perPage    = 100
)

// Client is a wrapper around the go-github client that retries transient
// failures and waits out primary rate limits.
type Client struct {
	gh            *github.Client
	logger        *slog.Logger
	retryInterval time.Duration
}

// NewClient creates and configures a new Client instance.
// A non-empty token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		hc = oauth2.NewClient(context.Background(), ts)
	}

	return &Client{
		gh:            github.NewClient(hc),
		logger:        logger,
		retryInterval: 500 * time.Millisecond,
	}
}

// IssuePage is one page of repository issues.
type IssuePage struct {
	Issues   []*github.Issue
	NextPage int
}

// ListIssues fetches one page of issues (pull requests excluded) updated since the given time.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, since time.Time, page int) (*IssuePage, error) {
	opts := &github.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "asc",
		Since:     since,
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}

	c.logger.Debug("Fetching issues page", "owner", owner, "repo", repo, "page", page)

	var (
		issues []*github.Issue
		resp   *github.Response
	)
	err := c.withRetry(ctx, func() (*github.Response, error) {
		var err error
		issues, resp, err = c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	out := &IssuePage{NextPage: resp.NextPage}
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		out.Issues = append(out.Issues, issue)
	}
	return out, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	var issue *github.Issue
	err := c.withRetry(ctx, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		issue, resp, err = c.gh.Issues.Get(ctx, owner, repo, number)
		return resp, err
	})
	return issue, err
}

// withRetry runs call up to maxRetries times. Server errors back off
// exponentially; rate limit errors wait until the advertised reset.
func (c *Client) withRetry(ctx context.Context, call func() (*github.Response, error)) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries-1), ctx)

	return backoff.Retry(func() error {
		resp, err := call()
		if err == nil {
			return nil
		}

		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			wait := time.Until(rateErr.Rate.Reset.Time)
			c.logger.Warn("GitHub rate limit hit, waiting for reset", "wait", wait.String())
			if err := sleep(ctx, wait); err != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		var abuseErr *github.AbuseRateLimitError
		if errors.As(err, &abuseErr) {
			if err := sleep(ctx, abuseErr.GetRetryAfter()); err != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
			c.logger.Warn("GitHub server error, retrying", "status", resp.StatusCode)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
