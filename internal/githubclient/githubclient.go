// Package githubclient wraps google/go-github for the upstream-tracker
// operations the Scheduler and Result Handler need (spec §4.1, §4.7):
// discovering open issues/PRs and their comments, and posting labels,
// comments, and reviews back. Every call surfaces the response's
// remaining/reset rate-limit counters so the caller can feed
// internal/ratelimit.Limiter.RefreshUpstream.
package githubclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
	"golang.org/x/oauth2"
)

// Config holds the tunables from spec §6's `tracker` configuration block.
type Config struct {
	Token   string
	BaseURL string // non-empty selects a GitHub Enterprise instance
	Timeout time.Duration
}

// RateLimitInfo is the upstream tracker's reported remaining call budget,
// extracted from every response so it can feed the rate limiter.
type RateLimitInfo struct {
	Remaining int
	Reset     time.Time
}

// Client is a thin, typed facade over *github.Client.
type Client struct {
	gh *github.Client
}

// New builds a Client authenticated via a personal access token, following
// the static-token-source pattern used for provider adapters elsewhere in
// the stack.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("githubclient: token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	httpClient.Timeout = timeout

	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("githubclient: enterprise base URL: %w", err)
		}
	}
	return &Client{gh: gh}, nil
}

func rateLimitFrom(resp *github.Response) RateLimitInfo {
	if resp == nil {
		return RateLimitInfo{}
	}
	return RateLimitInfo{Remaining: resp.Rate.Remaining, Reset: resp.Rate.Reset.Time}
}

// Issue is the subset of github.Issue the Scheduler consumes.
type Issue struct {
	Number        int
	Title         string
	Body          string
	Labels        []string
	Author        string
	UpdatedAt     time.Time
	IsPullRequest bool
}

func fromGHIssue(gi *github.Issue) Issue {
	labels := make([]string, 0, len(gi.Labels))
	for _, l := range gi.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number:        gi.GetNumber(),
		Title:         gi.GetTitle(),
		Body:          gi.GetBody(),
		Labels:        labels,
		Author:        gi.GetUser().GetLogin(),
		UpdatedAt:     gi.GetUpdatedAt().Time,
		IsPullRequest: gi.IsPullRequest(),
	}
}

// Comment is the subset of github.IssueComment the Scheduler consumes.
type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
}

// PullRequest is the subset of github.PullRequest the Scheduler and
// Worker Executor consume.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	Draft     bool
	HeadSHA   string
	UpdatedAt time.Time
	Files     []string
	Commits   []string
}

func fromGHPullRequest(pr *github.PullRequest) PullRequest {
	return PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		Draft:     pr.GetDraft(),
		HeadSHA:   pr.GetHead().GetSHA(),
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
}

// ListOpenIssues returns every open issue (excluding pull requests)
// matching any of labels (an empty slice matches all). Paginates to
// completion. Labels are matched case-insensitively on the client side,
// since the API's own labels filter returns only issues carrying all of
// them.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string, labels []string) ([]Issue, RateLimitInfo, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []Issue
	var rl RateLimitInfo
	for {
		ghIssues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, rl, fmt.Errorf("listOpenIssues: %w", err)
		}
		rl = rateLimitFrom(resp)
		for _, gi := range ghIssues {
			if gi.IsPullRequest() {
				continue
			}
			issue := fromGHIssue(gi)
			matched := len(labels) == 0
			for _, have := range issue.Labels {
				for _, want := range labels {
					if strings.EqualFold(have, want) {
						matched = true
					}
				}
			}
			if matched {
				out = append(out, issue)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, rl, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, RateLimitInfo, error) {
	gi, resp, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return Issue{}, rateLimitFrom(resp), fmt.Errorf("getIssue: %w", err)
	}
	return fromGHIssue(gi), rateLimitFrom(resp), nil
}

// ListIssueCommentsSince returns comments on issueNumber created or
// updated after since.
func (c *Client) ListIssueCommentsSince(ctx context.Context, owner, repo string, issueNumber int, since time.Time) ([]Comment, RateLimitInfo, error) {
	opts := &github.IssueListCommentsOptions{
		Since:       &since,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []Comment
	var rl RateLimitInfo
	for {
		ghComments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, issueNumber, opts)
		if err != nil {
			return nil, rl, fmt.Errorf("listIssueCommentsSince: %w", err)
		}
		rl = rateLimitFrom(resp)
		for _, gc := range ghComments {
			out = append(out, Comment{
				ID:        gc.GetID(),
				Body:      gc.GetBody(),
				Author:    gc.GetUser().GetLogin(),
				CreatedAt: gc.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, rl, nil
}

// ListOpenPullRequests returns every open pull request, without its
// files/commits detail (fetch that separately via GetPullRequest when a
// task actually needs it, to avoid spending rate-limit budget on PRs
// nobody will process).
func (c *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, RateLimitInfo, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []PullRequest
	var rl RateLimitInfo
	for {
		ghPRs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, rl, fmt.Errorf("listOpenPullRequests: %w", err)
		}
		rl = rateLimitFrom(resp)
		for _, pr := range ghPRs {
			out = append(out, fromGHPullRequest(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, rl, nil
}

// GetPullRequest fetches a single pull request along with its changed
// file paths and commit SHAs.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, RateLimitInfo, error) {
	ghPR, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return PullRequest{}, rateLimitFrom(resp), fmt.Errorf("getPullRequest: %w", err)
	}
	pr := fromGHPullRequest(ghPR)
	rl := rateLimitFrom(resp)

	files, resp2, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return PullRequest{}, rl, fmt.Errorf("getPullRequest: listFiles: %w", err)
	}
	rl = rateLimitFrom(resp2)
	for _, f := range files {
		pr.Files = append(pr.Files, f.GetFilename())
	}

	commits, resp3, err := c.gh.PullRequests.ListCommits(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return PullRequest{}, rl, fmt.Errorf("getPullRequest: listCommits: %w", err)
	}
	rl = rateLimitFrom(resp3)
	for _, cm := range commits {
		pr.Commits = append(pr.Commits, cm.GetSHA())
	}

	return pr, rl, nil
}

// AddLabels attaches labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) (RateLimitInfo, error) {
	_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, issueNumber, labels)
	if err != nil {
		return rateLimitFrom(resp), fmt.Errorf("addLabels: %w", err)
	}
	return rateLimitFrom(resp), nil
}

// RemoveLabel removes a single label; a 404 (label already absent) is
// treated as success.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) (RateLimitInfo, error) {
	resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, issueNumber, label)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return rateLimitFrom(resp), nil
		}
		return rateLimitFrom(resp), fmt.Errorf("removeLabel: %w", err)
	}
	return rateLimitFrom(resp), nil
}

// CreateComment posts a new comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (RateLimitInfo, error) {
	_, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, issueNumber, &github.IssueComment{Body: &body})
	if err != nil {
		return rateLimitFrom(resp), fmt.Errorf("createComment: %w", err)
	}
	return rateLimitFrom(resp), nil
}

// ReviewEvent is the closed set of pull-request review verdicts.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewComment        ReviewEvent = "COMMENT"
)

// CreatePRReview submits a pull-request review (spec §4.7 follow-up
// action dispatch for PR-review tasks).
func (c *Client) CreatePRReview(ctx context.Context, owner, repo string, prNumber int, body string, event ReviewEvent) (RateLimitInfo, error) {
	req := &github.PullRequestReviewRequest{
		Body:  &body,
		Event: (*string)(&event),
	}
	_, resp, err := c.gh.PullRequests.CreateReview(ctx, owner, repo, prNumber, req)
	if err != nil {
		return rateLimitFrom(resp), fmt.Errorf("createPRReview: %w", err)
	}
	return rateLimitFrom(resp), nil
}
