// Package github implements forge.Forge against the GitHub REST and
// GraphQL APIs.
package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/mlbridge/mlbridge/internal/forge"
)

// Backend implements forge.Forge for GitHub.
type Backend struct {
	client    *gh.Client
	gqlOnce   sync.Once
	gqlClient *githubv4.Client
	token     string
}

// NewBackend creates a GitHub forge backend. Uses go-github-ratelimit
// middleware for automatic rate limit handling.
func NewBackend(token string) *Backend {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter).WithAuthToken(token)
	return &Backend{
		client: client,
		token:  token,
	}
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

func prNumber(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("invalid pull request id %q", id)
	}
	return n, nil
}

// PullRequests returns snapshots of all pull requests, newest update first.
func (b *Backend) PullRequests(ctx context.Context, repo string) ([]forge.PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []forge.PullRequest
	for {
		prs, resp, err := b.client.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests: %w", err)
		}
		for _, pr := range prs {
			out = append(out, mapPR(repo, pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// PullRequest returns a fresh snapshot of one pull request.
func (b *Backend) PullRequest(ctx context.Context, repo, id string) (*forge.PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	num, err := prNumber(id)
	if err != nil {
		return nil, err
	}

	pr, _, err := b.client.PullRequests.Get(ctx, owner, name, num)
	if err != nil {
		return nil, fmt.Errorf("getting pull request %s#%d: %w", repo, num, err)
	}
	snap := mapPR(repo, pr)
	return &snap, nil
}

func mapPR(repo string, pr *gh.PullRequest) forge.PullRequest {
	state := forge.StateOpen
	if pr.GetState() == "closed" {
		state = forge.StateClosed
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return forge.PullRequest{
		Repository:   repo,
		ID:           strconv.Itoa(pr.GetNumber()),
		Title:        pr.GetTitle(),
		Body:         pr.GetBody(),
		Author:       pr.GetUser().GetLogin(),
		HeadHash:     pr.GetHead().GetSHA(),
		BaseHash:     pr.GetBase().GetSHA(),
		TargetBranch: pr.GetBase().GetRef(),
		State:        state,
		Labels:       labels,
		CreatedAt:    pr.GetCreatedAt().Time,
		UpdatedAt:    pr.GetUpdatedAt().Time,
	}
}

// Comments returns the issue-style comments on a pull request, oldest first.
func (b *Backend) Comments(ctx context.Context, repo, id string) ([]forge.Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	num, err := prNumber(id)
	if err != nil {
		return nil, err
	}

	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var out []forge.Comment
	for {
		comments, resp, err := b.client.Issues.ListComments(ctx, owner, name, num, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments: %w", err)
		}
		for _, c := range comments {
			out = append(out, forge.Comment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
				UpdatedAt: c.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// Reviews returns the submitted reviews, oldest first.
func (b *Backend) Reviews(ctx context.Context, repo, id string) ([]forge.Review, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	num, err := prNumber(id)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: 100}
	var out []forge.Review
	for {
		reviews, resp, err := b.client.PullRequests.ListReviews(ctx, owner, name, num, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews: %w", err)
		}
		for _, r := range reviews {
			verdict := forge.VerdictCommented
			switch r.GetState() {
			case "APPROVED":
				verdict = forge.VerdictApproved
			case "CHANGES_REQUESTED":
				verdict = forge.VerdictChangesRequested
			case "PENDING", "DISMISSED":
				continue
			}
			out = append(out, forge.Review{
				ID:        strconv.FormatInt(r.GetID(), 10),
				Author:    r.GetUser().GetLogin(),
				Verdict:   verdict,
				Body:      r.GetBody(),
				Hash:      r.GetCommitID(),
				CreatedAt: r.GetSubmittedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ReviewComments returns the file/line comments, oldest first.
func (b *Backend) ReviewComments(ctx context.Context, repo, id string) ([]forge.ReviewComment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	num, err := prNumber(id)
	if err != nil {
		return nil, err
	}

	opts := &gh.PullRequestListCommentsOptions{
		Sort:        "created",
		Direction:   "asc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var out []forge.ReviewComment
	for {
		comments, resp, err := b.client.PullRequests.ListComments(ctx, owner, name, num, opts)
		if err != nil {
			return nil, fmt.Errorf("listing review comments: %w", err)
		}
		for _, c := range comments {
			parent := ""
			if c.GetInReplyTo() != 0 {
				parent = strconv.FormatInt(c.GetInReplyTo(), 10)
			}
			out = append(out, forge.ReviewComment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				ParentID:  parent,
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				Path:      c.GetPath(),
				Line:      c.GetLine(),
				BaseHash:  c.GetOriginalCommitID(),
				HeadHash:  c.GetCommitID(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// MinimizedComments returns ids of comments hidden on the forge.
// REST does not expose minimization — GraphQL is required.
func (b *Backend) MinimizedComments(ctx context.Context, repo, id string) (map[string]bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	num, err := prNumber(id)
	if err != nil {
		return nil, err
	}

	gql := b.getGraphQLClient(ctx)

	var query struct {
		Repository struct {
			PullRequest struct {
				Comments struct {
					Nodes []struct {
						DatabaseID  githubv4.Int
						IsMinimized githubv4.Boolean
					}
					PageInfo struct {
						HasNextPage githubv4.Boolean
						EndCursor   githubv4.String
					}
				} `graphql:"comments(first: 100, after: $cursor)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"number": githubv4.Int(num),
		"cursor": (*githubv4.String)(nil),
	}

	minimized := make(map[string]bool)
	for {
		if err := gql.Query(ctx, &query, vars); err != nil {
			return nil, fmt.Errorf("querying minimized comments: %w", err)
		}
		for _, node := range query.Repository.PullRequest.Comments.Nodes {
			if node.IsMinimized {
				minimized[strconv.Itoa(int(node.DatabaseID))] = true
			}
		}
		if !query.Repository.PullRequest.Comments.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(query.Repository.PullRequest.Comments.PageInfo.EndCursor)
	}
	return minimized, nil
}

// PostComment posts a new issue-style comment and returns it.
func (b *Backend) PostComment(ctx context.Context, repo, id, body string) (*forge.Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	num, err := prNumber(id)
	if err != nil {
		return nil, err
	}

	c, _, err := b.client.Issues.CreateComment(ctx, owner, name, num, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("posting comment: %w", err)
	}
	return &forge.Comment{
		ID:        strconv.FormatInt(c.GetID(), 10),
		Author:    c.GetUser().GetLogin(),
		Body:      c.GetBody(),
		CreatedAt: c.GetCreatedAt().Time,
		UpdatedAt: c.GetUpdatedAt().Time,
	}, nil
}

// EditComment replaces the body of an existing comment.
func (b *Backend) EditComment(ctx context.Context, repo, id, commentID, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	cid, err := strconv.ParseInt(commentID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid comment id %q", commentID)
	}

	_, _, err = b.client.Issues.EditComment(ctx, owner, name, cid, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("editing comment: %w", err)
	}
	return nil
}

// ReplyToReviewComment posts a reply in an existing review thread.
func (b *Backend) ReplyToReviewComment(ctx context.Context, repo, id, parentID, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	num, err := prNumber(id)
	if err != nil {
		return err
	}
	pid, err := strconv.ParseInt(parentID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid review comment id %q", parentID)
	}

	_, _, err = b.client.PullRequests.CreateCommentInReplyTo(ctx, owner, name, num, body, pid)
	if err != nil {
		return fmt.Errorf("replying to review comment: %w", err)
	}
	return nil
}

// AddLabel adds a label to a pull request.
func (b *Backend) AddLabel(ctx context.Context, repo, id, label string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	num, err := prNumber(id)
	if err != nil {
		return err
	}
	_, _, err = b.client.Issues.AddLabelsToIssue(ctx, owner, name, num, []string{label})
	if err != nil {
		return fmt.Errorf("adding label %q: %w", label, err)
	}
	return nil
}

// RemoveLabel removes a label from a pull request.
func (b *Backend) RemoveLabel(ctx context.Context, repo, id, label string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	num, err := prNumber(id)
	if err != nil {
		return err
	}
	_, err = b.client.Issues.RemoveLabelForIssue(ctx, owner, name, num, label)
	if err != nil {
		return fmt.Errorf("removing label %q: %w", label, err)
	}
	return nil
}

// Labels lists the repository's labels.
func (b *Backend) Labels(ctx context.Context, repo string) ([]forge.Label, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gh.ListOptions{PerPage: 100}
	var out []forge.Label
	for {
		labels, resp, err := b.client.Issues.ListLabels(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("listing labels: %w", err)
		}
		for _, l := range labels {
			out = append(out, forge.Label{
				Name:        l.GetName(),
				Description: l.GetDescription(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreateLabel creates a repository label.
func (b *Backend) CreateLabel(ctx context.Context, repo string, label forge.Label) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = b.client.Issues.CreateLabel(ctx, owner, name, &gh.Label{
		Name:        gh.Ptr(label.Name),
		Description: gh.Ptr(label.Description),
	})
	if err != nil {
		return fmt.Errorf("creating label %q: %w", label.Name, err)
	}
	return nil
}

// UpdateLabel updates a repository label's description.
func (b *Backend) UpdateLabel(ctx context.Context, repo string, label forge.Label) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = b.client.Issues.EditLabel(ctx, owner, name, label.Name, &gh.Label{
		Name:        gh.Ptr(label.Name),
		Description: gh.Ptr(label.Description),
	})
	if err != nil {
		return fmt.Errorf("updating label %q: %w", label.Name, err)
	}
	return nil
}

// getGraphQLClient returns (and lazily creates) the GitHub GraphQL client.
// Thread-safe via sync.Once.
func (b *Backend) getGraphQLClient(ctx context.Context) *githubv4.Client {
	b.gqlOnce.Do(func() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: b.token})
		httpClient := oauth2.NewClient(ctx, ts)
		b.gqlClient = githubv4.NewClient(httpClient)
	})
	return b.gqlClient
}

// Verify Backend implements Forge at compile time.
var _ forge.Forge = (*Backend)(nil)
