// Package forge defines the code-review forge collaborator the bridge
// consumes. Implementations fetch point-in-time pull request snapshots and
// mutate labels and comments; the bridge never holds live forge objects.
package forge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a pull request on the forge.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// PullRequest is a point-in-time snapshot of a forge pull request.
type PullRequest struct {
	// Repository is the "owner/name" the PR belongs to.
	Repository string
	// ID is the forge-assigned number, as a string.
	ID string

	Title        string
	Body         string
	Author       string
	HeadHash     string
	BaseHash     string
	TargetBranch string
	State        State
	Labels       []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityID is the stable identity used to key durable state.
func (pr *PullRequest) EntityID() string {
	return fmt.Sprintf("%s#%s", pr.Repository, pr.ID)
}

// SplitEntityID is the inverse of EntityID.
func SplitEntityID(entityID string) (repo, id string, err error) {
	idx := strings.LastIndex(entityID, "#")
	if idx <= 0 || idx == len(entityID)-1 {
		return "", "", fmt.Errorf("malformed entity id %q", entityID)
	}
	return entityID[:idx], entityID[idx+1:], nil
}

// HasLabel reports whether the PR carries the given label.
func (pr *PullRequest) HasLabel(name string) bool {
	for _, l := range pr.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Comment is an issue-style comment on a pull request.
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Verdict is a review outcome.
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
	VerdictCommented        Verdict = "commented"
)

// Review is a submitted pull request review.
type Review struct {
	ID        string
	Author    string
	Verdict   Verdict
	Body      string
	Hash      string // head hash the review was made against
	CreatedAt time.Time
}

// ReviewComment is a file/line comment inside a review.
type ReviewComment struct {
	ID       string
	ParentID string // id of the comment this replies to; empty for roots
	Author   string
	Body     string
	Path     string
	Line     int
	BaseHash string
	HeadHash string

	CreatedAt time.Time
}

// Label is a forge repository label.
type Label struct {
	Name        string
	Description string
}

// Forge is the read/mutate surface of the code-review forge.
type Forge interface {
	// PullRequests returns snapshots of all pull requests in a repository,
	// open and closed, newest update first.
	PullRequests(ctx context.Context, repo string) ([]PullRequest, error)

	// PullRequest returns a fresh snapshot of one pull request.
	PullRequest(ctx context.Context, repo, id string) (*PullRequest, error)

	// Comments returns the issue-style comments on a pull request, oldest first.
	Comments(ctx context.Context, repo, id string) ([]Comment, error)

	// Reviews returns the submitted reviews, oldest first.
	Reviews(ctx context.Context, repo, id string) ([]Review, error)

	// ReviewComments returns the file/line comments, oldest first.
	ReviewComments(ctx context.Context, repo, id string) ([]ReviewComment, error)

	// MinimizedComments returns the ids of comments hidden on the forge.
	MinimizedComments(ctx context.Context, repo, id string) (map[string]bool, error)

	// PostComment posts a new issue-style comment and returns it.
	PostComment(ctx context.Context, repo, id, body string) (*Comment, error)

	// EditComment replaces the body of an existing comment.
	EditComment(ctx context.Context, repo, id, commentID, body string) error

	// ReplyToReviewComment posts a reply in an existing review thread.
	ReplyToReviewComment(ctx context.Context, repo, id, parentID, body string) error

	// AddLabel / RemoveLabel mutate a pull request's label set.
	AddLabel(ctx context.Context, repo, id, label string) error
	RemoveLabel(ctx context.Context, repo, id, label string) error

	// Labels lists the repository's labels.
	Labels(ctx context.Context, repo string) ([]Label, error)

	// CreateLabel and UpdateLabel manage repository labels.
	CreateLabel(ctx context.Context, repo string, label Label) error
	UpdateLabel(ctx context.Context, repo string, label Label) error
}
