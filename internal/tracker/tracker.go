// Package tracker defines the issue-tracker collaborator. The notifier
// reads issues, follows backport links, and applies state/fix-version/link
// updates; workflow synthesis beyond that is out of scope.
package tracker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an issue id does not resolve.
var ErrNotFound = errors.New("issue not found")

// IssueType classifies a tracker issue.
type IssueType string

const (
	TypeBug         IssueType = "Bug"
	TypeNewFeature  IssueType = "New Feature"
	TypeEnhancement IssueType = "Enhancement"
	TypeTask        IssueType = "Task"
	TypeSubTask     IssueType = "Sub-task"
	TypeBackport    IssueType = "Backport"
)

// IsPrimary reports whether the type marks a primary (non-backport) issue.
func (t IssueType) IsPrimary() bool {
	switch t {
	case TypeBug, TypeNewFeature, TypeEnhancement, TypeTask, TypeSubTask:
		return true
	}
	return false
}

// Issue states used by the notifier.
const (
	StateOpen     = "Open"
	StateResolved = "Resolved"
	StateClosed   = "Closed"
)

// Backport link relationships.
const (
	LinkBackportOf   = "backport of"
	LinkBackportedBy = "backported by"
)

// Link connects two issues with a named relationship.
type Link struct {
	Relationship string
	IssueID      string
}

// Comment is a tracker issue comment.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// Issue is a snapshot of a tracker issue.
type Issue struct {
	ID              string
	Type            IssueType
	State           string
	Title           string
	FixVersions     []string
	Assignees       []string
	Labels          []string
	SecurityLevel   string
	ResolvedInBuild string
	Links           []Link
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Tracker is the mutation surface the notifier relies on.
type Tracker interface {
	// Issue fetches a snapshot by id. Returns ErrNotFound for unknown ids.
	Issue(ctx context.Context, id string) (*Issue, error)

	// CreateIssue creates an issue and returns the stored snapshot.
	CreateIssue(ctx context.Context, issue Issue) (*Issue, error)

	// Comments lists an issue's comments, oldest first.
	Comments(ctx context.Context, id string) ([]Comment, error)

	// AddComment appends a comment.
	AddComment(ctx context.Context, id, body string) error

	// SetState transitions the issue.
	SetState(ctx context.Context, id, state string) error

	// Assign sets the issue assignee when unassigned.
	Assign(ctx context.Context, id, user string) error

	// AddLabel / RemoveLabel mutate the label set.
	AddLabel(ctx context.Context, id, label string) error
	RemoveLabel(ctx context.Context, id, label string) error

	// AddLink records a relationship between two issues.
	AddLink(ctx context.Context, id string, link Link) error

	// SetFixVersions replaces the fix-version set.
	SetFixVersions(ctx context.Context, id string, versions []string) error

	// SetResolvedInBuild updates the resolved-in-build field.
	SetResolvedInBuild(ctx context.Context, id, build string) error
}
