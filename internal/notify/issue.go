package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mlbridge/mlbridge/internal/config"
	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/tracker"
	"github.com/mlbridge/mlbridge/internal/vcs"
)

// CommitLookup resolves a commit hash in a repository to its metadata.
type CommitLookup func(ctx context.Context, repo, hash string) (*vcs.Commit, error)

// IssueListener reconciles the issue tracker when pull requests
// integrate: it resolves or creates the backport matching the requested
// fix-version, posts the commit notification, transitions and assigns the
// issue, and relabels release-stream duplicates.
type IssueListener struct {
	Tracker tracker.Tracker
	Config  config.NotifyConfig
	Commits CommitLookup
	Log     *slog.Logger
}

var _ Listener = (*IssueListener)(nil)

func (l *IssueListener) OnNewPullRequest(ctx context.Context, pr *forge.PullRequest) error {
	return nil
}

func (l *IssueListener) OnNewIssue(ctx context.Context, pr *forge.PullRequest, issueID string) error {
	return nil
}

func (l *IssueListener) OnRemovedIssue(ctx context.Context, pr *forge.PullRequest, issueID string) error {
	return nil
}

func (l *IssueListener) OnHeadChange(ctx context.Context, pr *forge.PullRequest, oldHead string) error {
	return nil
}

func (l *IssueListener) OnStateChange(ctx context.Context, pr *forge.PullRequest, oldState forge.State) error {
	return nil
}

func (l *IssueListener) OnTargetBranchChange(ctx context.Context, pr *forge.PullRequest, oldBranch string) error {
	return nil
}

// OnIntegrated drives the full tracker reconciliation for every issue the
// pull request references.
func (l *IssueListener) OnIntegrated(ctx context.Context, pr *forge.PullRequest, commit string) error {
	requested := l.requestedVersion(pr.TargetBranch)
	if requested == "" {
		l.Log.Warn("no fix-version mapping for branch, skipping tracker update",
			"entity", pr.EntityID(), "branch", pr.TargetBranch)
		return nil
	}

	for _, id := range ParseIssuesBlock(pr.Body) {
		if err := l.reconcile(ctx, pr, id, requested, commit); err != nil {
			return err
		}
	}
	return nil
}

// requestedVersion maps the target branch to the fix-version being
// shipped, falling back to the configured default.
func (l *IssueListener) requestedVersion(branch string) string {
	if v, ok := l.Config.BranchVersions[branch]; ok {
		return v
	}
	return l.Config.FixVersion
}

func (l *IssueListener) reconcile(ctx context.Context, pr *forge.PullRequest, issueID, requested, commit string) error {
	issue, err := l.Tracker.Issue(ctx, issueID)
	if errors.Is(err, tracker.ErrNotFound) {
		l.Log.Warn("referenced issue not found", "entity", pr.EntityID(), "issue", issueID)
		return nil
	}
	if err != nil {
		return err
	}

	primary, err := l.followToPrimary(ctx, issue)
	if err != nil {
		return err
	}

	target, err := l.findIssue(ctx, primary, requested)
	if err != nil {
		return err
	}
	if target == nil {
		if target, err = l.createBackport(ctx, primary, requested); err != nil {
			return err
		}
		l.Log.Info("created backport", "primary", primary.ID, "backport", target.ID, "fix_version", requested)
	} else if err := l.adoptFixVersion(ctx, target, requested); err != nil {
		return err
	}

	if err := l.notifyCommit(ctx, pr, target, commit); err != nil {
		return err
	}

	if target.State == tracker.StateOpen {
		if err := l.Tracker.SetState(ctx, target.ID, tracker.StateResolved); err != nil {
			return err
		}
	}

	if err := l.assignCommitter(ctx, pr, target, commit); err != nil {
		return err
	}

	if build := "master"; ShouldReplaceBuild(target.ResolvedInBuild, build) {
		if err := l.Tracker.SetResolvedInBuild(ctx, target.ID, build); err != nil {
			return err
		}
	}

	// Refetch so a just-created backport link is visible to the labeling
	// pass.
	primary, err = l.Tracker.Issue(ctx, primary.ID)
	if err != nil {
		return err
	}
	return l.labelReleaseStreamDuplicates(ctx, primary)
}

// followToPrimary walks backport-of links until a primary-typed issue.
// A bounded depth guards against link cycles in the tracker.
func (l *IssueListener) followToPrimary(ctx context.Context, issue *tracker.Issue) (*tracker.Issue, error) {
	const maxDepth = 10
	cur := issue
	for depth := 0; depth < maxDepth; depth++ {
		if cur.Type.IsPrimary() {
			return cur, nil
		}
		next := ""
		for _, link := range cur.Links {
			if link.Relationship == tracker.LinkBackportOf {
				next = link.IssueID
				break
			}
		}
		if next == "" {
			return cur, nil
		}
		parent, err := l.Tracker.Issue(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("following backport link %s -> %s: %w", cur.ID, next, err)
		}
		cur = parent
	}
	return nil, fmt.Errorf("backport link chain from %s exceeds depth %d", issue.ID, maxDepth)
}

// family returns the primary followed by its backports, in link order.
func (l *IssueListener) family(ctx context.Context, primary *tracker.Issue) ([]*tracker.Issue, error) {
	out := []*tracker.Issue{primary}
	for _, link := range primary.Links {
		if link.Relationship != tracker.LinkBackportedBy {
			continue
		}
		bp, err := l.Tracker.Issue(ctx, link.IssueID)
		if err != nil {
			return nil, fmt.Errorf("loading backport %s: %w", link.IssueID, err)
		}
		out = append(out, bp)
	}
	return out, nil
}

// findIssue returns the family member matching the requested fix-version
// by decreasing precedence: exact non-scratch match, then pool match,
// then scratch. Within one tier the earlier family member wins. Nil when
// nothing matches.
func (l *IssueListener) findIssue(ctx context.Context, primary *tracker.Issue, requested string) (*tracker.Issue, error) {
	candidates, err := l.family(ctx, primary)
	if err != nil {
		return nil, err
	}

	requestedFeature := 0
	if v, err := ParseVersion(requested); err == nil {
		requestedFeature = v.Feature()
	}

	for _, c := range candidates {
		if real := nonScratchVersions(c.FixVersions); len(real) == 1 && real[0] == requested {
			return c, nil
		}
	}
	if requestedFeature > 0 {
		for _, c := range candidates {
			for _, fv := range c.FixVersions {
				if feature, ok := IsPool(fv); ok && feature == requestedFeature {
					return c, nil
				}
			}
		}
	}
	for _, c := range candidates {
		if len(nonScratchVersions(c.FixVersions)) == 0 {
			return c, nil
		}
	}
	return nil, nil
}

// adoptFixVersion pins an issue matched through a pool or scratch
// fix-version to the concrete version being shipped. Exact matches are
// left alone.
func (l *IssueListener) adoptFixVersion(ctx context.Context, target *tracker.Issue, requested string) error {
	if real := nonScratchVersions(target.FixVersions); len(real) == 1 && real[0] == requested {
		return nil
	}
	if err := l.Tracker.SetFixVersions(ctx, target.ID, []string{requested}); err != nil {
		return err
	}
	l.Log.Info("set fix version", "issue", target.ID, "fix_version", requested)
	target.FixVersions = []string{requested}
	return nil
}

func nonScratchVersions(versions []string) []string {
	var out []string
	for _, v := range versions {
		if !IsScratch(v) {
			out = append(out, v)
		}
	}
	return out
}

// createBackport copies the primary into a Backport issue carrying the
// requested fix-version, with resolved-in-build cleared and the security
// level inherited, and links both directions.
func (l *IssueListener) createBackport(ctx context.Context, primary *tracker.Issue, requested string) (*tracker.Issue, error) {
	created, err := l.Tracker.CreateIssue(ctx, tracker.Issue{
		Type:          tracker.TypeBackport,
		State:         tracker.StateOpen,
		Title:         primary.Title,
		FixVersions:   []string{requested},
		SecurityLevel: primary.SecurityLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backport of %s: %w", primary.ID, err)
	}
	if err := l.Tracker.AddLink(ctx, created.ID, tracker.Link{Relationship: tracker.LinkBackportOf, IssueID: primary.ID}); err != nil {
		return nil, err
	}
	if err := l.Tracker.AddLink(ctx, primary.ID, tracker.Link{Relationship: tracker.LinkBackportedBy, IssueID: created.ID}); err != nil {
		return nil, err
	}
	return created, nil
}

// notifyCommit posts the one-line integration comment unless an earlier
// pass already did.
func (l *IssueListener) notifyCommit(ctx context.Context, pr *forge.PullRequest, target *tracker.Issue, commit string) error {
	existing, err := l.Tracker.Comments(ctx, target.ID)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if strings.Contains(c.Body, commit) {
			return nil
		}
	}

	body := fmt.Sprintf("Changeset: %s", commit)
	if l.Config.CommitURLBase != "" {
		body = fmt.Sprintf("Changeset: %s\nURL: %s%s",
			commit, l.Config.CommitURLBase, commit)
	}
	return l.Tracker.AddComment(ctx, target.ID, body)
}

// assignCommitter assigns the committer's tracker identity, derived from
// the commit author's @openjdk.org address, when the issue is unassigned.
func (l *IssueListener) assignCommitter(ctx context.Context, pr *forge.PullRequest, target *tracker.Issue, commit string) error {
	if len(target.Assignees) > 0 || l.Commits == nil {
		return nil
	}
	info, err := l.Commits(ctx, pr.Repository, commit)
	if err != nil {
		return fmt.Errorf("resolving committer for %s: %w", commit, err)
	}
	local, domain, ok := strings.Cut(info.Email, "@")
	if !ok || domain != "openjdk.org" {
		return nil
	}
	return l.Tracker.Assign(ctx, target.ID, local)
}

type streamEntry struct {
	issue   *tracker.Issue
	version *Version
}

// labelReleaseStreamDuplicates relabels the whole family: in every
// release stream the earliest fix-version goes unlabeled and every later
// one carries the duplicate label. Streams with a single member are
// irrelevant and dropped.
func (l *IssueListener) labelReleaseStreamDuplicates(ctx context.Context, primary *tracker.Issue) error {
	label := l.Config.StreamDuplicateLabel
	if label == "" {
		return nil
	}

	family, err := l.family(ctx, primary)
	if err != nil {
		return err
	}

	streams := map[string][]streamEntry{}
	for _, issue := range family {
		real := nonScratchVersions(issue.FixVersions)
		if len(real) != 1 {
			continue
		}
		v, err := ParseVersion(real[0])
		if err != nil {
			continue
		}
		for _, key := range v.Streams(issue.ResolvedInBuild) {
			streams[key] = append(streams[key], streamEntry{issue: issue, version: v})
		}
	}

	keys := make([]string, 0, len(streams))
	for key := range streams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entries := streams[key]
		if len(entries) < 2 {
			continue
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].version.Compare(entries[j].version) < 0
		})
		for i, e := range entries {
			switch {
			case i == 0 && e.issue.HasLabel(label):
				if err := l.Tracker.RemoveLabel(ctx, e.issue.ID, label); err != nil {
					return err
				}
			case i > 0 && !e.issue.HasLabel(label):
				if err := l.Tracker.AddLabel(ctx, e.issue.ID, label); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
