// Package notify watches pull request lifecycles, diffs them against the
// durable state, and fans the deltas out to listeners. The issue listener
// reconciles the tracker: backport resolution, commit notifications, and
// release-stream duplicate labeling.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mlbridge/mlbridge/internal/config"
	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/scheduler"
	"github.com/mlbridge/mlbridge/internal/state"
)

// Listener receives ordered lifecycle callbacks for one pull request. A
// returned error leaves the stored state untouched, so the same delta is
// redelivered next cycle.
type Listener interface {
	OnNewPullRequest(ctx context.Context, pr *forge.PullRequest) error
	OnNewIssue(ctx context.Context, pr *forge.PullRequest, issueID string) error
	OnRemovedIssue(ctx context.Context, pr *forge.PullRequest, issueID string) error
	OnHeadChange(ctx context.Context, pr *forge.PullRequest, oldHead string) error
	OnStateChange(ctx context.Context, pr *forge.PullRequest, oldState forge.State) error
	OnTargetBranchChange(ctx context.Context, pr *forge.PullRequest, oldBranch string) error
	OnIntegrated(ctx context.Context, pr *forge.PullRequest, commit string) error
}

// issuesHeadingPattern matches the dedicated issues block heading.
var issuesHeadingPattern = regexp.MustCompile(`(?m)^#+\s*Issues?\s*$`)

// issueBulletPattern matches one issue bullet: "[JDK-8231111](url): title".
var issueBulletPattern = regexp.MustCompile(`^\s*[-*]\s*\[([^\]\s]+)\]\(`)

// pushedCommitPattern matches the integrator's integration note.
var pushedCommitPattern = regexp.MustCompile(`Pushed as commit ([0-9a-f]{40})\.`)

// FailureMarker in a pull request body is a back-pressure signal: the
// notifier suspends all actions for that pull request until it is removed.
const FailureMarker = "TEMPORARY_ISSUE_FAILURE_MARKER"

// ParseIssuesBlock extracts the referenced issue ids from a pull request
// body: the bullet list following an "Issue"/"Issues" heading. Anything
// outside the block is ignored; prose mentions never count.
func ParseIssuesBlock(body string) []string {
	loc := issuesHeadingPattern.FindStringIndex(body)
	if loc == nil {
		return nil
	}

	var ids []string
	for _, line := range strings.Split(body[loc[1]:], "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			break
		}
		m := issueBulletPattern.FindStringSubmatch(line)
		if m == nil {
			break
		}
		ids = append(ids, m[1])
	}
	return ids
}

// IntegratedCommit extracts the pushed commit hash from the integrator's
// comment, or empty when the pull request has not been integrated.
func IntegratedCommit(comments []forge.Comment, integratorID string) string {
	if integratorID == "" {
		return ""
	}
	for _, c := range comments {
		if c.Author != integratorID {
			continue
		}
		if m := pushedCommitPattern.FindStringSubmatch(c.Body); m != nil {
			return m[1]
		}
	}
	return ""
}

// RecordStore is the slice of the durable state store the notifier
// uses. *state.RefStore satisfies it.
type RecordStore interface {
	Current(ctx context.Context) (*state.Set, error)
	Put(ctx context.Context, rec state.Record) error
}

// Bot is the pull-request notifier.
type Bot struct {
	cfg       config.Config
	forge     forge.Forge
	store     RecordStore
	listeners []Listener
	log       *slog.Logger
}

// NewBot wires the notifier with its listeners. Listener order is
// delivery order.
func NewBot(cfg config.Config, f forge.Forge, store RecordStore, listeners []Listener, log *slog.Logger) *Bot {
	return &Bot{cfg: cfg, forge: f, store: store, listeners: listeners, log: log}
}

func (b *Bot) Name() string { return "notify" }

// PeriodicItems produces one work item per pull request.
func (b *Bot) PeriodicItems(ctx context.Context) ([]scheduler.Item, error) {
	var items []scheduler.Item
	for _, repo := range b.cfg.Forge.Repositories {
		prs, err := b.forge.PullRequests(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests in %s: %w", repo, err)
		}
		for _, pr := range prs {
			items = append(items, &notifyItem{bot: b, repo: repo, id: pr.ID, entity: pr.EntityID()})
		}
	}
	return items, nil
}

// notifyItem processes one pull request's deltas. Items for the same pull
// request never overlap, and a notify item never overlaps the bridge item
// for the same entity since both mutate the shared state record.
type notifyItem struct {
	bot    *Bot
	repo   string
	id     string
	entity string
}

func (i *notifyItem) ID() string { return "notify/" + i.entity }

func (i *notifyItem) ConcurrentWith(other scheduler.Item) bool {
	type entityItem interface{ Entity() string }
	if o, ok := other.(entityItem); ok {
		return o.Entity() != i.entity
	}
	o, ok := other.(*notifyItem)
	return !ok || o.entity != i.entity
}

// Entity exposes the entity key for cross-bot exclusion.
func (i *notifyItem) Entity() string { return i.entity }

func (i *notifyItem) HandleError(err error) {
	i.bot.log.Warn("notification failed, will retry", "entity", i.entity, "error", err)
}

func (i *notifyItem) Run(ctx context.Context, scratch string) ([]scheduler.Item, error) {
	_ = scratch
	return nil, i.bot.process(ctx, i.repo, i.id)
}

func (b *Bot) process(ctx context.Context, repo, id string) error {
	pr, err := b.forge.PullRequest(ctx, repo, id)
	if err != nil {
		return err
	}
	entity := pr.EntityID()

	if strings.Contains(pr.Body, FailureMarker) {
		b.log.Debug("failure marker present, suspending notifications", "entity", entity)
		return nil
	}

	comments, err := b.forge.Comments(ctx, repo, id)
	if err != nil {
		return err
	}

	next := state.Record{
		EntityID:         entity,
		IssueIDs:         ParseIssuesBlock(pr.Body),
		Head:             pr.HeadHash,
		State:            string(pr.State),
		TargetBranch:     pr.TargetBranch,
		IntegratedCommit: IntegratedCommit(comments, b.cfg.Notify.IntegratorID),
	}

	set, err := b.store.Current(ctx)
	if err != nil {
		return err
	}
	prev, _ := set.Get(entity)

	// The record is shared with the bridge, which stores one for every
	// pull request it mails about. Only the notifier's own marker says
	// the new-PR callbacks already went out.
	known := prev.Notified

	if err := b.deliver(ctx, pr, prev, next, known); err != nil {
		// State stays at prev; the whole delta is recomputed and
		// redelivered next cycle.
		return err
	}

	next.Notified = true
	// The bridge owns the mail bookkeeping on the shared record; carry it
	// through unchanged.
	next.Fingerprints = prev.Fingerprints
	next.Heads = prev.Heads
	return b.store.Put(ctx, next)
}

// deliver emits the ordered callbacks for the prev→next delta.
func (b *Bot) deliver(ctx context.Context, pr *forge.PullRequest, prev state.Record, next state.Record, known bool) error {
	for _, l := range b.listeners {
		if !known {
			if err := l.OnNewPullRequest(ctx, pr); err != nil {
				return err
			}
		}
		for _, id := range next.IssueIDs {
			if known && containsString(prev.IssueIDs, id) {
				continue
			}
			if err := l.OnNewIssue(ctx, pr, id); err != nil {
				return err
			}
		}
		if known {
			for _, id := range prev.IssueIDs {
				if containsString(next.IssueIDs, id) {
					continue
				}
				if err := l.OnRemovedIssue(ctx, pr, id); err != nil {
					return err
				}
			}
		}
		if known && prev.Head != "" && prev.Head != next.Head {
			if err := l.OnHeadChange(ctx, pr, prev.Head); err != nil {
				return err
			}
		}
		if known && prev.State != "" && prev.State != next.State {
			if err := l.OnStateChange(ctx, pr, forge.State(prev.State)); err != nil {
				return err
			}
		}
		if known && prev.TargetBranch != "" && prev.TargetBranch != next.TargetBranch {
			if err := l.OnTargetBranchChange(ctx, pr, prev.TargetBranch); err != nil {
				return err
			}
		}
		if next.IntegratedCommit != "" && next.IntegratedCommit != prev.IntegratedCommit {
			if err := l.OnIntegrated(ctx, pr, next.IntegratedCommit); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
