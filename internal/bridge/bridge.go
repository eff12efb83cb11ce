package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mlbridge/mlbridge/internal/config"
	"github.com/mlbridge/mlbridge/internal/email"
	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/list"
	"github.com/mlbridge/mlbridge/internal/scheduler"
	"github.com/mlbridge/mlbridge/internal/state"
	"github.com/mlbridge/mlbridge/internal/vcs"
)

// issueIDPattern matches the tracker id conventionally leading a pull
// request title, e.g. "8231111: Improve the thing".
var issueIDPattern = regexp.MustCompile(`^([A-Z]+-)?(\d{6,8}):\s`)

// pushedCommitPattern matches the integrator's "Pushed as commit" note.
var pushedCommitPattern = regexp.MustCompile(`Pushed as commit ([0-9a-f]{40})\.`)

// webrevCommentMarker tags the single forge comment listing the published
// webrevs; each new revision rewrites that comment in place.
const webrevCommentMarker = "<!-- mlbridge webrev list -->"

type listEntry struct {
	list   list.List
	labels []string
}

type readyCheck struct {
	author  string
	pattern *regexp.Regexp
}

// Bot is the mailing-list bridge: it watches pull requests, synthesizes
// archive mail, publishes webrevs, and runs the archive reader.
type Bot struct {
	cfg       config.Config
	forge     forge.Forge
	sender    list.Sender
	archive   list.Archive
	cache     *list.Cache
	store     *state.RefStore
	publisher *Publisher

	lists        []listEntry
	readyChecks  []readyCheck
	cloneCache   string
	cooldown     time.Duration
	sendInterval time.Duration

	labelsOnce sync.Once
	log        *slog.Logger
}

// NewBot wires the bridge from configuration and collaborators. cloneCache
// is the shared directory source repositories materialize into.
func NewBot(cfg config.Config, f forge.Forge, sender list.Sender, archive list.Archive,
	cache *list.Cache, store *state.RefStore, publisher *Publisher, cloneCache string, log *slog.Logger) (*Bot, error) {

	b := &Bot{
		cfg:          cfg,
		forge:        f,
		sender:       sender,
		archive:      archive,
		cache:        cache,
		store:        store,
		publisher:    publisher,
		cloneCache:   cloneCache,
		cooldown:     cfg.Bridge.ParseCooldown(),
		sendInterval: cfg.Bridge.ParseSendInterval(),
		log:          log,
	}
	for _, lc := range cfg.Bridge.Lists {
		b.lists = append(b.lists, listEntry{
			list:   list.List{Name: lc.Name, Email: lc.Email},
			labels: lc.Labels,
		})
	}
	for _, rc := range cfg.Bridge.ReadyComments {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling ready-comment pattern %q: %w", rc.Pattern, err)
		}
		b.readyChecks = append(b.readyChecks, readyCheck{author: rc.Author, pattern: re})
	}
	return b, nil
}

func (b *Bot) Name() string { return "mlbridge" }

// PeriodicItems produces one work item per known pull request, one per
// mailing list for the archive reader, and a one-time label sync.
func (b *Bot) PeriodicItems(ctx context.Context) ([]scheduler.Item, error) {
	var items []scheduler.Item

	b.labelsOnce.Do(func() {
		items = append(items, &labelItem{bot: b})
	})

	for _, repo := range b.cfg.Forge.Repositories {
		prs, err := b.forge.PullRequests(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests in %s: %w", repo, err)
		}
		for _, pr := range prs {
			items = append(items, &prItem{bot: b, repo: repo, id: pr.ID, entity: pr.EntityID()})
		}
	}

	for _, entry := range b.lists {
		items = append(items, &readerItem{bot: b, list: entry.list})
	}
	return items, nil
}

// listsFor returns the lists a pull request is bridged to: those with no
// label restriction plus those sharing a label with the PR.
func (b *Bot) listsFor(pr *forge.PullRequest) []list.List {
	var out []list.List
	for _, entry := range b.lists {
		if len(entry.labels) == 0 {
			out = append(out, entry.list)
			continue
		}
		for _, l := range entry.labels {
			if pr.HasLabel(l) {
				out = append(out, entry.list)
				break
			}
		}
	}
	return out
}

// ready reports whether the pull request has left the pre-ready phase:
// every ready label present and every ready comment posted.
func (b *Bot) ready(pr *forge.PullRequest, comments []forge.Comment) bool {
	for _, l := range b.cfg.Bridge.ReadyLabels {
		if !pr.HasLabel(l) {
			return false
		}
	}
	for _, check := range b.readyChecks {
		found := false
		for _, c := range comments {
			if c.Author == check.author && check.pattern.MatchString(c.Body) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// shouldBridge reports whether the pull request may produce mail: either
// the bridge already sent some, or the ready conditions hold now.
func (b *Bot) shouldBridge(rec state.Record, pr *forge.PullRequest, comments []forge.Comment) bool {
	return len(rec.Fingerprints) > 0 || b.ready(pr, comments)
}

// prItem bridges one pull request. Items for the same pull request never
// run concurrently; everything else does.
type prItem struct {
	bot    *Bot
	repo   string
	id     string
	entity string
}

func (i *prItem) ID() string { return "bridge/" + i.entity }

// Entity exposes the entity key so items from other bots targeting the
// same pull request are mutually excluded too.
func (i *prItem) Entity() string { return i.entity }

func (i *prItem) ConcurrentWith(other scheduler.Item) bool {
	type entityItem interface{ Entity() string }
	o, ok := other.(entityItem)
	return !ok || o.Entity() != i.entity
}

func (i *prItem) HandleError(err error) {
	i.bot.log.Warn("pull request bridging failed", "entity", i.entity, "error", err)
}

func (i *prItem) Run(ctx context.Context, scratch string) ([]scheduler.Item, error) {
	return nil, i.bot.bridgePullRequest(ctx, scratch, i.repo, i.id)
}

func (b *Bot) bridgePullRequest(ctx context.Context, scratch, repo, id string) error {
	pr, err := b.forge.PullRequest(ctx, repo, id)
	if err != nil {
		return err
	}
	entity := pr.EntityID()

	lists := b.listsFor(pr)
	if len(lists) == 0 {
		return nil
	}

	set, err := b.store.Current(ctx)
	if err != nil {
		return err
	}
	rec, _ := set.Get(entity)
	rec.EntityID = entity

	comments, err := b.forge.Comments(ctx, repo, id)
	if err != nil {
		return err
	}

	// Pre-ready pull requests produce no mail at all; the opened mail is
	// sent only once the ready conditions hold. Only the record's own
	// sent-mail fingerprints count as prior bridging: the notifier also
	// stores a record for every pull request it polls, so record
	// existence proves nothing.
	if !b.shouldBridge(rec, pr, comments) {
		b.log.Debug("pull request not ready", "entity", entity)
		return nil
	}

	// A pull request still being pushed to settles before bridging, so a
	// rapid series of updates becomes one revision mail.
	if b.cooldown > 0 && pr.State == forge.StateOpen && time.Since(pr.UpdatedAt) < b.cooldown {
		b.log.Debug("pull request inside cooldown, deferring", "entity", entity)
		return nil
	}

	src, err := vcs.Materialize(ctx, b.cloneCache, forgeCloneURL(repo), "")
	if err != nil {
		return err
	}

	heads, rebases, err := b.advanceHeads(ctx, src, &rec, pr)
	if err != nil {
		return err
	}

	reviews, err := b.forge.Reviews(ctx, repo, id)
	if err != nil {
		return err
	}
	reviewComments, err := b.forge.ReviewComments(ctx, repo, id)
	if err != nil {
		return err
	}
	minimized, err := b.forge.MinimizedComments(ctx, repo, id)
	if err != nil {
		return err
	}

	filter, err := b.filter(minimized)
	if err != nil {
		return err
	}

	items := BuildItems(pr, heads, rebases, comments, reviews, reviewComments, filter)
	items = append(items, b.stateChangeItems(pr, comments)...)
	ResolveParents(items)

	byID := make(map[string]*Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	if err := b.publishWebrevs(ctx, scratch, src, pr, items, &rec); err != nil {
		return err
	}
	if err := b.updateWebrevComment(ctx, repo, id, pr, comments, items); err != nil {
		return err
	}

	syn := b.synthesizer(ctx, src, pr)
	domain := email.Address{Address: b.cfg.Bridge.SenderEmail}.Domain()

	for _, item := range items {
		mid := email.MessageID(entity, item.ID, domain)
		if rec.HasFingerprint(mid) {
			continue
		}
		msg, err := syn.Email(pr, item, byID, lists)
		if err != nil {
			return err
		}
		if err := b.sender.Send(ctx, lists[0], msg); err != nil {
			return fmt.Errorf("sending %s for %s: %w", item.ID, entity, err)
		}
		b.log.Info("bridged item to list", "entity", entity, "item", item.ID, "message", mid)

		// The fingerprint is durable before anything else happens, so a
		// crash after the send can never repeat the mail.
		rec.AddFingerprint(mid)
		if err := b.store.Put(ctx, rec); err != nil {
			return err
		}

		if b.sendInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.sendInterval):
			}
		}
	}

	// The lifecycle fields on the record belong to the notifier; the
	// bridge persists only its mail bookkeeping.
	return b.store.Put(ctx, rec)
}

// advanceHeads appends the current head to the record's revision history
// when it moved, classifying the push as a rebase when the prior head is
// no longer an ancestor of the new one.
func (b *Bot) advanceHeads(ctx context.Context, src *vcs.Repository, rec *state.Record, pr *forge.PullRequest) ([]string, map[string]bool, error) {
	rebases := map[string]bool{}
	if len(rec.Heads) == 0 {
		rec.Heads = []string{pr.HeadHash}
		return rec.Heads, rebases, nil
	}

	prior := rec.Heads[len(rec.Heads)-1]
	if prior == pr.HeadHash {
		return rec.Heads, rebases, nil
	}

	mb, err := src.MergeBase(ctx, prior, pr.HeadHash)
	if err != nil {
		return nil, nil, err
	}
	if mb != prior {
		rebases[pr.HeadHash] = true
	}
	rec.Heads = append(rec.Heads, pr.HeadHash)
	return rec.Heads, rebases, nil
}

// filter builds the comment filter, additionally dropping the bridge's
// own comments (reader-ingested replies and the webrev listing) so they
// never echo back to the list.
func (b *Bot) filter(minimized map[string]bool) (*Filter, error) {
	patterns := append([]string{
		regexp.QuoteMeta("<!-- Bridged id ("),
		regexp.QuoteMeta(webrevCommentMarker),
	}, b.cfg.Bridge.IgnoredComments...)
	return CompileFilter(b.cfg.Bridge.IgnoredUsers, patterns, b.cfg.Bridge.HiddenMarker, minimized)
}

// stateChangeItems appends the closing notice when the pull request left
// the open state: integrated when the integrator posted the pushed-commit
// note, plainly closed otherwise.
func (b *Bot) stateChangeItems(pr *forge.PullRequest, comments []forge.Comment) []*Item {
	if pr.State != forge.StateClosed {
		return nil
	}
	if commit := integratedCommit(comments, b.cfg.Notify.IntegratorID); commit != "" {
		return []*Item{{
			ID:      "in",
			Kind:    KindComment,
			Author:  pr.Author,
			Created: pr.UpdatedAt,
			Body:    fmt.Sprintf("This pull request has now been integrated.\n\nCommit: %s", commit),
		}}
	}
	return []*Item{{
		ID:      "cl",
		Kind:    KindComment,
		Author:  pr.Author,
		Created: pr.UpdatedAt,
		Body:    "This pull request has been closed without being integrated.",
	}}
}

// integratedCommit extracts the pushed commit hash from the integrator's
// comment, or empty when the pull request was not integrated.
func integratedCommit(comments []forge.Comment, integratorID string) string {
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

// publishWebrevs generates the artifacts for every root item not yet
// announced, ahead of the mails that link to them. Idempotent republish
// is a no-op inside the publisher.
func (b *Bot) publishWebrevs(ctx context.Context, scratch string, src *vcs.Repository, pr *forge.PullRequest, items []*Item, rec *state.Record) error {
	entity := pr.EntityID()
	domain := email.Address{Address: b.cfg.Bridge.SenderEmail}.Domain()

	for _, item := range items {
		if !item.IsRoot() {
			continue
		}
		if rec.HasFingerprint(email.MessageID(entity, item.ID, domain)) {
			continue
		}
		if _, err := b.publisher.Publish(ctx, scratch, src, entity, item.Revision, pr.BaseHash, item.Head); err != nil {
			return err
		}
		if item.Kind == KindPRRevised && !item.Rebase {
			if _, err := b.publisher.PublishIncremental(ctx, scratch, src, entity, item.Revision-1, item.Revision, item.PriorHead, item.Head); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateWebrevComment keeps one forge comment per pull request listing
// every published webrev. The comment is rewritten in place when a new
// revision appears; an unchanged body is left alone.
func (b *Bot) updateWebrevComment(ctx context.Context, repo, id string, pr *forge.PullRequest, comments []forge.Comment, items []*Item) error {
	entity := pr.EntityID()

	var bd strings.Builder
	bd.WriteString("### Webrevs\n\n")
	roots := 0
	for _, item := range items {
		if !item.IsRoot() {
			continue
		}
		roots++
		fmt.Fprintf(&bd, "- %02d: [full](%s)", item.Revision, b.publisher.URL(entity, item.Revision))
		if item.Kind == KindPRRevised && !item.Rebase {
			fmt.Fprintf(&bd, " [incremental](%s)", b.publisher.IncrementalURL(entity, item.Revision-1, item.Revision))
		}
		bd.WriteString("\n")
	}
	if roots == 0 {
		return nil
	}
	bd.WriteString("\n")
	bd.WriteString(webrevCommentMarker)
	body := bd.String()

	for _, c := range comments {
		if !strings.Contains(c.Body, webrevCommentMarker) {
			continue
		}
		if c.Body == body {
			return nil
		}
		if err := b.forge.EditComment(ctx, repo, id, c.ID, body); err != nil {
			return fmt.Errorf("rewriting webrev comment on %s: %w", entity, err)
		}
		return nil
	}
	if _, err := b.forge.PostComment(ctx, repo, id, body); err != nil {
		return fmt.Errorf("posting webrev comment on %s: %w", entity, err)
	}
	return nil
}

func (b *Bot) synthesizer(ctx context.Context, src *vcs.Repository, pr *forge.PullRequest) *Synthesizer {
	entity := pr.EntityID()
	return &Synthesizer{
		SenderEmail:   b.cfg.Bridge.SenderEmail,
		RepoInSubject: b.cfg.Bridge.RepoInSubject,
		ContextLines:  b.cfg.Bridge.ContextLines,
		Headers:       b.cfg.Bridge.Headers,
		FileAt: func(path, rev string) ([]byte, error) {
			content, err := src.FileAt(ctx, rev, path)
			if err != nil {
				return nil, err
			}
			return []byte(content), nil
		},
		InfoFor: func(item *Item) (*ChangeInfo, error) {
			return b.changeInfo(ctx, src, pr, item, entity)
		},
	}
}

func (b *Bot) changeInfo(ctx context.Context, src *vcs.Repository, pr *forge.PullRequest, item *Item, entity string) (*ChangeInfo, error) {
	commits, err := src.CommitsBetween(ctx, pr.BaseHash, item.Head)
	if err != nil {
		return nil, err
	}
	files, err := src.ChangedFiles(ctx, pr.BaseHash, item.Head)
	if err != nil {
		return nil, err
	}
	diff, err := src.Diff(ctx, pr.BaseHash, item.Head)
	if err != nil {
		return nil, err
	}
	insertions, deletions := diffStat(diff)

	info := &ChangeInfo{
		CommitCount:    len(commits),
		FilesChanged:   len(files),
		Insertions:     insertions,
		Deletions:      deletions,
		WebrevURL:      b.publisher.URL(entity, item.Revision),
		PatchURL:       b.publisher.URL(entity, item.Revision) + fmt.Sprintf("%02d.patch", item.Revision),
		PullRequestURL: fmt.Sprintf("https://github.com/%s/pull/%s", pr.Repository, pr.ID),
		FetchCommand:   fmt.Sprintf("git fetch %s pull/%s/head:pull/%s", forgeCloneURL(pr.Repository), pr.ID, pr.ID),
		IssueLines:     b.issueLines(pr),
	}
	if item.Kind == KindPRRevised && !item.Rebase {
		info.IncrementalURL = b.publisher.IncrementalURL(entity, item.Revision-1, item.Revision)
		if item.PriorHead != "" {
			added, err := src.CommitsBetween(ctx, item.PriorHead, item.Head)
			if err != nil {
				return nil, err
			}
			info.AdditionalCommits = len(added)
		}
	}
	return info, nil
}

// issueLines renders tracker links for the issue id leading the title.
func (b *Bot) issueLines(pr *forge.PullRequest) []string {
	m := issueIDPattern.FindStringSubmatch(pr.Title)
	if m == nil || b.cfg.Tracker.URLBase == "" {
		return nil
	}
	key := m[2]
	if b.cfg.Tracker.Project != "" {
		key = b.cfg.Tracker.Project + "-" + key
	}
	return []string{b.cfg.Tracker.URLBase + key}
}

func diffStat(diff string) (insertions, deletions int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			insertions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return insertions, deletions
}

func forgeCloneURL(repo string) string {
	return "https://github.com/" + repo + ".git"
}

// readerItem runs the archive reader for one mailing list. Reader items
// for the same list never overlap.
type readerItem struct {
	bot  *Bot
	list list.List
}

func (i *readerItem) ID() string { return "reader/" + i.list.Name }

func (i *readerItem) ConcurrentWith(other scheduler.Item) bool {
	o, ok := other.(*readerItem)
	return !ok || o.list.Name != i.list.Name
}

func (i *readerItem) HandleError(err error) {
	i.bot.log.Warn("archive reading failed", "list", i.list.Name, "error", err)
}

func (i *readerItem) Run(ctx context.Context, scratch string) ([]scheduler.Item, error) {
	_ = scratch
	reader := &Reader{
		Archive:      i.bot.archive,
		Cache:        i.bot.cache,
		Forge:        i.bot.forge,
		Store:        i.bot.store,
		SenderEmail:  i.bot.cfg.Bridge.SenderEmail,
		MaxReplySize: i.bot.cfg.Bridge.MaxReplySize,
		Lookback:     i.bot.cfg.Bridge.ParseLookback(),
		Log:          i.bot.log,
	}
	return nil, reader.Process(ctx, i.list)
}

// labelItem reconciles list labels once at startup.
type labelItem struct {
	bot *Bot
}

func (i *labelItem) ID() string                                { return "labels" }
func (i *labelItem) ConcurrentWith(other scheduler.Item) bool  { return true }
func (i *labelItem) HandleError(err error)                     { i.bot.log.Warn("label sync failed", "error", err) }
func (i *labelItem) Run(ctx context.Context, scratch string) ([]scheduler.Item, error) {
	_ = scratch
	var lists []list.List
	for _, entry := range i.bot.lists {
		lists = append(lists, entry.list)
	}
	updater := &LabelUpdater{
		Forge:        i.bot.forge,
		Repositories: i.bot.cfg.Forge.Repositories,
		Lists:        lists,
		Log:          i.bot.log,
	}
	return nil, updater.Sync(ctx)
}
