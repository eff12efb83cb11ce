package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/mlbridge/mlbridge/internal/email"
	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/list"
)

// ChangeInfo is the footer block appended to PR-Opened and PR-Revised
// mails: the stat summary plus stable links into the webrev and forge.
type ChangeInfo struct {
	CommitCount  int
	FilesChanged int
	Insertions   int
	Deletions    int
	// AdditionalCommits counts the commits a non-rebase push added on top
	// of the prior head; zero for opened mails and rebases.
	AdditionalCommits int
	WebrevURL         string
	// IncrementalURL links the NN-MM delta webrev; empty for rev 0 and
	// for pushes that changed the target base.
	IncrementalURL string
	PatchURL       string
	PullRequestURL string
	IssueLines     []string
	FetchCommand   string
}

// Synthesizer turns archive items into ready-to-send mail. The caller
// supplies the revision footer via InfoFor and the head file snapshot via
// FileAt; both may be nil in tests.
type Synthesizer struct {
	SenderEmail   string
	RepoInSubject bool
	ContextLines  int
	Headers       map[string]string

	// InfoFor returns the footer block for a root item (opened/revised).
	InfoFor func(item *Item) (*ChangeInfo, error)
	// FileAt returns the named file's content at the given revision, used
	// for review comment context.
	FileAt func(path, rev string) ([]byte, error)
}

// RootSubject builds the thread subject for a pull request. Revisions
// never change the subject; the whole review stays a single thread.
func (s *Synthesizer) RootSubject(pr *forge.PullRequest) string {
	subject := "RFR: " + pr.Title
	if s.RepoInSubject {
		name := pr.Repository
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		subject = name + ": " + subject
	}
	return subject
}

func (s *Synthesizer) subjectFor(pr *forge.PullRequest, item *Item) string {
	root := s.RootSubject(pr)
	switch {
	case item.Kind == KindPROpened:
		return root
	case item.Kind == KindVerdict && item.Verdict == forge.VerdictApproved:
		return "Re: [Approved] " + root
	case item.Kind == KindVerdict && item.Verdict == forge.VerdictChangesRequested:
		return "Re: Changes requested: " + root
	default:
		return "Re: " + root
	}
}

// Email renders one archive item as a mail message threaded under its
// parent, cross-posted to every list the pull request matches. byID must
// cover every item already materialized for the pull request so
// References chains can be rebuilt deterministically.
func (s *Synthesizer) Email(pr *forge.PullRequest, item *Item, byID map[string]*Item, lists []list.List) (*email.Email, error) {
	domain := email.Address{Address: s.SenderEmail}.Domain()
	id := email.MessageID(pr.EntityID(), item.ID, domain)

	body, err := s.bodyFor(pr, item, byID)
	if err != nil {
		return nil, err
	}

	recipients := make([]email.Address, len(lists))
	for i, l := range lists {
		recipients[i] = l.Address()
	}

	msg := &email.Email{
		ID:         id,
		From:       email.Address{Name: item.Author, Address: s.SenderEmail},
		Recipients: recipients,
		Subject:    s.subjectFor(pr, item),
		Body:       body,
		Date:       item.Created,
		Headers:    map[string]string{},
	}
	for k, v := range s.Headers {
		msg.Headers[k] = v
	}

	if item.ParentID != "" {
		msg.InReplyTo = email.MessageID(pr.EntityID(), item.ParentID, domain)
		msg.References = s.referencesFor(pr, item, byID, domain)
	}
	return msg, nil
}

// referencesFor walks the parent chain root-first, capped to avoid
// unbounded headers on deep threads.
func (s *Synthesizer) referencesFor(pr *forge.PullRequest, item *Item, byID map[string]*Item, domain string) []string {
	const maxReferences = 20
	var chain []string
	cur := item
	for cur.ParentID != "" {
		chain = append(chain, email.MessageID(pr.EntityID(), cur.ParentID, domain))
		next, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = next
	}
	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if len(chain) > maxReferences {
		chain = chain[len(chain)-maxReferences:]
	}
	return chain
}

func (s *Synthesizer) bodyFor(pr *forge.PullRequest, item *Item, byID map[string]*Item) (string, error) {
	switch item.Kind {
	case KindPROpened:
		return s.openedBody(item)
	case KindPRRevised:
		return s.revisedBody(item)
	case KindReviewComment:
		return s.reviewCommentBody(item, byID), nil
	default:
		return s.replyBody(item, byID), nil
	}
}

func (s *Synthesizer) openedBody(item *Item) (string, error) {
	info, err := s.info(item)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(MarkdownToText(item.Body))
	writeInfo(&b, info)
	return b.String(), nil
}

func (s *Synthesizer) revisedBody(item *Item) (string, error) {
	info, err := s.info(item)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	switch {
	case item.Rebase:
		b.WriteString("The pull request has been updated with a new target base due to a merge or a rebase.")
	case info != nil && info.AdditionalCommits == 1:
		b.WriteString("The pull request has been updated with 1 additional commit.")
	case info != nil && info.AdditionalCommits > 1:
		fmt.Fprintf(&b, "The pull request has been updated with %d additional commits.", info.AdditionalCommits)
	default:
		b.WriteString("The pull request has been updated with additional changes.")
	}
	writeInfo(&b, info)
	return b.String(), nil
}

func (s *Synthesizer) info(item *Item) (*ChangeInfo, error) {
	if s.InfoFor == nil {
		return nil, nil
	}
	info, err := s.InfoFor(item)
	if err != nil {
		return nil, fmt.Errorf("building change info for %s: %w", item.ID, err)
	}
	return info, nil
}

func writeInfo(b *strings.Builder, info *ChangeInfo) {
	if info == nil {
		return
	}

	b.WriteString("\n\n-------------\n\n")
	fmt.Fprintf(b, "Commit messages:\n") // detailed list lives in the webrev
	fmt.Fprintf(b, "Changes: %d commits, %d files changed, %d insertions, %d deletions\n",
		info.CommitCount, info.FilesChanged, info.Insertions, info.Deletions)
	if info.WebrevURL != "" {
		fmt.Fprintf(b, "Webrev: %s\n", info.WebrevURL)
	}
	if info.IncrementalURL != "" {
		fmt.Fprintf(b, "Incremental webrev: %s\n", info.IncrementalURL)
	}
	for _, line := range info.IssueLines {
		fmt.Fprintf(b, "Issue: %s\n", line)
	}
	if info.PatchURL != "" {
		fmt.Fprintf(b, "Patch: %s\n", info.PatchURL)
	}
	if info.FetchCommand != "" {
		fmt.Fprintf(b, "Fetch: %s\n", info.FetchCommand)
	}
	if info.PullRequestURL != "" {
		fmt.Fprintf(b, "PR: %s\n", info.PullRequestURL)
	}
}

// reviewCommentBody leads with the file location and a few lines of
// context from the commented revision, then the comment itself.
func (s *Synthesizer) reviewCommentBody(item *Item, byID map[string]*Item) string {
	var b strings.Builder
	s.writeQuotedParent(&b, item, byID)

	if item.Path != "" {
		fmt.Fprintf(&b, "%s line %d:\n\n", item.Path, item.Line)
		if ctx := s.contextLines(item); ctx != "" {
			b.WriteString(ctx)
			b.WriteString("\n\n")
		}
	}
	b.WriteString(MarkdownToText(item.Body))
	return b.String()
}

// contextLines renders ContextLines lines ending at the commented line
// from the head-revision snapshot of the file.
func (s *Synthesizer) contextLines(item *Item) string {
	if s.FileAt == nil || item.HeadHash == "" || item.Line <= 0 {
		return ""
	}
	data, err := s.FileAt(item.Path, item.HeadHash)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if item.Line > len(lines) {
		return ""
	}
	start := item.Line - s.ContextLines
	if start < 1 {
		start = 1
	}
	var b strings.Builder
	for n := start; n <= item.Line; n++ {
		fmt.Fprintf(&b, "> %d: %s\n", n, lines[n-1])
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Synthesizer) replyBody(item *Item, byID map[string]*Item) string {
	var b strings.Builder
	s.writeQuotedParent(&b, item, byID)
	b.WriteString(MarkdownToText(item.Body))
	return b.String()
}

// writeQuotedParent quotes the parent body the way a mail client would,
// so archive readers see the context without chasing the thread.
func (s *Synthesizer) writeQuotedParent(b *strings.Builder, item *Item, byID map[string]*Item) {
	parent, ok := byID[item.ParentID]
	if !ok || parent.IsRoot() {
		return
	}
	fmt.Fprintf(b, "On %s, %s wrote:\n\n", parent.Created.UTC().Format(time.RFC1123), parent.Author)
	b.WriteString(Quote(MarkdownToText(parent.Body)))
	b.WriteString("\n\n")
}
