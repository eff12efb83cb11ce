// Package bridge implements the mailing-list bridge: it rebuilds a pull
// request's conversation as archive items, synthesizes threaded mail,
// publishes webrevs, and ingests archive replies back into the forge.
package bridge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mlbridge/mlbridge/internal/forge"
)

// Kind tags an archive item variant.
type Kind string

const (
	KindPROpened      Kind = "pr_opened"
	KindPRRevised     Kind = "pr_revised"
	KindComment       Kind = "comment"
	KindReviewComment Kind = "review_comment"
	KindReview        Kind = "review"
	KindVerdict       Kind = "verdict"
)

// combineWindow is how close in time review comments on the same location
// must be to collapse into a single item.
const combineWindow = 30 * time.Minute

// Item is one archivable event in a pull request conversation. Item ids
// are deterministic from the source so recomputing the list yields the
// same ids across runs and restarts.
type Item struct {
	ID       string
	Kind     Kind
	Author   string
	Created  time.Time
	Body     string
	ParentID string // resolved by the rules in parent.go; empty for the root

	// Review comment payload.
	Path     string
	Line     int
	BaseHash string
	HeadHash string

	// Verdict payload.
	Verdict forge.Verdict

	// Head-change payload.
	Head      string
	PriorHead string
	// Rebase marks a push that changed the target base rather than adding
	// commits; the incremental webrev is omitted for those.
	Rebase bool

	// Revision is the webrev ordinal this item corresponds to
	// (PR-Opened/PR-Revised only).
	Revision int
}

// IsRoot reports whether the item anchors a thread (opened or revised).
func (i *Item) IsRoot() bool {
	return i.Kind == KindPROpened || i.Kind == KindPRRevised
}

// FirstLine returns the item's first non-empty body line, used for quote
// matching during parent resolution.
func (i *Item) FirstLine() string {
	for _, line := range strings.Split(i.Body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

var htmlCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)

// Filter decides which forge comments become archive items.
type Filter struct {
	IgnoredUsers    []string
	IgnoredPatterns []*regexp.Regexp
	HiddenMarker    string
	// Minimized marks comment ids hidden on the forge.
	Minimized map[string]bool
}

// CompileFilter builds a Filter from raw configuration values.
func CompileFilter(users []string, patterns []string, hiddenMarker string, minimized map[string]bool) (*Filter, error) {
	f := &Filter{
		IgnoredUsers: users,
		HiddenMarker: hiddenMarker,
		Minimized:    minimized,
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling ignored-comment pattern %q: %w", p, err)
		}
		f.IgnoredPatterns = append(f.IgnoredPatterns, re)
	}
	return f, nil
}

// clean strips HTML comment markers and cuts the body at the hidden
// marker. Returns the cleaned body and whether anything remains.
func (f *Filter) clean(body string) (string, bool) {
	if f.HiddenMarker != "" {
		if idx := strings.Index(body, f.HiddenMarker); idx >= 0 {
			body = body[:idx]
		}
	}
	body = htmlCommentPattern.ReplaceAllString(body, "")
	body = strings.TrimSpace(body)
	return body, body != ""
}

// accept reports whether the comment passes the author and pattern filters.
func (f *Filter) accept(id, author, body string) bool {
	if f.Minimized[id] {
		return false
	}
	for _, u := range f.IgnoredUsers {
		if u == author {
			return false
		}
	}
	for _, re := range f.IgnoredPatterns {
		if re.MatchString(body) {
			return false
		}
	}
	return true
}

// BuildItems materializes the full archive-item sequence for a pull
// request snapshot. heads is the ordered head-revision history, ending
// with the current head; the first entry produces the PR-Opened item and
// every later one a PR-Revised item.
func BuildItems(pr *forge.PullRequest, heads []string, rebases map[string]bool,
	comments []forge.Comment, reviews []forge.Review, reviewComments []forge.ReviewComment,
	filter *Filter) []*Item {

	var items []*Item

	for i, head := range heads {
		item := &Item{
			Author:   pr.Author,
			Created:  pr.CreatedAt,
			Body:     pr.Body,
			Head:     head,
			Revision: i,
		}
		if i == 0 {
			item.ID = "pr"
			item.Kind = KindPROpened
		} else {
			item.ID = "ha" + head
			item.Kind = KindPRRevised
			item.Created = pr.UpdatedAt
			item.PriorHead = heads[i-1]
			item.Rebase = rebases[head]
		}
		items = append(items, item)
	}

	for _, c := range comments {
		if !filter.accept(c.ID, c.Author, c.Body) {
			continue
		}
		body, ok := filter.clean(c.Body)
		if !ok {
			continue
		}
		items = append(items, &Item{
			ID:      "pc" + c.ID,
			Kind:    KindComment,
			Author:  c.Author,
			Created: c.CreatedAt,
			Body:    body,
		})
	}

	items = append(items, buildReviewCommentItems(reviewComments, filter)...)

	for _, r := range reviews {
		item := &Item{
			ID:      "rv" + r.ID,
			Kind:    KindReview,
			Author:  r.Author,
			Created: r.CreatedAt,
			Body:    strings.TrimSpace(r.Body),
			Verdict: r.Verdict,
		}
		if r.Verdict != forge.VerdictCommented {
			item.Kind = KindVerdict
		}
		if item.Body == "" && item.Kind == KindVerdict {
			role := "Reviewer"
			item.Body = fmt.Sprintf("Marked as reviewed by %s (%s).", r.Author, role)
		}
		if item.Body == "" {
			continue
		}
		items = append(items, item)
	}

	// Stable sort: items sharing a timestamp keep build order, so a
	// revised head never precedes the opened item.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Created.Before(items[j].Created)
	})
	return items
}

// buildReviewCommentItems groups file/line comments. Comments by the same
// author on the same (path, line, base, head) posted within combineWindow
// collapse into one item whose body enumerates each sub-comment in order.
func buildReviewCommentItems(comments []forge.ReviewComment, filter *Filter) []*Item {
	type locKey struct {
		path, author, base, head string
		line                     int
	}

	sorted := make([]forge.ReviewComment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var items []*Item
	open := make(map[locKey]*Item)

	for _, c := range sorted {
		if !filter.accept(c.ID, c.Author, c.Body) {
			continue
		}
		body, ok := filter.clean(c.Body)
		if !ok {
			continue
		}

		// Replies to another review comment never combine; they thread
		// under the referenced item instead.
		if c.ParentID != "" {
			items = append(items, &Item{
				ID:       "rc" + c.ID,
				Kind:     KindReviewComment,
				Author:   c.Author,
				Created:  c.CreatedAt,
				Body:     body,
				ParentID: "rc" + c.ParentID,
				Path:     c.Path,
				Line:     c.Line,
				BaseHash: c.BaseHash,
				HeadHash: c.HeadHash,
			})
			continue
		}

		key := locKey{path: c.Path, author: c.Author, base: c.BaseHash, head: c.HeadHash, line: c.Line}
		if prev, ok := open[key]; ok && c.CreatedAt.Sub(prev.Created) <= combineWindow {
			prev.Body += "\n\n" + body
			continue
		}

		item := &Item{
			ID:       "rc" + c.ID,
			Kind:     KindReviewComment,
			Author:   c.Author,
			Created:  c.CreatedAt,
			Body:     body,
			Path:     c.Path,
			Line:     c.Line,
			BaseHash: c.BaseHash,
			HeadHash: c.HeadHash,
		}
		open[key] = item
		items = append(items, item)
	}
	return items
}
