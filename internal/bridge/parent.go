package bridge

import (
	"regexp"
	"strings"
)

var quoteLinePattern = regexp.MustCompile(`^>\s?(.*)$`)
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9-]*)`)

// ResolveParents assigns a parent to every non-root item in chronological
// order. Four rules apply, in decreasing precedence:
//
//  1. A direct forge reply keeps the referenced item as parent.
//  2. A body starting with a quoted line matching an earlier item's first
//     line threads under that item, newest match first.
//  3. A body mentioning an earlier item's author threads under that
//     author's latest item.
//  4. Everything else threads under the thread root: the latest
//     PR-Revised item created before it, or the PR-Opened item.
//
// Items must already be sorted chronologically.
func ResolveParents(items []*Item) {
	for idx, item := range items {
		if item.IsRoot() {
			item.ParentID = ""
			continue
		}
		prior := items[:idx]

		if item.ParentID != "" {
			if findItem(prior, item.ParentID) != nil {
				continue
			}
			// The referenced comment was filtered out; fall through to the
			// weaker rules.
			item.ParentID = ""
		}

		if p := quotedParent(item, prior); p != nil {
			item.ParentID = p.ID
			continue
		}
		if p := mentionedParent(item, prior); p != nil {
			item.ParentID = p.ID
			continue
		}
		if p := threadRoot(prior); p != nil {
			item.ParentID = p.ID
		}
	}
}

func findItem(items []*Item, id string) *Item {
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// quotedParent matches a leading "> ..." line against earlier items'
// first lines, preferring the most recent match.
func quotedParent(item *Item, prior []*Item) *Item {
	first := strings.TrimSpace(strings.SplitN(item.Body, "\n", 2)[0])
	m := quoteLinePattern.FindStringSubmatch(first)
	if m == nil {
		return nil
	}
	quoted := strings.TrimSpace(m[1])
	if quoted == "" {
		return nil
	}
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].FirstLine() == quoted {
			return prior[i]
		}
	}
	return nil
}

// mentionedParent finds the latest earlier item whose author is
// @-mentioned in the body.
func mentionedParent(item *Item, prior []*Item) *Item {
	for _, m := range mentionPattern.FindAllStringSubmatch(item.Body, -1) {
		name := m[1]
		for i := len(prior) - 1; i >= 0; i-- {
			if prior[i].Author == name && prior[i].Author != item.Author {
				return prior[i]
			}
		}
	}
	return nil
}

// threadRoot returns the newest root item among prior.
func threadRoot(prior []*Item) *Item {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].IsRoot() {
			return prior[i]
		}
	}
	return nil
}
