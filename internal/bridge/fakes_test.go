package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mlbridge/mlbridge/internal/forge"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeForge is an in-memory forge.Forge keyed by "repo#id".
type fakeForge struct {
	mu sync.Mutex

	prs            map[string]*forge.PullRequest
	comments       map[string][]forge.Comment
	reviews        map[string][]forge.Review
	reviewComments map[string][]forge.ReviewComment
	minimized      map[string]map[string]bool
	labels         map[string][]forge.Label

	postErr error

	posted        map[string][]string
	edited        map[string][]string
	createdLabels map[string][]forge.Label
	updatedLabels map[string][]forge.Label
	addedLabels   map[string][]string
	removedLabels map[string][]string
	nextCommentID int
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		prs:            map[string]*forge.PullRequest{},
		comments:       map[string][]forge.Comment{},
		reviews:        map[string][]forge.Review{},
		reviewComments: map[string][]forge.ReviewComment{},
		minimized:      map[string]map[string]bool{},
		labels:         map[string][]forge.Label{},
		posted:         map[string][]string{},
		edited:         map[string][]string{},
		createdLabels:  map[string][]forge.Label{},
		updatedLabels:  map[string][]forge.Label{},
		addedLabels:    map[string][]string{},
		removedLabels:  map[string][]string{},
		nextCommentID:  1000,
	}
}

func entityKey(repo, id string) string { return repo + "#" + id }

func (f *fakeForge) PullRequests(ctx context.Context, repo string) ([]forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []forge.PullRequest
	for _, pr := range f.prs {
		if pr.Repository == repo {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (f *fakeForge) PullRequest(ctx context.Context, repo, id string) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[entityKey(repo, id)]
	if !ok {
		return nil, fmt.Errorf("no such pull request %s#%s", repo, id)
	}
	cp := *pr
	return &cp, nil
}

func (f *fakeForge) Comments(ctx context.Context, repo, id string) ([]forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Comment(nil), f.comments[entityKey(repo, id)]...), nil
}

func (f *fakeForge) Reviews(ctx context.Context, repo, id string) ([]forge.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Review(nil), f.reviews[entityKey(repo, id)]...), nil
}

func (f *fakeForge) ReviewComments(ctx context.Context, repo, id string) ([]forge.ReviewComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.ReviewComment(nil), f.reviewComments[entityKey(repo, id)]...), nil
}

func (f *fakeForge) MinimizedComments(ctx context.Context, repo, id string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for k, v := range f.minimized[entityKey(repo, id)] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeForge) PostComment(ctx context.Context, repo, id, body string) (*forge.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	key := entityKey(repo, id)
	f.posted[key] = append(f.posted[key], body)
	f.nextCommentID++
	c := forge.Comment{ID: fmt.Sprintf("c%d", f.nextCommentID), Body: body}
	f.comments[key] = append(f.comments[key], c)
	return &c, nil
}

func (f *fakeForge) EditComment(ctx context.Context, repo, id, commentID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entityKey(repo, id)
	f.edited[key] = append(f.edited[key], commentID)
	for i, c := range f.comments[key] {
		if c.ID == commentID {
			f.comments[key][i].Body = body
		}
	}
	return nil
}

func (f *fakeForge) ReplyToReviewComment(ctx context.Context, repo, id, parentID, body string) error {
	return nil
}

func (f *fakeForge) AddLabel(ctx context.Context, repo, id, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entityKey(repo, id)
	f.addedLabels[key] = append(f.addedLabels[key], label)
	return nil
}

func (f *fakeForge) RemoveLabel(ctx context.Context, repo, id, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entityKey(repo, id)
	f.removedLabels[key] = append(f.removedLabels[key], label)
	return nil
}

func (f *fakeForge) Labels(ctx context.Context, repo string) ([]forge.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forge.Label(nil), f.labels[repo]...), nil
}

func (f *fakeForge) CreateLabel(ctx context.Context, repo string, label forge.Label) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[repo] = append(f.labels[repo], label)
	f.createdLabels[repo] = append(f.createdLabels[repo], label)
	return nil
}

func (f *fakeForge) UpdateLabel(ctx context.Context, repo string, label forge.Label) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.labels[repo] {
		if l.Name == label.Name {
			f.labels[repo][i] = label
		}
	}
	f.updatedLabels[repo] = append(f.updatedLabels[repo], label)
	return nil
}

var _ forge.Forge = (*fakeForge)(nil)
