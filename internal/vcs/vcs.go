// Package vcs wraps the git operations the bridge needs: materializing
// repositories into a shared cache, reading files and commit ranges at
// arbitrary revisions, and pushing with optimistic concurrency.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// pushAttempts bounds the optimistic push retry loop.
const pushAttempts = 3

// cacheLockTimeout bounds how long a materialize waits on the cache lock.
const cacheLockTimeout = 2 * time.Minute

// Commit is one commit in a revision range.
type Commit struct {
	Hash        string
	Author      string
	Email       string
	Subject     string
	MessageBody string
}

// Repository is a local working copy.
type Repository struct {
	Dir string
	URL string
}

// Materialize clones url into a cache subdirectory, or fetches if the clone
// already exists, and returns the working copy checked out at ref. The
// cache directory is shared across work items and guarded by a file lock.
func Materialize(ctx context.Context, cacheDir, url, ref string) (*Repository, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	dir := filepath.Join(cacheDir, sanitizeName(url))
	lock := flock.New(dir + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, cacheLockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil || !ok {
		return nil, fmt.Errorf("acquiring cache lock for %s: %w", url, err)
	}
	defer lock.Unlock()

	repo := &Repository{Dir: dir, URL: url}
	if _, statErr := os.Stat(filepath.Join(dir, ".git")); statErr != nil {
		slog.Debug("cloning repository", "url", url, "dir", dir)
		if _, err := run(ctx, "", "clone", url, dir); err != nil {
			return nil, fmt.Errorf("cloning %s: %w", url, err)
		}
	} else {
		if _, err := repo.git(ctx, "fetch", "origin"); err != nil {
			return nil, fmt.Errorf("fetching %s: %w", url, err)
		}
	}

	if ref != "" {
		if err := repo.Checkout(ctx, ref); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// CopyTo duplicates the working copy into a private scratch directory so a
// writer never mutates the shared cache clone.
func (r *Repository) CopyTo(ctx context.Context, dest string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("creating scratch parent: %w", err)
	}
	if _, err := run(ctx, "", "clone", r.Dir, dest); err != nil {
		return nil, fmt.Errorf("cloning into scratch: %w", err)
	}
	copy := &Repository{Dir: dest, URL: r.URL}
	if _, err := copy.git(ctx, "remote", "set-url", "origin", r.URL); err != nil {
		return nil, fmt.Errorf("pointing scratch at origin: %w", err)
	}
	return copy, nil
}

// Checkout moves the working copy to the given ref.
func (r *Repository) Checkout(ctx context.Context, ref string) error {
	if _, err := r.git(ctx, "checkout", "--quiet", ref); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// Fetch updates all remote refs.
func (r *Repository) Fetch(ctx context.Context) error {
	if _, err := r.git(ctx, "fetch", "origin"); err != nil {
		return fmt.Errorf("fetching: %w", err)
	}
	return nil
}

// ResolveRef resolves a ref name to a full commit hash.
func (r *Repository) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := r.git(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// FileAt returns the content of path at the given revision.
func (r *Repository) FileAt(ctx context.Context, rev, path string) (string, error) {
	out, err := r.git(ctx, "show", rev+":"+path)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", path, rev, err)
	}
	return out, nil
}

// CommitsBetween returns the commits reachable from to but not from from,
// oldest first.
func (r *Repository) CommitsBetween(ctx context.Context, from, to string) ([]Commit, error) {
	const sep = "\x1f"
	out, err := r.git(ctx, "log", "--reverse",
		"--format=%H"+sep+"%an"+sep+"%ae"+sep+"%s"+sep+"%b"+sep+"%x00",
		from+".."+to)
	if err != nil {
		return nil, fmt.Errorf("listing commits %s..%s: %w", from, to, err)
	}

	var commits []Commit
	for _, record := range strings.Split(out, "\x00") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, sep, 6)
		if len(fields) < 5 {
			continue
		}
		commits = append(commits, Commit{
			Hash:        fields[0],
			Author:      fields[1],
			Email:       fields[2],
			Subject:     fields[3],
			MessageBody: strings.TrimSpace(fields[4]),
		})
	}
	return commits, nil
}

// CommitInfo returns the metadata of a single commit.
func (r *Repository) CommitInfo(ctx context.Context, hash string) (*Commit, error) {
	const sep = "\x1f"
	out, err := r.git(ctx, "show", "-s",
		"--format=%H"+sep+"%an"+sep+"%ae"+sep+"%s"+sep+"%b", hash)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	fields := strings.SplitN(strings.TrimSpace(out), sep, 5)
	if len(fields) < 4 {
		return nil, fmt.Errorf("unexpected commit format for %s", hash)
	}
	c := &Commit{
		Hash:    fields[0],
		Author:  fields[1],
		Email:   fields[2],
		Subject: fields[3],
	}
	if len(fields) == 5 {
		c.MessageBody = strings.TrimSpace(fields[4])
	}
	return c, nil
}

// Diff returns the unified diff between two revisions.
func (r *Repository) Diff(ctx context.Context, base, head string) (string, error) {
	out, err := r.git(ctx, "diff", base+".."+head)
	if err != nil {
		return "", fmt.Errorf("diffing %s..%s: %w", base, head, err)
	}
	return out, nil
}

// ChangedFiles lists paths touched between two revisions.
func (r *Repository) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", base+".."+head)
	if err != nil {
		return nil, fmt.Errorf("listing changed files %s..%s: %w", base, head, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// MergeBase returns the best common ancestor of two revisions.
func (r *Repository) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.git(ctx, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	return strings.TrimSpace(out), nil
}

// ResetHard moves the working copy to ref, discarding local changes.
func (r *Repository) ResetHard(ctx context.Context, ref string) error {
	if _, err := r.git(ctx, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("resetting to %s: %w", ref, err)
	}
	return nil
}

// CommitAll stages everything and commits. Returns false when the working
// copy has no changes to commit.
func (r *Repository) CommitAll(ctx context.Context, message string) (bool, error) {
	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("git add: %w", err)
	}
	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("git commit: %w", err)
	}
	return true, nil
}

// Push publishes HEAD to the given branch. The error is returned verbatim
// so callers can drive their own optimistic retry loop.
func (r *Repository) Push(ctx context.Context, branch string) error {
	refspec := "HEAD:refs/heads/" + strings.TrimPrefix(branch, "refs/heads/")
	if _, err := r.git(ctx, "push", "origin", refspec); err != nil {
		return err
	}
	return nil
}

// CommitAndPush stages everything, commits with the given message, and
// pushes to branch with optimistic concurrency: when the remote ref moved,
// the local commit is replayed on the new tip and the push retried up to
// pushAttempts times.
func (r *Repository) CommitAndPush(ctx context.Context, branch, message string) error {
	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}

	refspec := "HEAD:refs/heads/" + strings.TrimPrefix(branch, "refs/heads/")
	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		if _, lastErr = r.git(ctx, "push", "origin", refspec); lastErr == nil {
			return nil
		}

		slog.Debug("push rejected, rebasing on new tip", "attempt", attempt, "error", lastErr)
		if _, err := r.git(ctx, "fetch", "origin"); err != nil {
			return fmt.Errorf("fetching after rejected push: %w", err)
		}
		if _, err := r.git(ctx, "rebase", "origin/"+strings.TrimPrefix(branch, "refs/heads/")); err != nil {
			if _, abortErr := r.git(ctx, "rebase", "--abort"); abortErr != nil {
				slog.Warn("rebase abort failed", "error", abortErr)
			}
			return fmt.Errorf("replaying commit on moved ref: %w", err)
		}
	}
	return fmt.Errorf("push failed after %d attempts: %w", pushAttempts, lastErr)
}

// git runs a git command inside the working copy.
func (r *Repository) git(ctx context.Context, args ...string) (string, error) {
	return run(ctx, r.Dir, args...)
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// sanitizeName turns a repository URL into a cache directory name.
func sanitizeName(url string) string {
	name := strings.TrimSuffix(url, ".git")
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	name = strings.TrimPrefix(name, "git@")
	name = strings.NewReplacer("/", "-", ":", "-").Replace(name)
	return strings.ToLower(name)
}
