package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"

	"github.com/mlbridge/mlbridge/internal/vcs"
)

// WebrevMetadata is the frontmatter of a published revision's index.md.
// It is the idempotence record: a directory whose metadata already names
// the head being published is never regenerated.
type WebrevMetadata struct {
	Entity    string    `yaml:"entity"`
	Revision  int       `yaml:"revision"`
	Base      string    `yaml:"base"`
	Head      string    `yaml:"head"`
	Generated time.Time `yaml:"generated"`
}

// Publisher writes webrev artifacts into the archive-storage repository
// and returns the public mirror URLs rendered into mails.
type Publisher struct {
	Storage     *vcs.Repository
	Branch      string
	BasePath    string
	MirrorURL   string
	MaxBlobSize int64
}

// placeholder body written instead of oversized blobs. The artifact keeps
// its path so links stay stable.
const blobPlaceholder = "This file was too large to include in the webrev.\nFetch the pull request branch to inspect it.\n"

// VerifyMirror checks at startup that the public mirror answers, so a
// misconfigured mirror URL fails fast instead of producing dead links in
// every mail.
func (p *Publisher) VerifyMirror(ctx context.Context, client *http.Client) error {
	if p.MirrorURL == "" {
		return fmt.Errorf("webrev mirror URL not configured")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.MirrorURL, nil)
	if err != nil {
		return fmt.Errorf("building mirror probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probing webrev mirror %s: %w", p.MirrorURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webrev mirror %s answered %d", p.MirrorURL, resp.StatusCode)
	}
	return nil
}

// revisionDir returns the artifact directory for a full revision webrev.
func (p *Publisher) revisionDir(entityID string, revision int) string {
	return path.Join(p.BasePath, sanitizeEntity(entityID), fmt.Sprintf("%02d", revision))
}

// incrementalDir returns the artifact directory for a delta webrev.
func (p *Publisher) incrementalDir(entityID string, from, to int) string {
	return path.Join(p.BasePath, sanitizeEntity(entityID), fmt.Sprintf("%02d-%02d", from, to))
}

// URL returns the public link for a full revision webrev.
func (p *Publisher) URL(entityID string, revision int) string {
	return strings.TrimSuffix(p.MirrorURL, "/") + "/" + p.revisionDir(entityID, revision) + "/"
}

// IncrementalURL returns the public link for a delta webrev.
func (p *Publisher) IncrementalURL(entityID string, from, to int) string {
	return strings.TrimSuffix(p.MirrorURL, "/") + "/" + p.incrementalDir(entityID, from, to) + "/"
}

// Publish generates the full webrev for one revision: the complete diff,
// a snapshot of every changed file at head, and an index.md with the
// metadata frontmatter. Re-publishing the same head is a no-op. Returns
// the public URL.
func (p *Publisher) Publish(ctx context.Context, scratch string, source *vcs.Repository, entityID string, revision int, base, head string) (string, error) {
	dir := p.revisionDir(entityID, revision)
	return p.publish(ctx, scratch, source, dir, p.URL(entityID, revision), WebrevMetadata{
		Entity:    entityID,
		Revision:  revision,
		Base:      base,
		Head:      head,
		Generated: time.Now().UTC(),
	})
}

// PublishIncremental generates the delta webrev between two revisions of
// the same pull request. Callers skip it for target-base changes, where
// the delta would be dominated by unrelated upstream commits.
func (p *Publisher) PublishIncremental(ctx context.Context, scratch string, source *vcs.Repository, entityID string, from, to int, priorHead, head string) (string, error) {
	dir := p.incrementalDir(entityID, from, to)
	return p.publish(ctx, scratch, source, dir, p.IncrementalURL(entityID, from, to), WebrevMetadata{
		Entity:    entityID,
		Revision:  to,
		Base:      priorHead,
		Head:      head,
		Generated: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, scratch string, source *vcs.Repository, dir, url string, meta WebrevMetadata) (string, error) {
	work, err := p.Storage.CopyTo(ctx, filepath.Join(scratch, "webrev-storage"))
	if err != nil {
		return "", err
	}
	if err := work.Checkout(ctx, p.Branch); err != nil {
		return "", err
	}

	target := filepath.Join(work.Dir, filepath.FromSlash(dir))
	if existing, err := readMetadata(filepath.Join(target, "index.md")); err == nil && existing.Head == meta.Head {
		// Already published for this head; links remain valid.
		return url, nil
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("creating webrev directory: %w", err)
	}

	diff, err := source.Diff(ctx, meta.Base, meta.Head)
	if err != nil {
		return "", err
	}
	patchName := fmt.Sprintf("%02d.patch", meta.Revision)
	if err := os.WriteFile(filepath.Join(target, patchName), []byte(diff), 0644); err != nil {
		return "", fmt.Errorf("writing patch: %w", err)
	}

	files, err := source.ChangedFiles(ctx, meta.Base, meta.Head)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		content, err := source.FileAt(ctx, meta.Head, f)
		if err != nil {
			// Deleted files have no head snapshot.
			continue
		}
		if p.MaxBlobSize > 0 && int64(len(content)) > p.MaxBlobSize {
			content = blobPlaceholder
		}
		dest := filepath.Join(target, "files", filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", fmt.Errorf("creating snapshot directory: %w", err)
		}
		if err := os.WriteFile(dest, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("writing snapshot %s: %w", f, err)
		}
	}

	if err := writeIndex(filepath.Join(target, "index.md"), meta, patchName, files); err != nil {
		return "", err
	}

	message := fmt.Sprintf("Publish webrev %s for %s", path.Base(dir), meta.Entity)
	if err := work.CommitAndPush(ctx, p.Branch, message); err != nil {
		return "", fmt.Errorf("pushing webrev: %w", err)
	}
	return url, nil
}

func readMetadata(indexPath string) (*WebrevMetadata, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var meta WebrevMetadata
	if _, err := frontmatter.Parse(f, &meta); err != nil {
		return nil, fmt.Errorf("parsing webrev metadata: %w", err)
	}
	return &meta, nil
}

func writeIndex(indexPath string, meta WebrevMetadata, patchName string, files []string) error {
	fm, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding webrev metadata: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Webrev %02d for %s\n\n", meta.Revision, meta.Entity)
	fmt.Fprintf(&b, "Patch: [%s](%s)\n\n", patchName, patchName)
	if len(files) > 0 {
		b.WriteString("Changed files:\n\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- [%s](files/%s)\n", f, f)
		}
	}
	if err := os.WriteFile(indexPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing webrev index: %w", err)
	}
	return nil
}

// sanitizeEntity maps "owner/name#123" to a filesystem-safe path segment
// while keeping the owner/name hierarchy readable.
func sanitizeEntity(entityID string) string {
	return strings.NewReplacer("#", "/", ":", "-").Replace(entityID)
}
