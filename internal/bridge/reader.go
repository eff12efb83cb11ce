package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mlbridge/mlbridge/internal/email"
	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/list"
	"github.com/mlbridge/mlbridge/internal/state"
)

// BridgedMarker returns the invisible marker appended to every comment
// the reader posts. The encoded Message-ID makes ingestion idempotent:
// a message whose marker already exists on the pull request is skipped.
func BridgedMarker(messageID string) string {
	return fmt.Sprintf("<!-- Bridged id (%s) -->", base64.StdEncoding.EncodeToString([]byte(messageID)))
}

var bridgedMarkerPattern = regexp.MustCompile(`<!-- Bridged id \(([A-Za-z0-9+/=]+)\) -->`)

// ExtractBridgedID recovers the Message-ID from a comment's marker.
func ExtractBridgedID(body string) (string, bool) {
	m := bridgedMarkerPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	id, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return "", false
	}
	return string(id), true
}

// Reader ingests archive replies back onto the forge. Matching is by
// Message-ID and References only; subjects are display text and never
// trusted for correlation.
type Reader struct {
	Archive      list.Archive
	Cache        *list.Cache
	Forge        forge.Forge
	Store        *state.RefStore
	SenderEmail  string
	MaxReplySize int
	Lookback     time.Duration

	Log *slog.Logger
}

// Process scans one list's archive and bridges every unseen reply that
// belongs to a bridged thread.
func (r *Reader) Process(ctx context.Context, l list.List) error {
	set, err := r.Store.Current(ctx)
	if err != nil {
		return err
	}
	index := fingerprintIndex(set)

	convs, err := r.Archive.Conversations(ctx, l, r.Lookback)
	if err != nil {
		return fmt.Errorf("reading archive for %s: %w", l.Name, err)
	}

	// Bridged markers are loaded per entity at most once per cycle.
	markers := map[string]map[string]bool{}

	for _, conv := range convs {
		for _, msg := range conv.AllMessages() {
			if err := r.processMessage(ctx, l, msg, index, markers); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) processMessage(ctx context.Context, l list.List, msg *email.Email, index map[string]string, markers map[string]map[string]bool) error {
	if msg == nil || msg.ID == "" {
		return nil
	}
	seen, err := r.Cache.Has(l.Name, msg.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	done := func() error {
		return r.Cache.Put(l.Name, msg.ID, []byte(msg.Body))
	}

	// Our own mail reflected back from the archive.
	if _, ours := index[msg.ID]; ours {
		return done()
	}

	entity := r.resolveEntity(msg, index)
	if entity == "" {
		// Not part of a bridged thread; unrelated list traffic.
		return done()
	}

	bridged, err := r.bridgedIDs(ctx, entity, markers)
	if err != nil {
		return err
	}
	if bridged[msg.ID] {
		return done()
	}

	repo, id, err := forge.SplitEntityID(entity)
	if err != nil {
		return err
	}
	body := r.commentBody(l, msg)
	if _, err := r.Forge.PostComment(ctx, repo, id, body); err != nil {
		// Leave the cache untouched so the message is retried next cycle.
		return fmt.Errorf("bridging %s to %s: %w", msg.ID, entity, err)
	}
	r.Log.Info("bridged archive reply", "list", l.Name, "entity", entity, "message", msg.ID)
	return done()
}

// resolveEntity walks the threading headers, nearest ancestor first, and
// returns the first one that is a bridge-sent message.
func (r *Reader) resolveEntity(msg *email.Email, index map[string]string) string {
	if entity, ok := index[msg.InReplyTo]; ok {
		return entity
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		if entity, ok := index[msg.References[i]]; ok {
			return entity
		}
	}
	return ""
}

// bridgedIDs loads (once per entity per cycle) the Message-IDs already
// ingested onto the pull request.
func (r *Reader) bridgedIDs(ctx context.Context, entity string, markers map[string]map[string]bool) (map[string]bool, error) {
	if ids, ok := markers[entity]; ok {
		return ids, nil
	}
	repo, id, err := forge.SplitEntityID(entity)
	if err != nil {
		return nil, err
	}
	comments, err := r.Forge.Comments(ctx, repo, id)
	if err != nil {
		return nil, fmt.Errorf("listing comments on %s: %w", entity, err)
	}
	ids := map[string]bool{}
	for _, c := range comments {
		if id, ok := ExtractBridgedID(c.Body); ok {
			ids[id] = true
		}
	}
	markers[entity] = ids
	return ids, nil
}

func (r *Reader) commentBody(l list.List, msg *email.Email) string {
	author := strings.TrimSpace(msg.From.Name)
	if author == "" {
		author = msg.From.Address
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Mailing list message from [%s](mailto:%s) on [%s](mailto:%s):\n\n",
		author, msg.From.Address, l.Name, l.Email)

	if r.MaxReplySize > 0 && len(msg.Body) > r.MaxReplySize {
		fmt.Fprintf(&b, "The message was too large to bridge (%d bytes). It can be read in full in the list archive.\n",
			len(msg.Body))
	} else {
		b.WriteString(TextToMarkdown(strings.TrimSpace(msg.Body)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(BridgedMarker(msg.ID))
	return b.String()
}

// fingerprintIndex inverts every record's sent-mail fingerprints into a
// Message-ID to entity lookup.
func fingerprintIndex(set *state.Set) map[string]string {
	index := map[string]string{}
	for _, rec := range set.Current() {
		for _, id := range rec.Fingerprints {
			index[id] = rec.EntityID
		}
	}
	return index
}
