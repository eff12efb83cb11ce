package bridge

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlbridge/mlbridge/internal/email"
	"github.com/mlbridge/mlbridge/internal/list"
	"github.com/mlbridge/mlbridge/internal/state"
)

func TestBridgedMarkerRoundTrip(t *testing.T) {
	marker := BridgedMarker("<abc123@openjdk.org>")

	id, ok := ExtractBridgedID(marker)
	require.True(t, ok)
	assert.Equal(t, "<abc123@openjdk.org>", id)

	// The marker survives being embedded in a longer comment body.
	id, ok = ExtractBridgedID("Some reply text.\n\n" + marker)
	require.True(t, ok)
	assert.Equal(t, "<abc123@openjdk.org>", id)
}

func TestExtractBridgedIDRejectsGarbage(t *testing.T) {
	_, ok := ExtractBridgedID("no marker here")
	assert.False(t, ok)

	_, ok = ExtractBridgedID("<!-- Bridged id (!!!not base64!!!) -->")
	assert.False(t, ok)
}

func TestResolveEntity(t *testing.T) {
	index := map[string]string{
		"<root@openjdk.org>":  "openjdk/jdk#42",
		"<reply@openjdk.org>": "openjdk/jdk#42",
		"<other@openjdk.org>": "openjdk/jdk#7",
	}
	r := &Reader{}

	// In-Reply-To wins over References.
	msg := &email.Email{
		ID:         "<incoming1@example.org>",
		InReplyTo:  "<reply@openjdk.org>",
		References: []string{"<other@openjdk.org>"},
	}
	assert.Equal(t, "openjdk/jdk#42", r.resolveEntity(msg, index))

	// References are walked nearest ancestor first.
	msg = &email.Email{
		ID:         "<incoming2@example.org>",
		InReplyTo:  "<unknown@example.org>",
		References: []string{"<root@openjdk.org>", "<other@openjdk.org>"},
	}
	assert.Equal(t, "openjdk/jdk#7", r.resolveEntity(msg, index))

	msg = &email.Email{ID: "<incoming3@example.org>", InReplyTo: "<unknown@example.org>"}
	assert.Empty(t, r.resolveEntity(msg, index))
}

func TestFingerprintIndex(t *testing.T) {
	set := state.NewSet()
	set.Put(state.Record{EntityID: "openjdk/jdk#42", Fingerprints: []string{"<a@x>", "<b@x>"}})
	set.Put(state.Record{EntityID: "openjdk/jdk#7", Fingerprints: []string{"<c@x>"}})

	index := fingerprintIndex(set)
	assert.Equal(t, "openjdk/jdk#42", index["<a@x>"])
	assert.Equal(t, "openjdk/jdk#42", index["<b@x>"])
	assert.Equal(t, "openjdk/jdk#7", index["<c@x>"])
	assert.Len(t, index, 3)
}

func TestCommentBody(t *testing.T) {
	r := &Reader{MaxReplySize: 100}
	l := list.List{Name: "core-libs-dev", Email: "core-libs-dev@mail.openjdk.org"}
	msg := &email.Email{
		ID:   "<m1@example.org>",
		From: email.Address{Name: "Alice Archiver", Address: "alice@example.org"},
		Body: "Looks fine to me.",
	}

	body := r.commentBody(l, msg)
	assert.Contains(t, body, "Mailing list message from [Alice Archiver](mailto:alice@example.org)")
	assert.Contains(t, body, "[core-libs-dev](mailto:core-libs-dev@mail.openjdk.org)")
	assert.Contains(t, body, "Looks fine to me.")
	assert.Contains(t, body, BridgedMarker("<m1@example.org>"))

	// Bodies over the limit are replaced with a pointer to the archive.
	msg.Body = strings.Repeat("x", 101)
	body = r.commentBody(l, msg)
	assert.Contains(t, body, "too large to bridge")
	assert.NotContains(t, body, "xxx")
	assert.Contains(t, body, BridgedMarker("<m1@example.org>"))
}

func TestCommentBodyFallsBackToAddress(t *testing.T) {
	r := &Reader{}
	l := list.List{Name: "core-libs-dev", Email: "core-libs-dev@mail.openjdk.org"}
	msg := &email.Email{
		ID:   "<m2@example.org>",
		From: email.Address{Address: "bob@example.org"},
		Body: "Reply.",
	}

	body := r.commentBody(l, msg)
	assert.Contains(t, body, "[bob@example.org](mailto:bob@example.org)")
}

func testCache(t *testing.T) *list.Cache {
	t.Helper()
	cache, err := list.OpenCache(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestProcessMessageBridgesReply(t *testing.T) {
	f := newFakeForge()
	r := &Reader{
		Cache:       testCache(t),
		Forge:       f,
		SenderEmail: "duke@openjdk.org",
		Log:         discardLogger(),
	}
	l := list.List{Name: "core-libs-dev", Email: "core-libs-dev@mail.openjdk.org"}
	index := map[string]string{"<root@openjdk.org>": "openjdk/jdk#42"}
	msg := &email.Email{
		ID:        "<reply@example.org>",
		From:      email.Address{Name: "Alice", Address: "alice@example.org"},
		InReplyTo: "<root@openjdk.org>",
		Body:      "A question from the list.",
	}

	markers := map[string]map[string]bool{}
	require.NoError(t, r.processMessage(context.Background(), l, msg, index, markers))

	posted := f.posted["openjdk/jdk#42"]
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "A question from the list.")
	assert.Contains(t, posted[0], BridgedMarker("<reply@example.org>"))

	// Second pass is a cache hit; nothing new is posted.
	require.NoError(t, r.processMessage(context.Background(), l, msg, index, markers))
	assert.Len(t, f.posted["openjdk/jdk#42"], 1)
}

func TestProcessMessageSkipsOwnMail(t *testing.T) {
	f := newFakeForge()
	r := &Reader{
		Cache:       testCache(t),
		Forge:       f,
		SenderEmail: "duke@openjdk.org",
		Log:         discardLogger(),
	}
	l := list.List{Name: "core-libs-dev"}
	index := map[string]string{"<root@openjdk.org>": "openjdk/jdk#42"}

	// The bridge's own message reflected back from the archive.
	msg := &email.Email{ID: "<root@openjdk.org>", Body: "Original review request."}
	require.NoError(t, r.processMessage(context.Background(), l, msg, index, map[string]map[string]bool{}))
	assert.Empty(t, f.posted["openjdk/jdk#42"])
}

func TestProcessMessageSkipsAlreadyBridged(t *testing.T) {
	f := newFakeForge()
	// A prior run already bridged the reply; its marker sits on the PR.
	_, err := f.PostComment(context.Background(), "openjdk/jdk", "42",
		"earlier ingestion\n\n"+BridgedMarker("<reply@example.org>"))
	require.NoError(t, err)
	before := len(f.posted["openjdk/jdk#42"])

	r := &Reader{
		Cache:       testCache(t),
		Forge:       f,
		SenderEmail: "duke@openjdk.org",
		Log:         discardLogger(),
	}
	l := list.List{Name: "core-libs-dev"}
	index := map[string]string{"<root@openjdk.org>": "openjdk/jdk#42"}
	msg := &email.Email{
		ID:        "<reply@example.org>",
		InReplyTo: "<root@openjdk.org>",
		Body:      "A question from the list.",
	}

	require.NoError(t, r.processMessage(context.Background(), l, msg, index, map[string]map[string]bool{}))
	assert.Len(t, f.posted["openjdk/jdk#42"], before)
}

func TestProcessMessageRetriesAfterPostFailure(t *testing.T) {
	f := newFakeForge()
	f.postErr = assert.AnError
	r := &Reader{
		Cache:       testCache(t),
		Forge:       f,
		SenderEmail: "duke@openjdk.org",
		Log:         discardLogger(),
	}
	l := list.List{Name: "core-libs-dev"}
	index := map[string]string{"<root@openjdk.org>": "openjdk/jdk#42"}
	msg := &email.Email{
		ID:        "<reply@example.org>",
		InReplyTo: "<root@openjdk.org>",
		Body:      "A question from the list.",
	}

	require.Error(t, r.processMessage(context.Background(), l, msg, index, map[string]map[string]bool{}))

	// The failure must not mark the message seen.
	f.postErr = nil
	require.NoError(t, r.processMessage(context.Background(), l, msg, index, map[string]map[string]bool{}))
	assert.Len(t, f.posted["openjdk/jdk#42"], 1)
}
