package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlbridge/mlbridge/internal/config"
	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/list"
	"github.com/mlbridge/mlbridge/internal/scheduler"
	"github.com/mlbridge/mlbridge/internal/state"
)

func testBot(t *testing.T, cfg config.Config) *Bot {
	t.Helper()
	b, err := NewBot(cfg, newFakeForge(), nil, nil, nil, nil, nil, t.TempDir(), discardLogger())
	require.NoError(t, err)
	return b
}

func TestListsFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.Lists = []config.ListConfig{
		{Name: "core-libs-dev", Email: "core-libs-dev@mail.openjdk.org"},
		{Name: "hotspot-dev", Email: "hotspot-dev@mail.openjdk.org", Labels: []string{"hotspot"}},
	}
	b := testBot(t, cfg)

	pr := itemsPR()
	lists := b.listsFor(pr)
	require.Len(t, lists, 1)
	assert.Equal(t, "core-libs-dev", lists[0].Name)

	pr.Labels = []string{"hotspot"}
	lists = b.listsFor(pr)
	require.Len(t, lists, 2)
	assert.Equal(t, "hotspot-dev", lists[1].Name)
}

func TestReadyLabels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.ReadyLabels = []string{"rfr"}
	b := testBot(t, cfg)

	pr := itemsPR()
	assert.False(t, b.ready(pr, nil))

	pr.Labels = []string{"rfr"}
	assert.True(t, b.ready(pr, nil))
}

func TestReadyComments(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.ReadyComments = []config.ReadyComment{
		{Author: "openjdk-bot", Pattern: `ready for review`},
	}
	b := testBot(t, cfg)

	pr := itemsPR()
	assert.False(t, b.ready(pr, nil))

	// A match from the wrong author does not count.
	comments := []forge.Comment{{Author: "duke", Body: "This is ready for review."}}
	assert.False(t, b.ready(pr, comments))

	comments = append(comments, forge.Comment{Author: "openjdk-bot", Body: "This PR is ready for review."})
	assert.True(t, b.ready(pr, comments))
}

func TestPreReadyGateIgnoresNotifierRecords(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.ReadyLabels = []string{"rfr"}
	b := testBot(t, cfg)
	pr := itemsPR()

	// A record written by the notifier carries lifecycle fields but no
	// sent-mail fingerprints; it is not evidence of bridging and a
	// pre-ready pull request stays silent.
	foreign := state.Record{EntityID: pr.EntityID(), Head: pr.HeadHash, State: "open", Notified: true}
	assert.False(t, b.shouldBridge(foreign, pr, nil))

	// Prior mail keeps an already-bridged pull request flowing even when
	// it loses its ready label.
	sent := foreign
	sent.Fingerprints = []string{"<aaaa@openjdk.org>"}
	assert.True(t, b.shouldBridge(sent, pr, nil))

	pr.Labels = []string{"rfr"}
	assert.True(t, b.shouldBridge(foreign, pr, nil))
}

func TestNewBotRejectsBadReadyPattern(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.ReadyComments = []config.ReadyComment{{Author: "bot", Pattern: `([`}}

	_, err := NewBot(cfg, newFakeForge(), nil, nil, nil, nil, nil, t.TempDir(), discardLogger())
	require.Error(t, err)
}

func TestFilterDropsBridgedComments(t *testing.T) {
	cfg := config.DefaultConfig()
	b := testBot(t, cfg)

	f, err := b.filter(nil)
	require.NoError(t, err)

	// Reader-ingested comments never echo back onto the list.
	assert.False(t, f.accept("c1", "alice", "Mailing list message\n\n"+BridgedMarker("<m@x>")))
	// Neither does the bridge's own webrev listing.
	assert.False(t, f.accept("c2", "bot", "### Webrevs\n\n"+webrevCommentMarker))
	assert.True(t, f.accept("c3", "alice", "An ordinary comment."))
}

func TestUpdateWebrevComment(t *testing.T) {
	f := newFakeForge()
	pub := &Publisher{MirrorURL: "https://webrevs.example.org", BasePath: "webrevs"}
	b, err := NewBot(config.DefaultConfig(), f, nil, nil, nil, nil, pub, t.TempDir(), discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	pr := itemsPR()
	items := []*Item{{ID: "pr", Kind: KindPROpened, Revision: 0, Head: "head0"}}

	require.NoError(t, b.updateWebrevComment(ctx, "openjdk/jdk", "42", pr, nil, items))
	posted := f.posted["openjdk/jdk#42"]
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "/webrevs/openjdk/jdk/42/00/")
	assert.Contains(t, posted[0], webrevCommentMarker)

	// Unchanged revisions leave the comment alone.
	comments, err := f.Comments(ctx, "openjdk/jdk", "42")
	require.NoError(t, err)
	require.NoError(t, b.updateWebrevComment(ctx, "openjdk/jdk", "42", pr, comments, items))
	assert.Len(t, f.posted["openjdk/jdk#42"], 1)
	assert.Empty(t, f.edited["openjdk/jdk#42"])

	// A new revision rewrites the existing comment in place.
	items = append(items, &Item{ID: "hahead1", Kind: KindPRRevised, Revision: 1,
		Head: "head1", PriorHead: "head0"})
	require.NoError(t, b.updateWebrevComment(ctx, "openjdk/jdk", "42", pr, comments, items))
	require.Len(t, f.edited["openjdk/jdk#42"], 1)
	assert.Len(t, f.posted["openjdk/jdk#42"], 1)

	updated, err := f.Comments(ctx, "openjdk/jdk", "42")
	require.NoError(t, err)
	assert.Contains(t, updated[0].Body, "/webrevs/openjdk/jdk/42/01/")
	assert.Contains(t, updated[0].Body, "/webrevs/openjdk/jdk/42/00-01/")
}

func TestStateChangeItemsIntegrated(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Notify.IntegratorID = "openjdk-bot"
	b := testBot(t, cfg)

	pr := itemsPR()
	pr.State = forge.StateClosed
	pr.UpdatedAt = itemsEpoch.Add(time.Hour)
	hash := "0123456789abcdef0123456789abcdef01234567"
	comments := []forge.Comment{
		{Author: "openjdk-bot", Body: "Pushed as commit " + hash + "."},
	}

	items := b.stateChangeItems(pr, comments)
	require.Len(t, items, 1)
	assert.Equal(t, "in", items[0].ID)
	assert.Contains(t, items[0].Body, "has now been integrated")
	assert.Contains(t, items[0].Body, hash)
	assert.Equal(t, pr.UpdatedAt, items[0].Created)
}

func TestStateChangeItemsClosed(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Notify.IntegratorID = "openjdk-bot"
	b := testBot(t, cfg)

	pr := itemsPR()
	pr.State = forge.StateClosed

	items := b.stateChangeItems(pr, nil)
	require.Len(t, items, 1)
	assert.Equal(t, "cl", items[0].ID)
	assert.Contains(t, items[0].Body, "closed without being integrated")
}

func TestStateChangeItemsOpenPR(t *testing.T) {
	b := testBot(t, config.DefaultConfig())
	assert.Empty(t, b.stateChangeItems(itemsPR(), nil))
}

func TestIntegratedCommit(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef01234567"
	comments := []forge.Comment{
		{Author: "duke", Body: "Pushed as commit " + hash + "."}, // wrong author
		{Author: "openjdk-bot", Body: "Going to push as commit soon."},
		{Author: "openjdk-bot", Body: "Pushed as commit " + hash + "."},
	}

	assert.Equal(t, hash, integratedCommit(comments, "openjdk-bot"))
	assert.Empty(t, integratedCommit(comments, ""))
	assert.Empty(t, integratedCommit(comments[:2], "openjdk-bot"))
}

func TestIssueLines(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tracker.URLBase = "https://bugs.openjdk.org/browse/"
	cfg.Tracker.Project = "JDK"
	b := testBot(t, cfg)

	pr := itemsPR()
	assert.Equal(t, []string{"https://bugs.openjdk.org/browse/JDK-8231111"}, b.issueLines(pr))

	pr.Title = "Cleanup without an issue id"
	assert.Empty(t, b.issueLines(pr))

	// An already-prefixed title still resolves to the bare number.
	pr.Title = "JDK-8231111: Fix the frobnicator"
	assert.Equal(t, []string{"https://bugs.openjdk.org/browse/JDK-8231111"}, b.issueLines(pr))
}

func TestDiffStat(t *testing.T) {
	diff := `diff --git a/Foo.java b/Foo.java
--- a/Foo.java
+++ b/Foo.java
@@ -1,3 +1,4 @@
 context
-removed line
+added one
+added two
`
	insertions, deletions := diffStat(diff)
	assert.Equal(t, 2, insertions)
	assert.Equal(t, 1, deletions)
}

func TestPRItemConcurrency(t *testing.T) {
	a := &prItem{entity: "openjdk/jdk#42"}
	b := &prItem{entity: "openjdk/jdk#42"}
	c := &prItem{entity: "openjdk/jdk#7"}

	assert.False(t, a.ConcurrentWith(b))
	assert.True(t, a.ConcurrentWith(c))

	// Any other item exposing the same entity is excluded too.
	assert.False(t, a.ConcurrentWith(stubEntityItem{entity: "openjdk/jdk#42"}))
	assert.True(t, a.ConcurrentWith(stubEntityItem{entity: "openjdk/jdk#7"}))
}

func TestReaderItemConcurrency(t *testing.T) {
	a := &readerItem{list: testLists()[0]}
	b := &readerItem{list: testLists()[0]}
	c := &readerItem{list: list.List{Name: "hotspot-dev"}}

	assert.False(t, a.ConcurrentWith(b))
	assert.True(t, a.ConcurrentWith(c))
	assert.True(t, a.ConcurrentWith(&prItem{entity: "openjdk/jdk#42"}))
}

type stubEntityItem struct {
	entity string
}

func (s stubEntityItem) ID() string                           { return "stub/" + s.entity }
func (s stubEntityItem) Entity() string                       { return s.entity }
func (s stubEntityItem) ConcurrentWith(o scheduler.Item) bool { return true }
func (s stubEntityItem) HandleError(err error)                {}
func (s stubEntityItem) Run(ctx context.Context, scratch string) ([]scheduler.Item, error) {
	return nil, nil
}
