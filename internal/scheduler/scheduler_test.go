package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testItem is a scriptable work item. group-equal items refuse to run
// together, mirroring the per-entity exclusion the bots use.
type testItem struct {
	id    string
	group string
	run   func(ctx context.Context, scratch string) ([]Item, error)

	mu      sync.Mutex
	runs    int
	lastErr error
}

func (i *testItem) ID() string { return i.id }

func (i *testItem) ConcurrentWith(other Item) bool {
	o, ok := other.(*testItem)
	if !ok {
		return true
	}
	return i.group == "" || o.group != i.group
}

func (i *testItem) Run(ctx context.Context, scratch string) ([]Item, error) {
	i.mu.Lock()
	i.runs++
	i.mu.Unlock()
	if i.run == nil {
		return nil, nil
	}
	return i.run(ctx, scratch)
}

func (i *testItem) HandleError(err error) {
	i.mu.Lock()
	i.lastErr = err
	i.mu.Unlock()
}

func (i *testItem) runCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runs
}

type testBot struct {
	items []Item
	err   error
}

func (b *testBot) Name() string { return "test" }

func (b *testBot) PeriodicItems(ctx context.Context) ([]Item, error) {
	return b.items, b.err
}

func newTestScheduler(t *testing.T, maxParallel int) *Scheduler {
	t.Helper()
	return New(nil, time.Hour, maxParallel, t.TempDir())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestAdmissionChecksPredicateBothWays(t *testing.T) {
	s := newTestScheduler(t, 4)

	release := make(chan struct{})
	blocker := &testItem{id: "a", group: "pr42", run: func(ctx context.Context, scratch string) ([]Item, error) {
		<-release
		return nil, nil
	}}
	excluded := &testItem{id: "b", group: "pr42"}
	free := &testItem{id: "c", group: "pr7"}

	s.pending = []Item{blocker, excluded, free}
	s.dispatch(context.Background())

	waitFor(t, func() bool { return free.runCount() == 1 })
	assert.Zero(t, excluded.runCount())

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	assert.Equal(t, 1, pending)

	// Once the blocker finishes, the excluded item becomes admissible.
	close(release)
	waitFor(t, func() bool {
		s.dispatch(context.Background())
		return excluded.runCount() == 1
	})
}

func TestDispatchBoundedByMaxParallel(t *testing.T) {
	s := newTestScheduler(t, 1)

	release := make(chan struct{})
	slow := &testItem{id: "a", run: func(ctx context.Context, scratch string) ([]Item, error) {
		<-release
		return nil, nil
	}}
	queued := &testItem{id: "b"}

	s.pending = []Item{slow, queued}
	s.dispatch(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, queued.runCount())

	close(release)
	// The semaphore slot frees asynchronously; keep dispatching until the
	// queued item gets through.
	waitFor(t, func() bool {
		s.dispatch(context.Background())
		return queued.runCount() == 1
	})
}

func TestFollowUpsAreEnqueued(t *testing.T) {
	s := newTestScheduler(t, 2)

	followUp := &testItem{id: "child"}
	parent := &testItem{id: "parent", run: func(ctx context.Context, scratch string) ([]Item, error) {
		return []Item{followUp}, nil
	}}

	s.pending = []Item{parent}
	s.dispatch(context.Background())

	waitFor(t, func() bool { return parent.runCount() == 1 })
	// finish() enqueues the follow-up; the next dispatch runs it.
	waitFor(t, func() bool {
		s.dispatch(context.Background())
		return followUp.runCount() == 1
	})
}

func TestFailingItemReportsAndSchedulerSurvives(t *testing.T) {
	s := newTestScheduler(t, 2)

	boom := errors.New("boom")
	failing := &testItem{id: "bad", run: func(ctx context.Context, scratch string) ([]Item, error) {
		return nil, boom
	}}
	healthy := &testItem{id: "good"}

	s.pending = []Item{failing, healthy}
	s.dispatch(context.Background())

	waitFor(t, func() bool { return healthy.runCount() == 1 })
	waitFor(t, func() bool {
		failing.mu.Lock()
		defer failing.mu.Unlock()
		return failing.lastErr != nil
	})
	assert.ErrorIs(t, failing.lastErr, boom)
}

func TestPanickingItemBecomesError(t *testing.T) {
	s := newTestScheduler(t, 1)

	panicking := &testItem{id: "panics", run: func(ctx context.Context, scratch string) ([]Item, error) {
		panic("unexpected state")
	}}

	s.pending = []Item{panicking}
	s.dispatch(context.Background())

	waitFor(t, func() bool {
		panicking.mu.Lock()
		defer panicking.mu.Unlock()
		return panicking.lastErr != nil
	})
	assert.Contains(t, panicking.lastErr.Error(), "work item panicked")

	// The semaphore slot was released; the scheduler keeps working.
	next := &testItem{id: "next"}
	s.mu.Lock()
	s.pending = append(s.pending, next)
	s.mu.Unlock()
	waitFor(t, func() bool {
		s.dispatch(context.Background())
		return next.runCount() == 1
	})
}

func TestProduceCollectsFromEveryBot(t *testing.T) {
	a := &testItem{id: "a"}
	b := &testItem{id: "b"}
	s := New([]Bot{
		&testBot{items: []Item{a}},
		&testBot{err: errors.New("forge down")},
		&testBot{items: []Item{b}},
	}, time.Hour, 2, t.TempDir())

	s.produce(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	// The failing bot declines the cycle; the others still contribute.
	require.Len(t, s.pending, 2)
	assert.Equal(t, "a", s.pending[0].ID())
	assert.Equal(t, "b", s.pending[1].ID())
}

func TestProduceSkipsItemsAlreadyQueuedOrRunning(t *testing.T) {
	release := make(chan struct{})
	item := &testItem{id: "pr42", run: func(ctx context.Context, scratch string) ([]Item, error) {
		<-release
		return nil, nil
	}}
	s := New([]Bot{&testBot{items: []Item{item}}}, time.Hour, 2, t.TempDir())

	// Repeated production cycles never stack duplicates of a queued item.
	s.produce(context.Background())
	s.produce(context.Background())
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	assert.Equal(t, 1, pending)

	s.dispatch(context.Background())
	waitFor(t, func() bool { return item.runCount() == 1 })

	// Nor of an item still running.
	s.produce(context.Background())
	s.mu.Lock()
	pending = len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, pending)

	close(release)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.running) == 0
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	item := &testItem{id: "a"}
	s := New([]Bot{&testBot{items: []Item{item}}}, 10*time.Millisecond, 2, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return item.runCount() >= 1 })
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
