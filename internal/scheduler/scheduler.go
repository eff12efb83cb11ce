// Package scheduler runs periodically-produced work items concurrently,
// subject to pairwise may-run-together predicates. Sequential semantics per
// pull request, mailing list, and repository fall out of the predicates;
// everything else runs in parallel up to a bounded width.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Item is a single unit of work.
type Item interface {
	// ID identifies the item in logs.
	ID() string

	// ConcurrentWith reports whether this item may run while other runs.
	// The scheduler admits an item only when every running item agrees.
	ConcurrentWith(other Item) bool

	// Run executes the item inside a private scratch directory and returns
	// follow-up items to enqueue. The scratch path is removed afterwards.
	Run(ctx context.Context, scratch string) ([]Item, error)

	// HandleError is invoked on an uncaught failure. The scheduler itself
	// never dies from a failing item; the item is simply eligible again
	// next cycle.
	HandleError(err error)
}

// Bot produces work items once per scheduler cycle.
type Bot interface {
	Name() string
	PeriodicItems(ctx context.Context) ([]Item, error)
}

// Scheduler owns the cycle timer, the admission predicate, and the scratch
// directory tree.
type Scheduler struct {
	bots        []Bot
	interval    time.Duration
	scratchRoot string
	sem         *semaphore.Weighted

	mu      sync.Mutex
	running []Item
	pending []Item
	kick    chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler running the given bots every interval with at
// most maxParallel items in flight.
func New(bots []Bot, interval time.Duration, maxParallel int, scratchRoot string) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Scheduler{
		bots:        bots,
		interval:    interval,
		scratchRoot: scratchRoot,
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		kick:        make(chan struct{}, 1),
	}
}

// Run blocks until the context is cancelled. In-flight items run to
// completion on shutdown; new items are not dispatched.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting", "bots", len(s.bots), "interval", s.interval)

	s.produce(ctx)
	s.dispatch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping, waiting for in-flight items")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.produce(ctx)
			s.dispatch(ctx)
		case <-s.kick:
			s.dispatch(ctx)
		}
	}
}

// produce asks every bot for its periodic items and enqueues them.
// Items whose id is already pending or running are skipped: producers
// emit the same items every cycle, and a blocked item must not stack
// duplicates.
func (s *Scheduler) produce(ctx context.Context) {
	for _, bot := range s.bots {
		items, err := bot.PeriodicItems(ctx)
		if err != nil {
			// A failing bot declines this cycle; the others continue.
			slog.Warn("bot failed to produce items", "bot", bot.Name(), "error", err)
			continue
		}
		added := 0
		s.mu.Lock()
		for _, item := range items {
			if s.enqueuedLocked(item.ID()) {
				continue
			}
			s.pending = append(s.pending, item)
			added++
		}
		s.mu.Unlock()
		if added > 0 {
			slog.Debug("enqueued periodic items", "bot", bot.Name(), "count", added)
		}
	}
}

// enqueuedLocked reports whether an item with the given id is already
// pending or running.
func (s *Scheduler) enqueuedLocked(id string) bool {
	for _, item := range s.pending {
		if item.ID() == id {
			return true
		}
	}
	for _, item := range s.running {
		if item.ID() == id {
			return true
		}
	}
	return false
}

// dispatch admits every pending item whose predicate holds against all
// currently-running items, bounded by the semaphore.
func (s *Scheduler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var remaining []Item
	for _, item := range s.pending {
		if !s.admissibleLocked(item) {
			remaining = append(remaining, item)
			continue
		}
		if !s.sem.TryAcquire(1) {
			remaining = append(remaining, item)
			continue
		}
		s.running = append(s.running, item)
		s.wg.Add(1)
		go s.runItem(ctx, item)
	}
	s.pending = remaining
}

// admissibleLocked checks the pairwise predicate both ways against every
// running item.
func (s *Scheduler) admissibleLocked(item Item) bool {
	for _, other := range s.running {
		if !item.ConcurrentWith(other) || !other.ConcurrentWith(item) {
			return false
		}
	}
	return true
}

func (s *Scheduler) runItem(ctx context.Context, item Item) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	scratch, err := os.MkdirTemp(s.scratchRoot, "work-")
	if err != nil {
		s.finish(item, nil, fmt.Errorf("allocating scratch directory: %w", err))
		return
	}
	defer os.RemoveAll(scratch)

	followUps, err := runGuarded(ctx, item, scratch)
	s.finish(item, followUps, err)
}

// runGuarded converts a panicking item into an error so one bad item
// cannot poison the scheduler.
func runGuarded(ctx context.Context, item Item, scratch string) (followUps []Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work item panicked: %v", r)
		}
	}()
	return item.Run(ctx, scratch)
}

// finish removes the item from the running set, reports errors, enqueues
// follow-ups, and kicks the dispatcher.
func (s *Scheduler) finish(item Item, followUps []Item, err error) {
	if err != nil {
		slog.Warn("work item failed", "item", item.ID(), "error", err)
		item.HandleError(err)
	}

	s.mu.Lock()
	for i, running := range s.running {
		if running == item {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	s.pending = append(s.pending, followUps...)
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}
