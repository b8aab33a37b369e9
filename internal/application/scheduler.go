package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// deliverTimeout bounds a single delivery attempt fired from a timer or
// sweep. Attempts run on context.Background so a finished request cannot
// cancel a delivery scheduled long after it.
const deliverTimeout = 2 * time.Minute

// Scheduler owns the due-time bookkeeping: one in-memory timer per
// undelivered capsule, rebuilt from the store on startup, backed by a
// periodic sweep that catches anything the timers miss -- wall clock
// jumps, process downtime, activations that made an old capsule due.
type Scheduler struct {
	capsules driven.CapsuleStore
	delivery *Delivery
	interval time.Duration

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// NewScheduler creates a Scheduler sweeping at the given interval.
func NewScheduler(capsules driven.CapsuleStore, delivery *Delivery, interval time.Duration) *Scheduler {
	return &Scheduler{
		capsules: capsules,
		delivery: delivery,
		interval: interval,
		timers:   make(map[int64]*time.Timer),
	}
}

// Start rebuilds timers for every undelivered capsule, runs one
// immediate sweep for anything already due, then sweeps on the interval
// until ctx is cancelled. Blocks; run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	pending, err := s.capsules.ListPending(ctx)
	if err != nil {
		slog.Error("loading pending capsules failed", "error", err)
	} else {
		for _, c := range pending {
			s.Schedule(c.ID, c.DeliverAt)
		}
		slog.Info("delivery schedule rebuilt", "capsules", len(pending))
	}

	s.safeSweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("delivery scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("delivery scheduler stopping")
			s.stopAll()
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Schedule arms a timer firing a delivery attempt for id at the given
// time. An existing timer for the same id is replaced, so rescheduling
// and post-activation nudges are both just Schedule calls. Times in the
// past fire immediately.
func (s *Scheduler) Schedule(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[id]; ok {
		old.Stop()
	}

	s.timers[id] = time.AfterFunc(time.Until(at), func() {
		s.forget(id)

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		s.delivery.Deliver(ctx, id)
	})
}

// Cancel drops the timer for id, if any. Callers still need to remove
// the capsule itself; a stale timer firing for a deleted row is a no-op
// in the executor.
func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// sweep delivers everything due as of now. Timers normally get there
// first; the sweep is the durable fallback.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.capsules.ListDue(ctx, time.Now())
	if err != nil {
		slog.Error("listing due capsules failed", "error", err)
		return
	}

	for _, c := range due {
		attemptCtx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		s.delivery.Deliver(attemptCtx, c.ID)
		cancel()
	}
}

// safeSweep keeps a panicking delivery from taking the scheduler loop
// down with it.
func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("delivery sweep panicked", "panic", r)
		}
	}()
	s.sweep(ctx)
}

func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
