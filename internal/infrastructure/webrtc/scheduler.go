package webrtc

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomrelay/internal/core/domain"

	"go.uber.org/zap"
)

// forwardTarget is one subscriber slot a room's bound tracks are sent to.
type forwardTarget struct {
	Slot    domain.Slot
	Exclude *domain.SlotIndex
}

func sortTargets(targets []forwardTarget) {
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Slot.RoomID != targets[j].Slot.RoomID {
			return targets[i].Slot.RoomID < targets[j].Slot.RoomID
		}
		return targets[i].Slot.Index < targets[j].Slot.Index
	})
}

// forwardScheduler runs forward attempts one at a time in FIFO order and
// waits a fixed delay after each attempt. A target already waiting in the
// queue is not queued twice.
type forwardScheduler struct {
	delay time.Duration
	limit int
	run   func(ctx context.Context, target forwardTarget) error

	mu      sync.Mutex
	queue   []forwardTarget
	pending map[domain.Slot]struct{}
	wake    chan struct{}

	logger *zap.SugaredLogger
}

// newForwardScheduler builds a scheduler holding at most limit waiting
// targets; limit <= 0 means unbounded.
func newForwardScheduler(delay time.Duration, limit int, run func(context.Context, forwardTarget) error, logger *zap.SugaredLogger) *forwardScheduler {
	return &forwardScheduler{
		delay:   delay,
		limit:   limit,
		run:     run,
		pending: make(map[domain.Slot]struct{}),
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Enqueue adds a target. It reports false when the target is already
// waiting or the queue is full.
func (s *forwardScheduler) Enqueue(target forwardTarget) bool {
	s.mu.Lock()
	if _, ok := s.pending[target.Slot]; ok {
		s.mu.Unlock()
		return false
	}
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.mu.Unlock()
		s.logger.Warnw("forward queue full, dropping target", "room_id", target.Slot.RoomID, "slot_index", target.Slot.Index)
		return false
	}
	s.pending[target.Slot] = struct{}{}
	s.queue = append(s.queue, target)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued targets, excluding the one running.
func (s *forwardScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *forwardScheduler) next() (forwardTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return forwardTarget{}, false
	}
	target := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.pending, target.Slot)
	return target, true
}

// Run is the single worker. It returns when ctx is cancelled.
func (s *forwardScheduler) Run(ctx context.Context) {
	for {
		target, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := s.run(ctx, target); err != nil {
			s.logger.Warnw("forward attempt failed",
				"room_id", target.Slot.RoomID,
				"slot_index", target.Slot.Index,
				"error", err,
			)
		}

		if s.delay <= 0 {
			continue
		}
		timer := time.NewTimer(s.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
