package resilience

import (
	"context"
	"sync"
)

// DynamicSemaphore is a FIFO counting semaphore whose capacity can be
// resized while permits are outstanding. Acquire suspends until a permit
// is available; Release wakes at most one waiter, in arrival order.
//
// Shrinking the limit never revokes outstanding permits: current holders
// keep running, and the smaller capacity is enforced only on the next
// Acquire.
type DynamicSemaphore struct {
	mu      sync.Mutex
	limit   int
	current int
	waiters []chan struct{}
}

// NewDynamicSemaphore creates a semaphore with the given initial capacity.
// A non-positive limit is clamped to 1.
func NewDynamicSemaphore(limit int) *DynamicSemaphore {
	if limit <= 0 {
		limit = 1
	}
	return &DynamicSemaphore{limit: limit}
}

// TryAcquire attempts to acquire a permit without blocking.
func (s *DynamicSemaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryAcquireLocked()
}

func (s *DynamicSemaphore) tryAcquireLocked() bool {
	if s.current < s.limit {
		s.current++
		return true
	}
	return false
}

// Acquire blocks until a permit is available or ctx is done. On
// cancellation the caller holds no permit.
func (s *DynamicSemaphore) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}

	s.mu.Lock()
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		found := false
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			// Release or SetLimit already popped this waiter and handed
			// it a permit (closing the channel) before cancellation won
			// the select race. The caller is walking away from that
			// permit, so it must be handed onward instead of leaking --
			// current would otherwise stay elevated with no holder.
			s.releaseLocked()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a permit to the pool, waking the longest-waiting
// blocked Acquire if one exists and the permit count is within the
// current limit. Transferring a permit directly to a waiter (rather than
// decrementing then letting the waiter re-acquire) keeps the handoff
// FIFO under concurrent Acquire calls. While more permits are held than
// a lowered limit allows, Release only decrements.
func (s *DynamicSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *DynamicSemaphore) releaseLocked() {
	if s.current <= 0 {
		return
	}
	if len(s.waiters) > 0 && s.current <= s.limit {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w)
		return
	}
	s.current--
}

// SetLimit resizes the semaphore's capacity. If the new limit is higher
// than the old one, up to (new − old) waiters are woken, in FIFO order,
// and only while permits are free under the new limit. If lower,
// outstanding permits are left alone; the smaller capacity takes effect
// as current holders release.
func (s *DynamicSemaphore) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := n - s.limit
	s.limit = n
	if delta <= 0 {
		return
	}
	for i := 0; i < delta && s.current < s.limit && len(s.waiters) > 0; i++ {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.current++
		close(w)
	}
}

// Current returns the number of permits currently held.
func (s *DynamicSemaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Limit returns the semaphore's current capacity.
func (s *DynamicSemaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Available returns the number of permits that could be acquired without
// blocking, given the current limit.
func (s *DynamicSemaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current >= s.limit {
		return 0
	}
	return s.limit - s.current
}

// Waiters returns the number of goroutines currently blocked in Acquire.
func (s *DynamicSemaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
