package resilience

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewDynamicSemaphore(t *testing.T) {
	s := NewDynamicSemaphore(5)

	if s.Limit() != 5 {
		t.Errorf("Limit() = %v, want 5", s.Limit())
	}
	if s.Current() != 0 {
		t.Errorf("Current() = %v, want 0", s.Current())
	}
	if s.Available() != 5 {
		t.Errorf("Available() = %v, want 5", s.Available())
	}
}

func TestNewDynamicSemaphore_InvalidLimit(t *testing.T) {
	s := NewDynamicSemaphore(0)
	if s.Limit() != 1 {
		t.Errorf("Limit() = %v, want 1 for invalid input", s.Limit())
	}

	s = NewDynamicSemaphore(-5)
	if s.Limit() != 1 {
		t.Errorf("Limit() = %v, want 1 for negative input", s.Limit())
	}
}

func TestDynamicSemaphore_TryAcquire(t *testing.T) {
	s := NewDynamicSemaphore(2)

	if !s.TryAcquire() {
		t.Error("TryAcquire() should return true")
	}
	if !s.TryAcquire() {
		t.Error("TryAcquire() should return true")
	}
	if s.TryAcquire() {
		t.Error("TryAcquire() should return false when full")
	}

	if s.Current() != 2 {
		t.Errorf("Current() = %v, want 2", s.Current())
	}
	if s.Available() != 0 {
		t.Errorf("Available() = %v, want 0", s.Available())
	}
}

func TestDynamicSemaphore_Release(t *testing.T) {
	s := NewDynamicSemaphore(2)

	s.TryAcquire()
	s.TryAcquire()

	s.Release()
	if s.Available() != 1 {
		t.Errorf("Available() = %v, want 1", s.Available())
	}

	s.Release()
	if s.Available() != 2 {
		t.Errorf("Available() = %v, want 2", s.Available())
	}

	// Extra release should be safe.
	s.Release()
	if s.Available() != 2 {
		t.Errorf("Available() = %v, want 2 (no change)", s.Available())
	}
}

func TestDynamicSemaphore_Acquire(t *testing.T) {
	s := NewDynamicSemaphore(1)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Errorf("Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Release()
	}()

	start := time.Now()
	if err := s.Acquire(ctx); err != nil {
		t.Errorf("Acquire() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Acquire() should have blocked, elapsed = %v", elapsed)
	}
}

func TestDynamicSemaphore_AcquireContextCancel(t *testing.T) {
	s := NewDynamicSemaphore(1)
	s.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Acquire(ctx)
	elapsed := time.Since(start)

	if err != context.DeadlineExceeded {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Acquire() should have waited for timeout, elapsed = %v", elapsed)
	}
}

func TestDynamicSemaphore_AcquireContextCancelCleanup(t *testing.T) {
	s := NewDynamicSemaphore(1)
	s.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- s.Acquire(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; err != context.Canceled {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}

	// Semaphore must remain usable; the canceled waiter must not have
	// consumed a permit slot.
	s.Release()
	if !s.TryAcquire() {
		t.Error("semaphore should be usable after canceled acquire")
	}
}

func TestDynamicSemaphore_Concurrent(t *testing.T) {
	s := NewDynamicSemaphore(5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxConcurrent := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(context.Background()); err != nil {
				return
			}
			defer s.Release()

			mu.Lock()
			if cur := s.Current(); cur > maxConcurrent {
				maxConcurrent = cur
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
		}()
	}
	wg.Wait()

	if maxConcurrent > 5 {
		t.Errorf("maxConcurrent = %d, should not exceed limit 5", maxConcurrent)
	}
}

func TestDynamicSemaphore_WaiterWakeup(t *testing.T) {
	s := NewDynamicSemaphore(1)
	s.TryAcquire()

	var wg sync.WaitGroup
	results := make(chan int, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := s.Acquire(context.Background()); err != nil {
				return
			}
			results <- id
			time.Sleep(10 * time.Millisecond)
			s.Release()
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	s.Release()

	wg.Wait()
	close(results)

	count := 0
	for range results {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 waiters to complete, got %d", count)
	}
}

func TestDynamicSemaphore_SetLimitUp_WakesExactlyDelta(t *testing.T) {
	s := NewDynamicSemaphore(1)
	s.TryAcquire() // fill it

	var wg sync.WaitGroup
	acquired := make(chan int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := s.Acquire(context.Background()); err == nil {
				acquired <- id
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	s.SetLimit(4) // +3 over the old limit of 1
	time.Sleep(20 * time.Millisecond)

	if n := len(acquired); n != 3 {
		t.Errorf("after SetLimit(4), %d waiters woke, want 3", n)
	}
	if s.Current() != 4 {
		t.Errorf("Current() = %d, want 4", s.Current())
	}

	// Drain remaining waiters so the goroutines can exit.
	s.Release()
	s.Release()
	s.Release()
	s.Release()
	wg.Wait()
}

func TestDynamicSemaphore_SetLimitDown_DoesNotRevokePermits(t *testing.T) {
	s := NewDynamicSemaphore(4)
	s.TryAcquire()
	s.TryAcquire()
	s.TryAcquire()
	s.TryAcquire()

	s.SetLimit(2)
	if s.Current() != 4 {
		t.Errorf("Current() = %d, want 4 (outstanding permits must not be revoked)", s.Current())
	}
	if s.TryAcquire() {
		t.Error("TryAcquire() should fail: current (4) already exceeds new limit (2)")
	}

	s.Release()
	s.Release()
	if s.Current() != 2 {
		t.Errorf("Current() = %d, want 2", s.Current())
	}
	if s.TryAcquire() {
		t.Error("TryAcquire() should still fail: current (2) has reached new limit (2)")
	}
}

func TestDynamicSemaphore_CancelRaceDoesNotLeakPermit(t *testing.T) {
	s := NewDynamicSemaphore(1)
	s.TryAcquire() // fill it, so the next Acquire must wait

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			done <- s.Acquire(ctx)
		}()

		// Race Release and cancel against each other so the waiter is
		// sometimes handed a permit (via Release's transfer) in the same
		// instant its context is cancelled.
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Release()
		}()
		cancel()
		wg.Wait()

		err := <-done
		if err == nil {
			// The waiter won the race and got the permit cleanly; give
			// it back so the semaphore is empty before the leak check.
			s.Release()
		}
		// Whether or not the waiter won, capacity must always settle
		// back at exactly one permit available -- no leak, no
		// double-grant. Re-fill it immediately so the next iteration's
		// Acquire has to wait again instead of succeeding immediately.
		if !s.TryAcquire() {
			t.Fatalf("iteration %d: permit leaked, semaphore unusable", i)
		}
	}

	s.Release()
	if w := s.Waiters(); w != 0 {
		t.Errorf("Waiters() = %d, want 0 after draining", w)
	}
	if c := s.Current(); c != 0 {
		t.Errorf("Current() = %d, want 0 after draining", c)
	}
}

func TestDynamicSemaphore_Waiters(t *testing.T) {
	s := NewDynamicSemaphore(1)
	s.TryAcquire()

	done := make(chan struct{})
	go func() {
		s.Acquire(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	if w := s.Waiters(); w != 1 {
		t.Errorf("Waiters() = %d, want 1", w)
	}
	s.Release()
	<-done
}
