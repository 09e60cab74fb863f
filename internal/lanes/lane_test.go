package lanes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmit(t *testing.T) {
	lane := New("test", 1)
	defer lane.Shutdown()

	done := make(chan struct{})
	lane.Submit(context.Background(), "async", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted task did not run within timeout")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	lane := New("test", 2)
	defer lane.Shutdown()

	var running atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		lane.Submit(context.Background(), "limited", func(ctx context.Context) error {
			defer wg.Done()
			cur := running.Add(1)
			for {
				old := maxSeen.Load()
				if cur <= old || maxSeen.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}

	wg.Wait()
	if maxSeen.Load() > 2 {
		t.Fatalf("max concurrent was %d, want <=2", maxSeen.Load())
	}
}

func TestDefaultWorkers(t *testing.T) {
	lane := New("test", 0)
	defer lane.Shutdown()
	if got := lane.Stats().MaxConcurrent; got != DefaultWorkers {
		t.Fatalf("max concurrent %d, want %d", got, DefaultWorkers)
	}
}

func TestNoLostWakeup(t *testing.T) {
	lane := New("test", 1)
	defer lane.Shutdown()

	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex

	lane.Submit(context.Background(), "first", func(ctx context.Context) error {
		<-gate
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	lane.Submit(context.Background(), "second", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		close(done)
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second task hung, lost wakeup")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestPanicRecovery(t *testing.T) {
	lane := New("test", 1)
	defer lane.Shutdown()

	lane.Submit(context.Background(), "panics", func(ctx context.Context) error {
		panic("test panic")
	})

	ran := make(chan struct{})
	lane.Submit(context.Background(), "after", func(ctx context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run after panic recovery")
	}
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	lane := New("test", 1)
	lane.Shutdown()
	lane.Shutdown()

	if lane.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }) {
		t.Fatal("submit accepted after shutdown")
	}
}

func TestShutdownRunsQueuedTasks(t *testing.T) {
	lane := New("test", 1)

	gate := make(chan struct{})
	started := make(chan struct{})
	lane.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		lane.Submit(context.Background(), "queued", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	if s := lane.Stats(); s.Active != 1 || s.Queued != 3 {
		t.Fatalf("stats %+v, want 1 active 3 queued", s)
	}

	lane.Shutdown()
	close(gate)

	waitFor(t, "queued tasks", func() bool { return ran.Load() == 3 })
	waitFor(t, "empty lane", func() bool { return lane.Size() == 0 })
}

func TestStatsWhileSubmitting(t *testing.T) {
	lane := New("test", 4)
	defer lane.Shutdown()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lane.Submit(context.Background(), "busy", func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
			for _, info := range lane.Stats().ActiveTasks {
				if info.StartedAt == 0 {
					t.Errorf("active task %s has no start time", info.ID)
				}
			}
		}()
	}
	wg.Wait()
	waitFor(t, "all tasks", func() bool { return ran.Load() == 50 })
}

func TestSize(t *testing.T) {
	lane := New("test", 1)
	defer lane.Shutdown()

	gate := make(chan struct{})
	lane.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		<-gate
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	lane.Submit(context.Background(), "queued", func(ctx context.Context) error {
		return nil
	})

	if size := lane.Size(); size != 2 {
		t.Fatalf("size %d, want 2", size)
	}
	close(gate)
}
