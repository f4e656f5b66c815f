package gate

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestDispatcherSerializesPerKey(t *testing.T) {
	d := NewDispatcher()
	defer d.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		d.Submit("repo#1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	d.Drain()

	if len(order) != 10 {
		t.Fatalf("expected 10 events, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("events ran out of order: %v", order)
		}
	}
}

func TestDispatcherConcurrentKeys(t *testing.T) {
	d := NewDispatcher()
	defer d.Stop()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		for j := 0; j < 20; j++ {
			d.Submit(key, func() { count.Add(1) })
		}
	}
	d.Drain()

	if n := count.Load(); n != 100 {
		t.Errorf("expected 100 events processed, got %d", n)
	}
}

func TestDispatcherStopDuringSubmit(t *testing.T) {
	d := NewDispatcher()

	// Submitters race Stop; once stopped every Submit must return
	// false instead of panicking on a closed queue.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if !d.Submit(key, func() {}) {
					return
				}
			}
		}()
	}
	d.Stop()
	wg.Wait()

	if d.Submit("late", func() {}) {
		t.Error("Submit after Stop must return false")
	}
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher()
	d.Submit("k", func() {})
	d.Stop()

	if d.Submit("k", func() {}) {
		t.Error("Submit after Stop must return false")
	}
	// Stop is idempotent.
	d.Stop()
}
