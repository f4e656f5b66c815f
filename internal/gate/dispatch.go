package gate

import (
	"log"
	"sync"
)

const dispatchQueueSize = 64

// Dispatcher serializes event handling per pull request. Events for
// the same repo#pr key run in arrival order on a dedicated goroutine;
// events for different PRs run concurrently. This keeps webhook acks
// fast while guaranteeing ordered processing where ordering matters.
type Dispatcher struct {
	mu      sync.Mutex
	workers map[string]chan func()
	wg      sync.WaitGroup
	pending sync.WaitGroup

	stopOnce sync.Once
	stopped  bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		workers: make(map[string]chan func()),
	}
}

// Submit enqueues fn on the worker for key, starting the worker if
// needed. Returns false after Stop or when the key's queue is full.
// The send happens under the mutex so Stop cannot close the queue
// between the stopped check and the enqueue.
func (d *Dispatcher) Submit(key string, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	ch, ok := d.workers[key]
	if !ok {
		ch = make(chan func(), dispatchQueueSize)
		d.workers[key] = ch
		d.wg.Add(1)
		go d.run(key, ch)
	}

	d.pending.Add(1)
	select {
	case ch <- fn:
		return true
	default:
		d.pending.Done()
		log.Printf("[dispatch] queue full for %s, dropping event", key)
		return false
	}
}

func (d *Dispatcher) run(key string, ch chan func()) {
	defer d.wg.Done()
	for fn := range ch {
		fn()
		d.pending.Done()
	}
}

// Drain blocks until every submitted event has finished processing.
func (d *Dispatcher) Drain() {
	d.pending.Wait()
}

// Stop closes all worker queues and waits for in-flight events to
// finish. Submit returns false afterwards.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		for _, ch := range d.workers {
			close(ch)
		}
		d.mu.Unlock()
		d.wg.Wait()
	})
}
