package dispatch

import "sync"

// SerialQueue runs its tasks one at a time, in post order, on an underlying
// Dispatcher. Independent queues on the same dispatcher make progress
// concurrently. A task posted from within another task on the same queue
// runs after the current one returns, never reentrantly.
type SerialQueue struct {
	d       *Dispatcher
	mu      sync.Mutex
	queue   []Task
	running bool
	failed  bool
}

func NewSerialQueue(d *Dispatcher) *SerialQueue {
	return &SerialQueue{d: d}
}

// Post schedules a task behind everything already queued. Once the
// underlying dispatcher has shut down, Post fails with ErrDispatcherClosed
// and the queue accepts nothing further.
func (q *SerialQueue) Post(task Task) error {
	q.mu.Lock()
	if q.failed {
		q.mu.Unlock()
		return ErrDispatcherClosed
	}
	q.queue = append(q.queue, task)
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	if err := q.d.PostTask(q.run); err != nil {
		q.mu.Lock()
		q.failed = true
		q.queue = nil
		q.running = false
		q.mu.Unlock()
		return err
	}
	return nil
}

func (q *SerialQueue) run() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()
		task()
	}
}
