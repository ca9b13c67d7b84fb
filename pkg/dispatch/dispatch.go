package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrDispatcherClosed is returned by PostTask once Shutdown has begun.
var ErrDispatcherClosed = errors.New("dispatch: dispatcher closed")

// Task is a unit of work scheduled on a Dispatcher.
type Task func()

type Config struct {
	// Workers is the number of goroutines executing tasks. Defaults to
	// runtime.NumCPU().
	Workers int
}

// Dispatcher runs posted tasks on a fixed pool of workers. The task queue is
// unbounded: posting never blocks and never drops a task that was accepted.
// Tasks posted from different sources run concurrently; use a SerialQueue
// for per-source ordering.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool
	wg     sync.WaitGroup
}

func New(conf Config) *Dispatcher {
	workers := conf.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		task()
	}
}

// PostTask schedules a task. A nil return guarantees the task will run,
// even if Shutdown is called immediately afterwards.
func (d *Dispatcher) PostTask(task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()
	d.cond.Signal()
	return nil
}

// Shutdown stops intake, lets the workers drain everything already queued,
// and waits for them to exit or for the context to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
