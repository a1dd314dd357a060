package app

import "sync"

// queueDepth is the per-chat task buffer. A full queue blocks that chat's
// submitter, which naturally applies backpressure to the provider.
const queueDepth = 16

// dispatcher runs one serial worker goroutine per chat so same-chat tasks
// execute in submission order while distinct chats proceed in parallel.
type dispatcher struct {
	mu      sync.Mutex
	queues  map[string]chan func()
	pending sync.WaitGroup
	workers sync.WaitGroup
	closed  bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[string]chan func())}
}

// submit enqueues a task on the chat's worker, creating the worker on first
// use. Tasks submitted after drain are dropped.
func (d *dispatcher) submit(chatID string, task func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	queue, ok := d.queues[chatID]
	if !ok {
		queue = make(chan func(), queueDepth)
		d.queues[chatID] = queue
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			for t := range queue {
				t()
			}
		}()
	}
	d.pending.Add(1)
	d.mu.Unlock()

	// Send outside the lock so one chat's full queue cannot stall other
	// chats. The send cannot race a close: drain waits for every pending
	// task, and a task only counts as done after it has been received and
	// executed by the worker.
	queue <- func() {
		defer d.pending.Done()
		task()
	}
}

// drain stops accepting tasks and waits for every queued task to finish.
func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pending.Wait()

	d.mu.Lock()
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	d.workers.Wait()
}
