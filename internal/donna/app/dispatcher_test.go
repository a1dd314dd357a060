package app

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherSerialPerChat(t *testing.T) {
	d := newDispatcher()

	var mu sync.Mutex
	order := make(map[string][]int)
	for i := 0; i < 50; i++ {
		i := i
		for _, chat := range []string{"a", "b"} {
			chat := chat
			d.submit(chat, func() {
				mu.Lock()
				order[chat] = append(order[chat], i)
				mu.Unlock()
			})
		}
	}
	d.drain()

	for chat, got := range order {
		if len(got) != 50 {
			t.Fatalf("chat %s ran %d tasks, want 50", chat, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("chat %s task order %v, want submission order", chat, got)
			}
		}
	}
}

func TestDispatcherDrainWaitsForTasks(t *testing.T) {
	d := newDispatcher()

	var done atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	d.submit("chat", func() {
		close(started)
		<-release
		done.Add(1)
	})

	<-started
	go close(release)
	d.drain()

	if done.Load() != 1 {
		t.Fatal("drain returned before the queued task finished")
	}
}

func TestDispatcherFullQueueDoesNotStallOtherChats(t *testing.T) {
	d := newDispatcher()

	// Park chat a's worker, fill its buffer, and leave one submission
	// blocked on the full queue.
	gate := make(chan struct{})
	d.submit("a", func() { <-gate })
	for i := 0; i < queueDepth; i++ {
		d.submit("a", func() {})
	}
	overflowed := make(chan struct{})
	go func() {
		d.submit("a", func() {})
		close(overflowed)
	}()
	time.Sleep(50 * time.Millisecond)

	ran := make(chan struct{})
	d.submit("b", func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("chat b stalled behind chat a's full queue")
	}

	close(gate)
	select {
	case <-overflowed:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked submission never completed")
	}
	d.drain()
}

func TestDispatcherDropsAfterDrain(t *testing.T) {
	d := newDispatcher()
	d.drain()

	d.submit("chat", func() {
		t.Error("task ran after drain")
	})
	d.drain()
}
