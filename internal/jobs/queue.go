package jobs

import "sync"

// eventQueue buffers events between the owning goroutine and dispatch.
// push never blocks: state events always queue, progress events are
// dropped once the backlog reaches eventBuffer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev Event, droppable bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (droppable && len(q.items) >= eventBuffer) {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

// pop waits for the next event. ok is false once the queue is closed and empty.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
