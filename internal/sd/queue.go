package sd

import (
	"container/heap"
	"sync"
	"time"
)

// event is a single scheduled callback. seq tie-breaks events sharing a
// timestamp so the queue processes same-tick events in submission order,
// the same discipline the teacher's BFD EventQueue applies to TX/Detect
// events.
type event struct {
	when time.Time
	seq  uint64
	fire func(now time.Time)
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// eventQueue is a thread-safe min-heap of scheduled callbacks, grounded on
// the teacher's internal/liveness.EventQueue — generalized from
// TX/Detect-on-a-Session events to arbitrary SD phase callbacks so the
// same scheduler drives offer repetition, find repetition, and cyclic
// offers alike.
type eventQueue struct {
	mu  sync.Mutex
	pq  eventHeap
	seq uint64
}

func newEventQueue() *eventQueue {
	h := eventHeap{}
	heap.Init(&h)
	return &eventQueue{pq: h}
}

// push schedules fire to run at when.
func (q *eventQueue) push(when time.Time, fire func(now time.Time)) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.pq, &event{when: when, seq: q.seq, fire: fire})
	q.mu.Unlock()
}

// popIfDue returns the earliest event if its time has arrived, otherwise
// nil and the duration until it is due.
func (q *eventQueue) popIfDue(now time.Time) (*event, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Len() == 0 {
		return nil, time.Hour
	}
	next := q.pq[0]
	if d := next.when.Sub(now); d > 0 {
		return nil, d
	}
	return heap.Pop(&q.pq).(*event), 0
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}
