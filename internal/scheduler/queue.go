package scheduler

import (
	"container/heap"
	"context"
)

// item is a queued task. seq breaks priority ties so that equal
// priorities dequeue in submission order.
type item struct {
	id       string
	priority int
	seq      uint64
	run      func(context.Context)
	index    int
}

// taskHeap orders by priority descending, then seq ascending.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue wraps the heap with id lookup so queued tasks can be removed.
type queue struct {
	h    taskHeap
	byID map[string]*item
	seq  uint64
}

func newQueue() *queue {
	q := &queue{byID: make(map[string]*item)}
	heap.Init(&q.h)
	return q
}

func (q *queue) push(id string, priority int, run func(context.Context)) {
	it := &item{id: id, priority: priority, seq: q.seq, run: run}
	q.seq++
	q.byID[id] = it
	heap.Push(&q.h, it)
}

func (q *queue) pop() *item {
	if q.h.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byID, it.id)
	return it
}

// remove drops a queued task by id. Returns false when the id is not
// queued (already running or never submitted).
func (q *queue) remove(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return true
}

func (q *queue) len() int { return q.h.Len() }
