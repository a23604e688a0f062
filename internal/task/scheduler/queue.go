package scheduler

import (
	"container/heap"
	"context"
)

// entry is one pending invocation. Entries are never mutated after insertion;
// a repeating job inserts a fresh entry for every occurrence.
type entry struct {
	at     int64 // fire time, unix ms
	id     Handle
	name   string
	policy string
	repeat bool
	run    func(ctx context.Context)

	index int
}

// entryHeap is a min-heap by fire time. Ties are not ordered.
type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at < h[j].at }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *entryHeap) push(e *entry) { heap.Push(h, e) }

func (h *entryHeap) pop() *entry { return heap.Pop(h).(*entry) }

func (h entryHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
