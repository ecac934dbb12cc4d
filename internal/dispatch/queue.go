package dispatch

import "container/heap"

// commandHeap orders commands by ascending priority, breaking ties by
// enqueue time. Each thread scope owns one heap.
type commandHeap []*command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *commandHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*command)
	item.heapIndex = n
	*h = append(*h, item)
}

func (h *commandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.heapIndex = -1
	*h = old[0 : n-1]
	return item
}

// scopeState tracks the queue and runner slot of one thread scope. Scopes
// exist only while at least one command references them; the runner deletes
// the state when its queue drains.
type scopeState struct {
	queue  commandHeap
	active bool // a runner goroutine owns this scope
}

func newScopeState() *scopeState {
	st := &scopeState{queue: make(commandHeap, 0)}
	heap.Init(&st.queue)
	return st
}

func (st *scopeState) push(c *command) {
	heap.Push(&st.queue, c)
}

func (st *scopeState) pop() *command {
	if st.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&st.queue).(*command)
}
