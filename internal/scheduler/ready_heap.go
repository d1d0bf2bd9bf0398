package scheduler

import "github.com/inferloop/batchcore/internal/request"

// readyHeap orders requests by (priority descending, arrival time
// ascending); priority is an ascending int with High=0, so "descending
// priority" is plain ascending comparison on the field itself.
type readyHeap []*request.Request

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Arrival.Before(h[j].Arrival)
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(*request.Request))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
