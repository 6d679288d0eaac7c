package queue

// entryHeap implements container/heap.Interface: lowest Priority value (P0)
// sorts first, ties broken by arrival sequence (FIFO within priority), per
// spec.md §4.1 and testable property 1.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return less(h[i], h[j]) }

// less reports whether a should be dequeued before b.
func less(a, b *entry) bool {
	if a.incident.Priority != b.incident.Priority {
		return a.incident.Priority < b.incident.Priority
	}
	return a.seq < b.seq
}

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
