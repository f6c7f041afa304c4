package miner

// resultQueue is a bounded FIFO that drops its oldest entry when full
type resultQueue struct {
	items []Result
	cap   int
}

func newResultQueue(capacity int) *resultQueue {
	return &resultQueue{items: make([]Result, 0, capacity), cap: capacity}
}

// push appends r and reports whether an older result was dropped
func (q *resultQueue) push(r Result) bool {
	dropped := false
	if len(q.items) == q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		dropped = true
	}
	q.items = append(q.items, r)
	return dropped
}

func (q *resultQueue) pop() (Result, bool) {
	if len(q.items) == 0 {
		return Result{}, false
	}
	r := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return r, true
}

func (q *resultQueue) len() int {
	return len(q.items)
}
