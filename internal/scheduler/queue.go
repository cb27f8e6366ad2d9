package scheduler

import "container/heap"

// timerQueue is a min-heap of pending timers ordered by (due, seq).
// seq preserves FIFO order between timers sharing a due time.
//
// Not safe for concurrent use; Manager.mu guards it.
type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// peek returns the earliest timer without removing it, or nil when empty.
func (q timerQueue) peek() *Timer {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *timerQueue) insert(t *Timer) {
	heap.Push(q, t)
}

func (q *timerQueue) remove(t *Timer) bool {
	if t.index < 0 || t.index >= len(*q) || (*q)[t.index] != t {
		return false
	}
	heap.Remove(q, t.index)
	return true
}

func (q *timerQueue) popMin() *Timer {
	return heap.Pop(q).(*Timer)
}
