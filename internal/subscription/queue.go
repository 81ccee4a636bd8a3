package subscription

import (
	"container/heap"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/events"
)

// queued is one pending delivery.
type queued struct {
	id        string
	clientID  string
	subID     string
	event     events.Event
	size      int
	priority  int
	seq       uint64
	enqueued  time.Time
	notBefore time.Time
	attempts  int

	// ackDeadline is set while the delivery waits for an acknowledgement.
	ackDeadline time.Time

	index int
}

// queue is a max-heap on priority, FIFO within equal priority.
type queue []*queued

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x interface{}) {
	it := x.(*queued)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *queue) push(it *queued) { heap.Push(q, it) }

func (q *queue) pop() *queued { return heap.Pop(q).(*queued) }

// removeClient drops every item for a client and returns how many went.
func (q *queue) removeClient(clientID string) int {
	kept := (*q)[:0]
	removed := 0
	for _, it := range *q {
		if it.clientID == clientID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, it := range *q {
		it.index = i
	}
	heap.Init(q)
	return removed
}
