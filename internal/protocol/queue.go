package protocol

import "container/heap"

// inboxQueue drains messages in descending priority order, FIFO within one
// priority band (monotonic sequence number breaks ties).
type inboxQueue struct {
	items messageHeap
	seq   uint64
}

type queuedMessage struct {
	msg *Message
	seq uint64
}

type messageHeap []queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(queuedMessage)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newInboxQueue() *inboxQueue {
	q := &inboxQueue{}
	heap.Init(&q.items)
	return q
}

func (q *inboxQueue) push(msg *Message) {
	q.seq++
	heap.Push(&q.items, queuedMessage{msg: msg, seq: q.seq})
}

func (q *inboxQueue) pop() (*Message, bool) {
	if q.items.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(queuedMessage)
	return item.msg, true
}

func (q *inboxQueue) len() int {
	return q.items.Len()
}
