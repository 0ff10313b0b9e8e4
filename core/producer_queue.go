package core

import (
	"container/heap"
)

// producerQueue is a priority queue of document producers ordered by a
// ProducerComparator. Every producer in the queue has a buffered item.
type producerQueue struct {
	producers []*DocumentProducer
	cmp       ProducerComparator
}

func newProducerQueue(cmp ProducerComparator) *producerQueue {
	return &producerQueue{cmp: cmp}
}

func (q *producerQueue) Len() int { return len(q.producers) }
func (q *producerQueue) Swap(i, j int) {
	q.producers[i], q.producers[j] = q.producers[j], q.producers[i]
}
func (q *producerQueue) Less(i, j int) bool {
	return q.cmp.Compare(q.producers[i], q.producers[j]) < 0
}

func (q *producerQueue) Push(x interface{}) {
	q.producers = append(q.producers, x.(*DocumentProducer))
}

func (q *producerQueue) Pop() interface{} {
	old := q.producers
	n := len(old)
	dp := old[n-1]
	old[n-1] = nil
	q.producers = old[:n-1]
	return dp
}

func (q *producerQueue) enqueue(dp *DocumentProducer) {
	heap.Push(q, dp)
}

func (q *producerQueue) dequeue() *DocumentProducer {
	return heap.Pop(q).(*DocumentProducer)
}
