package pipeline

import (
	"container/heap"

	"github.com/xxxsen/embedpipe/internal/model"
)

// taskQueue orders strictly by priority class, FIFO within a class. Not safe
// for concurrent use; the pipeline serializes access under its own mutex.
type taskQueue struct {
	items taskHeap
	seq   uint64
}

type queuedTask struct {
	task model.EmbeddingTask
	seq  uint64
}

type taskHeap []queuedTask

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) Push(task model.EmbeddingTask) {
	q.seq++
	heap.Push(&q.items, queuedTask{task: task, seq: q.seq})
}

func (q *taskQueue) Pop() (model.EmbeddingTask, bool) {
	if len(q.items) == 0 {
		return model.EmbeddingTask{}, false
	}
	item := heap.Pop(&q.items).(queuedTask)
	return item.task, true
}

func (q *taskQueue) Len() int {
	return len(q.items)
}

func (q *taskQueue) Clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(queuedTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
