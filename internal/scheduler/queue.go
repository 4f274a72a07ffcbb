package scheduler

import (
	"container/heap"
)

// taskHeap orders ready tasks by (priority, enqueue sequence).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// readyQueue is the priority queue of tasks waiting for an agent.
type readyQueue struct {
	heap taskHeap
	seq  uint64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

// push appends task at the back of its priority band.
func (q *readyQueue) push(task *Task) {
	q.seq++
	task.seq = q.seq
	heap.Push(&q.heap, task)
}

func (q *readyQueue) peek() *Task {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

func (q *readyQueue) pop() *Task {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Task)
}

// remove drops task from the queue. Returns false if it was not queued.
func (q *readyQueue) remove(task *Task) bool {
	if task.index < 0 || task.index >= len(q.heap) || q.heap[task.index] != task {
		return false
	}
	heap.Remove(&q.heap, task.index)
	return true
}

func (q *readyQueue) len() int {
	return len(q.heap)
}

// ordered returns queued task IDs in dispatch order without disturbing the heap.
func (q *readyQueue) ordered() []string {
	clone := make(taskHeap, len(q.heap))
	copy(clone, q.heap)
	sortable := &orderedHeap{clone}
	ids := make([]string, 0, len(clone))
	for sortable.Len() > 0 {
		ids = append(ids, heap.Pop(sortable).(*Task).ID)
	}
	return ids
}

// orderedHeap pops in the same order as taskHeap without touching task.index.
type orderedHeap struct {
	tasks []*Task
}

func (h *orderedHeap) Len() int { return len(h.tasks) }

func (h *orderedHeap) Less(i, j int) bool { return taskHeap(h.tasks).Less(i, j) }

func (h *orderedHeap) Swap(i, j int) { h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i] }

func (h *orderedHeap) Push(x any) { h.tasks = append(h.tasks, x.(*Task)) }

func (h *orderedHeap) Pop() any {
	n := len(h.tasks)
	task := h.tasks[n-1]
	h.tasks = h.tasks[:n-1]
	return task
}
