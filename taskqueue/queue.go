// Package taskqueue provides a bounded priority queue with a worker pool for
// asynchronous workflow submission. Higher-priority tasks are dispatched
// first; within one priority, arrival order is preserved.
package taskqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/queryloom/loom/types"
)

// Task is one queued unit of work.
type Task struct {
	// ID identifies the task, typically the execution id.
	ID string
	// Priority orders dispatch, higher first. Zero is the default.
	Priority int
	// Run performs the work. The context is the pool's lifetime context.
	Run func(ctx context.Context) error

	enqueuedAt time.Time
	seq        uint64
}

// taskHeap orders by priority descending, then by arrival ascending so equal
// priorities dispatch FIFO.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// Queue is a bounded priority queue. Enqueue rejects when full rather than
// blocking the producer.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	tasks    taskHeap
	capacity int
	nextSeq  uint64
	closed   bool
}

// NewQueue creates a queue bounded at capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task. It returns a QUEUE_FULL error when the queue is at
// capacity and an error when the queue is closed.
func (q *Queue) Enqueue(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.NewError(types.ErrQueueFull, "task queue is closed")
	}
	if len(q.tasks) >= q.capacity {
		return types.NewError(types.ErrQueueFull,
			fmt.Sprintf("task queue at capacity %d", q.capacity))
	}

	task.enqueuedAt = time.Now()
	task.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.tasks, task)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a task is available or the queue is closed and
// drained. The second return is false once no more tasks will ever arrive.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 {
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	return heap.Pop(&q.tasks).(*Task), true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops intake. Already-queued tasks remain dequeueable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}
