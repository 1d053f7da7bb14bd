package pool

import "sync"

// Queue is an unbounded FIFO shared between roles. Gets never block so a
// caller can watch the kill signal between polls.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Put appends v.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// TryGet pops the oldest element. ok is false when the queue is empty.
func (q *Queue[T]) TryGet() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unit is one file to move. Uploads key by bundle file name, downloads by
// remote item id.
type Unit struct {
	Key  string
	Name string
}

// Report is a worker's outcome for one unit.
type Report struct {
	Key     string
	Name    string
	Status  Status
	Message string
}
