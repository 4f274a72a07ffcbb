package eventbus

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// It is not safe for concurrent use; callers hold their own lock.
type ring[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

// push appends v. If the ring was full the oldest element is evicted and
// returned with evicted=true.
func (r *ring[T]) push(v T) (old T, evicted bool) {
	capacity := len(r.items)
	if r.size == capacity {
		old = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % capacity
		return old, true
	}
	r.items[(r.head+r.size)%capacity] = v
	r.size++
	return old, false
}

// pop removes and returns the oldest element.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

func (r *ring[T]) len() int {
	return r.size
}

// newestFirst calls fn on each element from newest to oldest until fn returns false.
func (r *ring[T]) newestFirst(fn func(T) bool) {
	capacity := len(r.items)
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.items[(r.head+i)%capacity]) {
			return
		}
	}
}
