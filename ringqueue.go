package ts3full

import "errors"

// idSpace is the size of the wrapping 16-bit packet id space.
const idSpace = 1 << 16

// halfIDSpace splits the id space into "ahead of head" and "behind head".
const halfIDSpace = idSpace / 2

var (
	// ErrDuplicate is returned by RingQueue.Set for an id that was already
	// stored or already dequeued.
	ErrDuplicate = errors.New("ringqueue: duplicate id")
	// ErrOutOfWindow is returned by RingQueue.Set for an id too far ahead of the head.
	ErrOutOfWindow = errors.New("ringqueue: id outside receive window")
)

// RingQueue is a fixed-size reorder buffer over the wrapping 16-bit id space.
//
// The head is the next id to be dequeued. Ids within [head, head+window) can be
// stored in any order; TryDequeue only releases the head once it is filled.
// The generation counts how often the head wrapped past 65535.
//
// Ids less than half the id space ahead of the head are considered "ahead",
// all others "behind". Behind ids were already delivered (or are too old)
// and are reported as set.
//
// RingQueue is not safe for concurrent use; the receive path owns it.
type RingQueue[T any] struct {
	slots      []T
	filled     []bool
	start      int    // slot index of the head
	head       uint16 // id of the head
	generation uint32 // generation of the head
	count      int    // span from head through the furthest filled slot
}

// NewRingQueue creates a queue that buffers up to window ids ahead of the head.
func NewRingQueue[T any](window int) *RingQueue[T] {
	if window <= 0 || window > halfIDSpace {
		panic("ringqueue: window must be in (0, 32768]")
	}
	return &RingQueue[T]{
		slots:  make([]T, window),
		filled: make([]bool, window),
	}
}

// Window returns the buffer capacity.
func (q *RingQueue[T]) Window() int { return len(q.slots) }

// Count returns the number of slots from the head through the furthest
// stored id, gaps included.
func (q *RingQueue[T]) Count() int { return q.count }

// Head returns the next id to be dequeued and its generation.
func (q *RingQueue[T]) Head() IDTuple {
	return IDTuple{ID: q.head, Generation: q.generation}
}

// offset returns the forward distance from the head to id.
func (q *RingQueue[T]) offset(id uint16) int {
	return int(id - q.head)
}

func (q *RingQueue[T]) index(offset int) int {
	return (q.start + offset) % len(q.slots)
}

// InWindow reports whether id can currently be stored.
func (q *RingQueue[T]) InWindow(id uint16) bool {
	return q.offset(id) < len(q.slots)
}

// IsSet reports whether id is a duplicate: stored but not yet dequeued,
// or behind the head.
func (q *RingQueue[T]) IsSet(id uint16) bool {
	off := q.offset(id)
	if off < len(q.slots) {
		return q.filled[q.index(off)]
	}
	return off >= halfIDSpace
}

// Set stores val under id.
// Returns ErrDuplicate if id is already stored or behind the head, and
// ErrOutOfWindow if id is further ahead than the window allows. The stored
// value is never overwritten.
func (q *RingQueue[T]) Set(id uint16, val T) error {
	off := q.offset(id)
	if off >= len(q.slots) {
		if off >= halfIDSpace {
			return ErrDuplicate
		}
		return ErrOutOfWindow
	}
	idx := q.index(off)
	if q.filled[idx] {
		return ErrDuplicate
	}
	q.slots[idx] = val
	q.filled[idx] = true
	if off+1 > q.count {
		q.count = off + 1
	}
	return nil
}

// TryPeekStart returns the value offset slots after the head, if stored.
func (q *RingQueue[T]) TryPeekStart(offset int) (T, bool) {
	var zero T
	if offset < 0 || offset >= len(q.slots) {
		return zero, false
	}
	idx := q.index(offset)
	if !q.filled[idx] {
		return zero, false
	}
	return q.slots[idx], true
}

// TryDequeue removes and returns the head value once it is stored,
// advancing the head by one id.
func (q *RingQueue[T]) TryDequeue() (T, bool) {
	var zero T
	if !q.filled[q.start] {
		return zero, false
	}
	val := q.slots[q.start]
	q.slots[q.start] = zero
	q.filled[q.start] = false
	q.start = (q.start + 1) % len(q.slots)
	q.head++
	if q.head == 0 {
		q.generation++
	}
	if q.count > 0 {
		q.count--
	}
	return val, true
}

// GetGeneration returns the generation id belongs to, relative to the head.
// It is needed before decryption, since the generation is a key input.
func (q *RingQueue[T]) GetGeneration(id uint16) uint32 {
	off := q.offset(id)
	if off < halfIDSpace {
		// ahead of the head; a numerically smaller id has wrapped
		if id < q.head {
			return q.generation + 1
		}
		return q.generation
	}
	// behind the head; a numerically larger id belongs to the previous lap
	if id > q.head && q.generation > 0 {
		return q.generation - 1
	}
	return q.generation
}

// Clear empties the queue and resets the head to id 0, generation 0.
func (q *RingQueue[T]) Clear() {
	var zero T
	for i := range q.slots {
		q.slots[i] = zero
		q.filled[i] = false
	}
	q.start = 0
	q.head = 0
	q.generation = 0
	q.count = 0
}
