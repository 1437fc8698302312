package gojabridge

import (
	"sync"
)

// chunkSize is the number of closures per node in the chunked ingress queue.
// 128 entries * 8 bytes + overhead = ~1KB per chunk.
const chunkSize = 128

// dispatch is a unit of work delivered on the loop goroutine. The context is
// nil when the entry is delivered during the terminal drain, after the loop
// has stopped; closures must treat that as "the runtime is gone".
type dispatch func(cx *Context)

// chunkPool prevents GC thrashing under high submission throughput.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk struct {
	entries [chunkSize]dispatch
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears entry slots before pooling so retained closures do not
// leak through reuse.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.entries[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// chunkedIngress is a chunked linked-list FIFO for closure submission.
//
// Thread Safety: NOT thread-safe. The caller must provide external
// synchronization (the Loop's mutex).
type chunkedIngress struct {
	head   *chunk
	tail   *chunk
	length int
}

// Push adds a closure to the queue.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *chunkedIngress) Push(d dispatch) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.entries) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.entries[q.tail.pos] = d
	q.tail.pos++
	q.length++
}

// Pop removes and returns a closure, or false if the queue is empty.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *chunkedIngress) Pop() (dispatch, bool) {
	if q.head == nil {
		return nil, false
	}

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		oldHead := q.head
		q.head = q.head.next
		returnChunk(oldHead)
	}

	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	d := q.head.entries[q.head.readPos]
	// Zero out popped slot for GC safety
	q.head.entries[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return d, true
		}
		oldHead := q.head
		q.head = q.head.next
		returnChunk(oldHead)
	}

	return d, true
}

// Length returns the queue length.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *chunkedIngress) Length() int {
	return q.length
}
