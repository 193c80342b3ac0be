package ethrelay

import "sync"

// CommandQueue is the hand-off between command producers and the single
// poll loop that transmits frames.
//
// Thread Safety:
//   - Push, Drain, Len and Close are safe for concurrent use.
//   - The backing slice is never exposed to callers.
type CommandQueue struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

// NewCommandQueue creates an empty, open queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

// Push appends a frame. It never blocks on I/O.
// Returns ErrQueueClosed once the queue has been closed.
func (q *CommandQueue) Push(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.frames = append(q.frames, f)
	return nil
}

// Drain removes and returns every pending frame in submission order.
// Frames pushed after Drain returns are left for the next call.
func (q *CommandQueue) Drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil
	}
	out := q.frames
	q.frames = nil
	return out
}

// Len returns the number of pending frames.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close rejects further pushes and discards pending frames.
// Returns the number of frames discarded. Safe to call multiple times.
func (q *CommandQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	n := len(q.frames)
	q.frames = nil
	return n
}
