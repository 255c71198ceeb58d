package media

import "sync"

// FrameQueue is a bounded FIFO of encoded outbound frames. A full queue drops its oldest frame.
type FrameQueue struct {
	mu     sync.Mutex
	frames chan []byte
}

// NewFrameQueue creates a queue holding at most capacity frames
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 500
	}
	return &FrameQueue{frames: make(chan []byte, capacity)}
}

// Push appends frames and returns how many older frames were dropped to make room
func (q *FrameQueue) Push(frames ...[]byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for _, f := range frames {
		for !q.offer(f) {
			select {
			case <-q.frames:
				dropped++
			default:
			}
		}
	}
	return dropped
}

func (q *FrameQueue) offer(f []byte) bool {
	select {
	case q.frames <- f:
		return true
	default:
		return false
	}
}

// Pop returns the next frame without blocking
func (q *FrameQueue) Pop() ([]byte, bool) {
	select {
	case f := <-q.frames:
		return f, true
	default:
		return nil, false
	}
}

// Drain discards everything queued and returns the number of frames dropped
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for {
		select {
		case <-q.frames:
			dropped++
		default:
			return dropped
		}
	}
}

// Len is the number of queued frames
func (q *FrameQueue) Len() int {
	return len(q.frames)
}

// Cap is the queue capacity
func (q *FrameQueue) Cap() int {
	return cap(q.frames)
}
