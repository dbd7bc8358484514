// Package bytefifo implements a bounded circular byte buffer shared between
// one producer and one consumer.
//
// The producer may be a context that tolerates blocking (a trace source
// goroutine) while the consumer may not (the network engine). For that reason
// every operation has a non-blocking form ([FIFO.TryWrite], [FIFO.TryRead],
// [FIFO.Len], [FIFO.Space]) and the blocking forms ([FIFO.Push], [FIFO.Pop])
// take a timeout so no caller can wait forever.
//
// The mutex guarding the indices is held only for the copy in and out of the
// ring, never while waiting.
package bytefifo

import (
	"sync"
	"time"
)

// FIFO is a bounded circular byte buffer.
type FIFO struct {
	mutex sync.Mutex
	buf   []byte
	head  int // index of the oldest byte
	count int

	// Readiness signals, capacity 1. A stale token only causes a spurious
	// wake-up, so senders never block.
	data  chan struct{}
	space chan struct{}
}

// New creates a FIFO holding at most capacity bytes.
func New(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{
		buf:   make([]byte, capacity),
		data:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// Cap returns the capacity in bytes.
func (f *FIFO) Cap() int {
	return len(f.buf)
}

// Len returns the number of buffered bytes.
func (f *FIFO) Len() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.count
}

// Space returns the number of bytes that can be written without blocking.
func (f *FIFO) Space() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.buf) - f.count
}

// Reset discards all buffered bytes.
func (f *FIFO) Reset() {
	f.mutex.Lock()
	f.head = 0
	f.count = 0
	f.mutex.Unlock()
	signal(f.space)
}

// Data returns a channel that receives a token whenever bytes are added.
// Consumers that multiplex several events select on it.
func (f *FIFO) Data() <-chan struct{} {
	return f.data
}

// TryWrite copies as much of p as fits and returns the count. It never blocks.
func (f *FIFO) TryWrite(p []byte) int {
	f.mutex.Lock()
	n := len(f.buf) - f.count
	if n > len(p) {
		n = len(p)
	}
	if n > 0 {
		tail := (f.head + f.count) % len(f.buf)
		c := copy(f.buf[tail:], p[:n])
		copy(f.buf, p[c:n])
		f.count += n
	}
	f.mutex.Unlock()

	if n > 0 {
		signal(f.data)
	}
	return n
}

// Peek copies up to len(p) of the oldest bytes into p without consuming them.
func (f *FIFO) Peek(p []byte) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.peekLocked(p)
}

func (f *FIFO) peekLocked(p []byte) int {
	n := f.count
	if n > len(p) {
		n = len(p)
	}
	if n == 0 {
		return 0
	}
	c := copy(p[:n], f.buf[f.head:])
	copy(p[c:n], f.buf)
	return n
}

// Discard drops up to n of the oldest bytes and returns the count dropped.
func (f *FIFO) Discard(n int) int {
	f.mutex.Lock()
	if n > f.count {
		n = f.count
	}
	f.advanceLocked(n)
	f.mutex.Unlock()

	if n > 0 {
		signal(f.space)
	}
	return n
}

func (f *FIFO) advanceLocked(n int) {
	f.head = (f.head + n) % len(f.buf)
	f.count -= n
	if f.count == 0 {
		f.head = 0
	}
}

// TryRead moves up to len(p) bytes into p and returns the count. It never
// blocks.
func (f *FIFO) TryRead(p []byte) int {
	f.mutex.Lock()
	n := f.peekLocked(p)
	f.advanceLocked(n)
	f.mutex.Unlock()

	if n > 0 {
		signal(f.space)
	}
	return n
}

// Push writes p, waiting up to timeout for space to free up. It returns the
// number of bytes written, which is short when the timeout expired first.
func (f *FIFO) Push(p []byte, timeout time.Duration) int {
	n := f.TryWrite(p)
	if n == len(p) || timeout <= 0 {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for n < len(p) {
		select {
		case <-f.space:
			n += f.TryWrite(p[n:])
		case <-timer.C:
			return n + f.TryWrite(p[n:])
		}
	}
	return n
}

// Pop reads into p, waiting up to timeout for at least one byte. It returns
// as soon as any bytes were read; zero means the timeout expired.
func (f *FIFO) Pop(p []byte, timeout time.Duration) int {
	if len(p) == 0 {
		return 0
	}
	if n := f.TryRead(p); n > 0 || timeout <= 0 {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-f.data:
			if n := f.TryRead(p); n > 0 {
				return n
			}
		case <-timer.C:
			return f.TryRead(p)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
