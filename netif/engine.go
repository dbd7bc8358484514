package netif

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softprobe/pkg"
)

// DefaultQueueSize is the engine's default task queue depth.
const DefaultQueueSize = 64

// Task is one unit of work run on the engine goroutine.
type Task func()

// Engine runs network link and telemetry state transitions one at a time on
// a single goroutine. Code running elsewhere marshals work onto it with
// [Engine.Post]; tasks may run at any later time and must not block.
type Engine struct {
	queue chan Task

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	ran     atomic.Uint64
	dropped atomic.Uint64
}

// NewEngine creates an engine with a task queue of the given depth.
func NewEngine(size int) *Engine {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Engine{queue: make(chan Task, size)}
}

// Start runs the engine goroutine until ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.running {
		return pkg.ErrAlreadyRunning
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.running = true
	go e.run(ctx, e.done)
	pkg.LogDebug(pkg.ComponentNetif, "engine started", "queue", cap(e.queue))
	return nil
}

// Close stops the engine goroutine and waits for it to exit. Queued tasks
// that have not run are discarded.
func (e *Engine) Close() error {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mutex.Unlock()
	<-done
	pkg.LogDebug(pkg.ComponentNetif, "engine stopped",
		"ran", e.ran.Load(),
		"dropped", e.dropped.Load())
	return nil
}

// Post queues task without blocking. It returns false and logs when the
// queue is full.
func (e *Engine) Post(task Task) bool {
	select {
	case e.queue <- task:
		return true
	default:
		e.dropped.Add(1)
		pkg.LogWarn(pkg.ComponentNetif, "engine queue full, task dropped",
			"error", pkg.ErrQueueFull)
		return false
	}
}

// Dropped returns the number of tasks refused by Post.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			task()
			e.ran.Add(1)
		}
	}
}
