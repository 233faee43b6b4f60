// Package looper provides the serial executor the connection manager and
// message streams schedule their work on.
package looper

import (
	"sync"
	"time"
)

// Task is a handle on delayed work.
type Task interface {
	// Cancel prevents the task from running if it has not started yet.
	Cancel()
}

// Scheduler runs functions one at a time, in post order.
type Scheduler interface {
	Post(fn func())
	PostDelayed(fn func(), d time.Duration) Task
}

// Looper is a Scheduler backed by a single goroutine.
type Looper struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed bool
}

// New starts a Looper.
func New() *Looper {
	l := &Looper{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

// Post queues fn. Posting after Quit is a no-op.
func (l *Looper) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed queues fn after d.
func (l *Looper) PostDelayed(fn func(), d time.Duration) Task {
	t := &timerTask{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled() {
				return
			}
			fn()
		})
	})
	return t
}

// Quit stops the loop once the work already queued has run, and waits for
// that. Calling it from posted work deadlocks; use Close there.
func (l *Looper) Quit() {
	l.Close()
	<-l.done
}

// Close stops accepting work and lets the loop exit after the work already
// queued has run. It does not wait.
func (l *Looper) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.quit)
}

// Done is closed once the loop has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

func (l *Looper) loop() {
	defer close(l.done)
	for {
		for {
			fn, ok := l.pop()
			if !ok {
				break
			}
			fn()
		}

		select {
		case <-l.wake:
		case <-l.quit:
			for {
				fn, ok := l.pop()
				if !ok {
					return
				}
				fn()
			}
		}
	}
}

func (l *Looper) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

type timerTask struct {
	mu    sync.Mutex
	timer *time.Timer
	stop  bool
}

func (t *timerTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *timerTask) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop
}
