package deskline

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// loop runs posted callbacks one at a time, in posting order, on a single
// goroutine. post never waits for the goroutine, so a callback may post more
// work or call back into the component that owns the loop.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	logger zerolog.Logger
}

func newLoop(logger zerolog.Logger) *loop {
	l := &loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// post queues fn. It returns false once the loop is closed.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting work. Callbacks already queued still run.
func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
}

func (l *loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.invoke(fn)
		}
	}
}

func (l *loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("panic", fmt.Sprint(r)).Msg("delivery callback panicked")
		}
	}()
	fn()
}
