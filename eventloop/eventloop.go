// Package eventloop implements the single-threaded FIFO event processor
// that serializes every state mutation in the core (spec.md §4.A).
//
// Grounded on broker/broker.go's Broker() goroutine: a buffered channel
// drained by exactly one goroutine, generalized from one request type to a
// generic posted closure, and hardened against a panicking handler per
// spec.md §4.A ("exceptions thrown by an event do not stop the loop").
package eventloop

import (
	"log"
	"sync"
	"sync/atomic"
)

// Event is a unit of work the loop will run exactly once, in FIFO order
// relative to every other posted event.
type Event func()

// Loop is the sole mutator of core state. Construct with New, Start it
// once, Post events as they arrive, and Stop it on shutdown.
type Loop struct {
	logger *log.Logger

	queue   chan Event
	done    chan struct{}
	stopped int32

	wg sync.WaitGroup
}

// New constructs a Loop with the given queue depth. A depth of 0 makes
// Post block until the loop is ready to receive, which is almost never
// what callers posting from WebRTC/socket trampolines want — pick a depth
// generous enough to absorb bursts (e.g. ICE candidate floods).
func New(logger *log.Logger, queueDepth int) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		logger: logger,
		queue:  make(chan Event, queueDepth),
		done:   make(chan struct{}),
	}
}

// Start runs the processing goroutine. Must be called once.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case ev, ok := <-l.queue:
			if !ok {
				return
			}
			l.runOne(ev)
		case <-l.done:
			// Drain whatever is already queued before exiting, so a
			// Stop() racing with in-flight Posts doesn't silently drop
			// terminal cleanup events (peer Close, socket Close).
			for {
				select {
				case ev := <-l.queue:
					l.runOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) runOne(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("eventloop: recovered panic in event: %v", r)
		}
	}()
	ev()
}

// Post enqueues ev for processing. Safe to call from any goroutine,
// including WebRTC/socket callback trampolines. A Post after Stop is a
// silent no-op — the loop is already draining down.
func (l *Loop) Post(ev Event) {
	if atomic.LoadInt32(&l.stopped) != 0 {
		return
	}
	select {
	case l.queue <- ev:
	case <-l.done:
	}
}

// Stop signals the loop to finish its queue and exit, then waits for it.
// Idempotent.
func (l *Loop) Stop() {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		l.wg.Wait()
		return
	}
	close(l.done)
	l.wg.Wait()
}
