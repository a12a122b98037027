// Package runtimecaps provides the production implementations of the
// capability interfaces that cmd/node wires into node.New: real time,
// real UUIDs, and an Executor that runs user callbacks off the Event
// Loop goroutine. webrtcengine and wsbroker are the other two
// capabilities' production implementations; they live in their own
// packages since each wraps a full third-party client.
package runtimecaps

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p2pnode/node/capability"
)

// UUIDGenerator produces RFC4122 UUIDs via github.com/google/uuid, the
// wire format spec.md §3/§6 requires for sessionId/msgId.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

// Clock reports wall-clock time.
type Clock struct{}

func (Clock) Now() time.Time { return time.Now() }

// Sleeper suspends the caller for d, or until ctx is done, whichever
// comes first.
type Sleeper struct{}

func (Sleeper) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// timer adapts *time.Timer to capability.Timer.
type timer struct {
	t *time.Timer
}

func (t *timer) Stop() { t.t.Stop() }

// TimerFactory schedules alarms with time.AfterFunc.
type TimerFactory struct{}

func (TimerFactory) AfterFunc(d time.Duration, fn func()) capability.Timer {
	return &timer{t: time.AfterFunc(d, fn)}
}

// Synchronizer is a plain mutex.
type Synchronizer struct {
	mu sync.Mutex
}

func (s *Synchronizer) Lock()   { s.mu.Lock() }
func (s *Synchronizer) Unlock() { s.mu.Unlock() }

// Executor runs submitted callbacks on a single background goroutine,
// in submission order, grounded on eventloop.Loop's own
// buffered-channel-plus-one-drainer shape (spec.md §5 "user callback
// dispatch" requires per-peer FIFO order, which a single drainer gives
// for free without per-peer bookkeeping).
type Executor struct {
	logger *log.Logger
	queue  chan func()
	once   sync.Once
}

// NewExecutor starts the draining goroutine immediately. logger may be
// nil.
func NewExecutor(logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	e := &Executor{logger: logger, queue: make(chan func(), 256)}
	go e.run()
	return e
}

func (e *Executor) run() {
	for fn := range e.queue {
		e.runOne(fn)
	}
}

func (e *Executor) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("runtimecaps: recovered panic in submitted callback: %v", r)
		}
	}()
	fn()
}

// Submit implements capability.Executor.
func (e *Executor) Submit(fn func()) {
	e.queue <- fn
}

// Close stops accepting further work. Submit after Close panics, as
// with any send on a closed channel — callers must stop submitting
// before tearing down.
func (e *Executor) Close() {
	e.once.Do(func() { close(e.queue) })
}
