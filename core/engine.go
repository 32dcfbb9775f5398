package core

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Runnable is what an Engine dispatches. Task is the implementation used by
// this package; the engine itself only depends on this contract.
//
// Implementations must be comparable (pointer types), since an engine keys
// its queue membership on the value.
type Runnable interface {
	// Multiplex runs one step. It is only ever called by the engine that
	// currently holds the runnable in its queue.
	Multiplex(ctx context.Context, e *Engine)

	// CurrentEngine returns the engine that owns the runnable right now, or
	// nil when it does not need to run. The engine re-reads it after every
	// step; any value other than itself means "no longer mine".
	CurrentEngine() *Engine

	// Evicted is called once the engine has removed the runnable from its
	// queue. Moving to another engine is completed from here.
	Evicted(e *Engine)

	// Kill marks the runnable as forcibly aborted. Flush calls Kill and then
	// Evicted for every runnable it removes.
	Kill()

	// Name labels the runnable in logs.
	Name() string
}

// terminated is implemented by runnables that can tell a finished or
// aborted state apart from going idle.
type terminated interface {
	IsTerminated() bool
}

// Engine is a task queue and dispatcher. Exactly one goroutine, the one that
// owns the engine, calls Mainloop; any goroutine may call Add, WakeUp and
// Flush.
//
// Tasks are served in FIFO order. A task that is still owned by this engine
// after its step goes to the back of the queue, giving round-robin fairness.
//
// With a maximum duration set, Mainloop stops starting new steps once the
// time spent stepping in the current cycle reaches the budget. A step that
// already started is never interrupted: tasks on such engines must return
// from their steps quickly.
type Engine struct {
	name    string
	logger  Logger
	metrics Metrics

	mu            sync.Mutex
	cond          *sync.Cond
	queue         *list.List
	index         map[Runnable]*list.Element
	waiting       bool
	wakeRequested bool

	maxDuration atomic.Int64 // nanoseconds, 0 means no budget
	frame       atomic.Uint64
	driving     atomic.Bool // set while a Mainloop call is in progress
}

// NewEngine creates an engine. maxDuration is in milliseconds; zero or less
// means Mainloop only returns once every queued task has had its turn.
func NewEngine(name string, maxDuration float64) *Engine {
	cfg := DefaultEngineConfig(name)
	cfg.MaxDuration = maxDuration
	return NewEngineWithConfig(cfg)
}

// NewEngineWithConfig creates an engine from cfg.
func NewEngineWithConfig(cfg EngineConfig) *Engine {
	e := &Engine{
		name:    cfg.Name,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		queue:   list.New(),
		index:   make(map[Runnable]*list.Element),
	}
	e.cond = sync.NewCond(&e.mu)

	if e.logger == nil {
		e.logger = NewNoOpLogger()
	}
	if e.metrics == nil {
		e.metrics = &NilMetrics{}
	}
	e.SetMaxDuration(cfg.MaxDuration)
	return e
}

// Name returns the label passed at construction.
func (e *Engine) Name() string { return e.name }

// SetMaxDuration sets the per-cycle budget in milliseconds. Zero or less
// removes the budget.
func (e *Engine) SetMaxDuration(ms float64) {
	if ms <= 0 {
		e.maxDuration.Store(0)
		return
	}
	e.maxDuration.Store(int64(ms * float64(time.Millisecond)))
}

// HasMaxDuration reports whether a budget is set. Only engines with a
// budget can be slept on with Task.YieldFrames and Task.YieldFor.
func (e *Engine) HasMaxDuration() bool { return e.maxDuration.Load() > 0 }

// MaxDuration returns the budget, or 0 when there is none.
func (e *Engine) MaxDuration() time.Duration { return time.Duration(e.maxDuration.Load()) }

// Frame returns the number of Mainloop calls made on this engine while it
// had a budget.
func (e *Engine) Frame() uint64 { return e.frame.Load() }

// Add appends r to the run queue and wakes the engine if it is waiting.
// Adding a runnable that is already queued is a contract violation.
//
// Normally tasks enqueue themselves through Task.Run, Task.Signal or a yield;
// calling Add directly is for other Runnable implementations.
func (e *Engine) Add(r Runnable) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, queued := e.index[r]
	assertf(!queued, "Engine.Add", "%q is already in the queue of engine %q", r.Name(), e.name)

	e.index[r] = e.queue.PushBack(r)
	if e.waiting {
		e.cond.Signal()
	}
	e.logger.Debug("task added", F("engine", e.name), F("task", r.Name()), F("depth", e.queue.Len()))
}

// WakeUp makes a blocked Mainloop return, even with an empty queue. A wake
// up that arrives while Mainloop is not waiting is kept for the next wait.
func (e *Engine) WakeUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wakeRequested = true
	e.cond.Broadcast()
}

// Flush empties the run queue and kills every task that was in it, so none
// of them calls back into objects that are being torn down. It returns the
// number of tasks killed. Tasks added after Flush took the queue survive.
func (e *Engine) Flush() int {
	e.mu.Lock()
	killed := make([]Runnable, 0, e.queue.Len())
	for el := e.queue.Front(); el != nil; {
		next := el.Next()
		killed = append(killed, e.queue.Remove(el).(Runnable))
		el = next
	}
	clear(e.index)
	e.mu.Unlock()

	for _, r := range killed {
		r.Kill()
		r.Evicted(e)
	}
	e.metrics.RecordFlush(e.name, len(killed))
	e.logger.Debug("engine flushed", F("engine", e.name), F("killed", len(killed)))
	return len(killed)
}

// Len returns the number of queued tasks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Contains reports whether r is in the run queue.
func (e *Engine) Contains(r Runnable) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.index[r]
	return ok
}

// IsWaiting reports whether Mainloop is blocked on an empty queue.
func (e *Engine) IsWaiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiting
}

// Mainloop runs one dispatch cycle and must only be called by the goroutine
// that owns the engine.
//
// Every task queued at the start of the cycle gets at most one step, in queue
// order. After each step the task's current engine is read under the engine
// lock: if it is still this engine the task moves to the back of the queue,
// otherwise it is removed and told so through Evicted.
//
// On an empty queue an engine without a budget blocks until Add, WakeUp or
// the end of ctx; an engine with a budget returns right away and expects to
// be called again on its next frame.
//
// Entering Mainloop while another call on the same engine is still in
// progress is a contract violation.
func (e *Engine) Mainloop(ctx context.Context) {
	assertf(e.driving.CompareAndSwap(false, true), "Engine.Mainloop", "engine %q is already driven by another goroutine", e.name)
	defer e.driving.Store(false)

	budget := e.MaxDuration()
	if budget > 0 {
		e.frame.Add(1)
	}

	e.mu.Lock()
	pending := e.queue.Len()
	if pending == 0 {
		if budget == 0 {
			e.waitLocked(ctx)
		}
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	var spent time.Duration
	steps := 0
	exhausted := false

	for ; pending > 0 && ctx.Err() == nil; pending-- {
		if budget > 0 && spent >= budget {
			exhausted = true
			break
		}

		e.mu.Lock()
		el := e.queue.Front()
		e.mu.Unlock()
		if el == nil {
			break
		}
		r := el.Value.(Runnable)

		start := time.Now()
		r.Multiplex(ctx, e)
		d := time.Since(start)
		spent += d
		steps++
		e.metrics.RecordStepDuration(e.name, d)

		e.mu.Lock()
		if e.index[r] != el {
			// Flushed while stepping.
			e.mu.Unlock()
			continue
		}
		owner := r.CurrentEngine()
		if owner == e {
			e.queue.MoveToBack(el)
			e.mu.Unlock()
			continue
		}
		e.queue.Remove(el)
		delete(e.index, r)
		e.mu.Unlock()

		reason := evictionReason(r, owner)
		e.metrics.RecordEviction(e.name, reason)
		e.logger.Debug("task evicted", F("engine", e.name), F("task", r.Name()), F("reason", reason))
		r.Evicted(e)
	}

	e.metrics.RecordQueueDepth(e.name, e.Len())
	e.metrics.RecordCycle(e.name, steps, exhausted)
}

func (e *Engine) waitLocked(ctx context.Context) {
	stop := context.AfterFunc(ctx, e.WakeUp)
	defer stop()

	e.waiting = true
	for e.queue.Len() == 0 && !e.wakeRequested && ctx.Err() == nil {
		e.cond.Wait()
	}
	e.waiting = false
	e.wakeRequested = false
}

func evictionReason(r Runnable, owner *Engine) string {
	if owner != nil {
		return "moved"
	}
	if t, ok := r.(terminated); ok && t.IsTerminated() {
		return "finished"
	}
	return "idle"
}
