package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StepFunc is the body of a task. It is called once per engine turn and must
// return promptly; it tells the task what to do next by calling one of the
// step methods (Yield, YieldTo, Wait, Finish, ...). Returning without calling
// any of them keeps the task running on its engine.
type StepFunc func(ctx context.Context, t *Task)

// TaskState is the coarse lifecycle state of a Task.
type TaskState int

const (
	// TaskIdle: not queued anywhere; waiting to be run or signalled.
	TaskIdle TaskState = iota

	// TaskActive: owned by an engine and stepped every cycle.
	TaskActive

	// TaskFinished: the step called Finish.
	TaskFinished

	// TaskAborted: the step called Abort, panicked, or the task was killed.
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskActive:
		return "active"
	case TaskFinished:
		return "finished"
	case TaskAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

type stepRequest int

const (
	requestNone stepRequest = iota
	requestYield
	requestWait
	requestSleep
	requestFinish
	requestAbort
)

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithGate attaches a gate: Run increments it and the task decrements it
// once when it finishes or is aborted.
func WithGate(g *Gate) TaskOption {
	return func(t *Task) { t.gate = g }
}

// WithTaskLogger sets the logger used for state transitions.
func WithTaskLogger(l Logger) TaskOption {
	return func(t *Task) { t.logger = l }
}

// WithPanicHandler sets the handler called when the step panics.
func WithPanicHandler(h PanicHandler) TaskOption {
	return func(t *Task) { t.panicHandler = h }
}

// WithOnDestroy registers a callback run when the last reference is released.
func WithOnDestroy(fn func()) TaskOption {
	return func(t *Task) { t.onDestroy = fn }
}

// Task is a reference counted, resumable unit of work.
//
// A task keeps three engine references:
//   - target: the engine passed to the last Target or YieldTo call (may be nil),
//   - current: the engine whose queue owns the task; nil while idle or done,
//   - default: the engine passed to Run; never changes.
//
// Whenever the task needs a home it takes the first non-nil of target,
// current and default, falling back to AuxiliaryEngine.
//
// The creator holds one reference; each engine queue and each pending wait
// timer holding the task holds another.
type Task struct {
	id           uuid.UUID
	name         string
	step         StepFunc
	gate         *Gate
	logger       Logger
	panicHandler PanicHandler
	onDestroy    func()

	refs    atomic.Int32
	current atomic.Pointer[Engine]

	mu            sync.Mutex
	state         TaskState
	started       bool
	running       bool
	signalled     bool
	request       stepRequest
	queuedOn      *Engine
	defaultEngine *Engine
	targetEngine  *Engine
	steps         uint64

	sleepFrame uint64
	sleepUntil time.Time

	waitService *TimerService
	waitTimeout time.Duration
	waitTimer   *Timer
	waitGen     uint64
}

// NewTask creates an idle task holding one reference for the caller.
func NewTask(name string, step StepFunc, opts ...TaskOption) *Task {
	t := &Task{
		id:   uuid.New(),
		name: name,
		step: step,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = NewNoOpLogger()
	}
	if t.panicHandler == nil {
		t.panicHandler = &DefaultPanicHandler{Logger: t.logger}
	}
	t.refs.Store(1)
	return t
}

// ID returns the unique id of the task.
func (t *Task) ID() uuid.UUID { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// =============================================================================
// Reference counting
// =============================================================================

// Acquire adds a reference. A task whose count already dropped to zero
// cannot be revived.
func (t *Task) Acquire() {
	n := t.refs.Add(1)
	assertf(n > 1, "Task.Acquire", "task %q was already destroyed", t.name)
}

// Release drops a reference; the last release runs the destroy callback.
func (t *Task) Release() {
	n := t.refs.Add(-1)
	assertf(n >= 0, "Task.Release", "task %q released more often than acquired", t.name)
	if n == 0 {
		t.logger.Debug("task destroyed", F("task", t.name), F("id", t.id))
		if t.onDestroy != nil {
			t.onDestroy()
		}
	}
}

// RefCount returns the number of live references.
func (t *Task) RefCount() int { return int(t.refs.Load()) }

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the task. defaultEngine becomes its default engine; nil means
// the task runs on AuxiliaryEngine unless it targets another engine.
// A task can only be run once.
func (t *Task) Run(defaultEngine *Engine) {
	t.mu.Lock()
	assertf(!t.started, "Task.Run", "task %q was already run", t.name)
	t.started = true
	t.defaultEngine = defaultEngine
	t.state = TaskActive
	next := t.resolveLocked()
	t.current.Store(next)
	t.queuedOn = next
	t.mu.Unlock()

	if t.gate != nil {
		t.gate.Increment()
	}
	t.logger.Debug("task run", F("task", t.name), F("engine", next.Name()))
	t.Acquire()
	next.Add(t)
}

// Signal wakes a task that went idle through Wait or WaitFor. A signal that
// arrives while the task is being stepped cancels a Wait made in that step.
// Signalling a task that is active, finished or never ran does nothing.
func (t *Task) Signal() {
	t.mu.Lock()
	if !t.started || t.state == TaskFinished || t.state == TaskAborted {
		t.mu.Unlock()
		return
	}
	if t.running {
		t.signalled = true
		t.mu.Unlock()
		return
	}
	if t.state == TaskActive {
		t.mu.Unlock()
		return
	}

	t.state = TaskActive
	next := t.resolveLocked()
	t.current.Store(next)
	timer, svc := t.detachWaitTimerLocked()
	enqueue := t.queuedOn == nil
	if enqueue {
		t.queuedOn = next
	}
	// Otherwise the previous engine has not evicted the task yet: it either
	// keeps it (next is that engine) or Evicted moves it to next.
	t.mu.Unlock()

	t.cancelWaitTimer(timer, svc)
	t.logger.Debug("task signalled", F("task", t.name), F("engine", next.Name()))
	if enqueue {
		t.Acquire()
		next.Add(t)
	}
}

// Kill aborts the task without running it again. Kill is what Engine.Flush
// uses; it is safe from any goroutine.
func (t *Task) Kill() {
	t.mu.Lock()
	if t.state == TaskFinished || t.state == TaskAborted {
		t.mu.Unlock()
		return
	}
	decrement := t.started
	t.terminateLocked(TaskAborted)
	timer, svc := t.detachWaitTimerLocked()
	t.mu.Unlock()

	t.cancelWaitTimer(timer, svc)
	if decrement && t.gate != nil {
		t.gate.Decrement()
	}
	t.logger.Debug("task killed", F("task", t.name))
}

// =============================================================================
// Runnable
// =============================================================================

// CurrentEngine returns the engine that owns the task, or nil.
func (t *Task) CurrentEngine() *Engine { return t.current.Load() }

// Multiplex runs one step of the task on e.
func (t *Task) Multiplex(ctx context.Context, e *Engine) {
	t.mu.Lock()
	if t.state != TaskActive || t.current.Load() != e {
		t.mu.Unlock()
		return
	}
	if e.Frame() < t.sleepFrame || (!t.sleepUntil.IsZero() && time.Now().Before(t.sleepUntil)) {
		t.mu.Unlock()
		return
	}
	t.sleepFrame, t.sleepUntil = 0, time.Time{}
	t.running = true
	t.signalled = false
	t.request = requestNone
	t.steps++
	t.mu.Unlock()

	t.runStep(ctx, e)

	t.mu.Lock()
	t.running = false
	if t.state != TaskActive {
		// Killed while stepping.
		t.mu.Unlock()
		return
	}

	var (
		decrement bool
		waitSvc   *TimerService
		waitTimer *Timer
		timeout   time.Duration
	)
	switch t.request {
	case requestFinish:
		t.terminateLocked(TaskFinished)
		decrement = true
	case requestAbort:
		t.terminateLocked(TaskAborted)
		decrement = true
	case requestWait:
		if t.signalled {
			t.current.Store(t.resolveLocked())
			break
		}
		t.state = TaskIdle
		t.current.Store(nil)
		if t.waitService != nil {
			waitSvc, timeout = t.waitService, t.waitTimeout
			waitTimer = t.armWaitTimerLocked()
		}
	case requestSleep:
		// Stays on e.
	default:
		t.current.Store(t.resolveLocked())
	}
	state := t.state
	t.mu.Unlock()

	if waitTimer != nil {
		t.Acquire()
		waitSvc.Schedule(waitTimer, timeout)
	}
	if decrement && t.gate != nil {
		t.gate.Decrement()
	}
	if state != TaskActive {
		t.logger.Debug("task state changed", F("task", t.name), F("state", state.String()))
	}
}

// Evicted is called by e after it removed the task from its queue. If the
// task now belongs to another engine it is added there; otherwise the queue
// reference is released.
func (t *Task) Evicted(e *Engine) {
	t.mu.Lock()
	if t.queuedOn != e {
		t.mu.Unlock()
		return
	}
	next := t.current.Load()
	if t.state != TaskActive {
		next = nil
	}
	t.queuedOn = next
	t.mu.Unlock()

	if next == nil {
		t.Release()
		return
	}
	t.logger.Debug("task moved", F("task", t.name), F("from", e.Name()), F("to", next.Name()))
	next.Add(t)
}

// IsTerminated reports whether the task finished or was aborted.
func (t *Task) IsTerminated() bool {
	s := t.State()
	return s == TaskFinished || s == TaskAborted
}

func (t *Task) runStep(ctx context.Context, e *Engine) {
	defer func() {
		if rec := recover(); rec != nil {
			if IsContractViolation(rec) {
				panic(rec)
			}
			t.panicHandler.HandlePanic(ctx, e.Name(), t.name, rec, debug.Stack())
			t.mu.Lock()
			t.request = requestAbort
			t.mu.Unlock()
		}
	}()
	t.step(ctx, t)
}

// =============================================================================
// Step methods (only valid from inside the task's StepFunc)
// =============================================================================

// Target sets the target engine without yielding. nil clears it.
func (t *Task) Target(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assertRunningLocked("Task.Target")
	t.targetEngine = e
}

// Yield returns control to the engine; the task keeps running on its target,
// current or default engine, in that order.
func (t *Task) Yield() {
	t.setRequest("Task.Yield", requestYield)
}

// YieldTo sets the target engine and yields. Passing nil clears the target.
// The task moves to e after the current step.
func (t *Task) YieldTo(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assertRunningLocked("Task.YieldTo")
	t.targetEngine = e
	t.request = requestYield
}

// YieldFrames sleeps on the current engine for n of its frames. The engine
// must have a maximum duration.
func (t *Task) YieldFrames(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.sleepEngineLocked("Task.YieldFrames")
	t.sleepFrame = e.Frame() + n
	t.request = requestSleep
}

// YieldFor sleeps on the current engine for at least d. The engine must have
// a maximum duration.
func (t *Task) YieldFor(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sleepEngineLocked("Task.YieldFor")
	t.sleepUntil = time.Now().Add(d)
	t.request = requestSleep
}

// Wait makes the task idle after this step until Signal is called.
func (t *Task) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assertRunningLocked("Task.Wait")
	t.request = requestWait
	t.waitService = nil
}

// WaitFor is Wait with a timeout: if nobody signals the task within d, a
// timer on svc does.
func (t *Task) WaitFor(svc *TimerService, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assertRunningLocked("Task.WaitFor")
	t.request = requestWait
	t.waitService = svc
	t.waitTimeout = d
}

// Finish ends the task after this step.
func (t *Task) Finish() {
	t.setRequest("Task.Finish", requestFinish)
}

// Abort ends the task as aborted after this step.
func (t *Task) Abort() {
	t.setRequest("Task.Abort", requestAbort)
}

func (t *Task) setRequest(op string, r stepRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assertRunningLocked(op)
	t.request = r
}

func (t *Task) assertRunningLocked(op string) {
	assertf(t.running, op, "task %q is not inside its step", t.name)
}

func (t *Task) sleepEngineLocked(op string) *Engine {
	t.assertRunningLocked(op)
	e := t.current.Load()
	assertf(e != nil && e.HasMaxDuration(), op, "engine of task %q has no maximum duration", t.name)
	return e
}

// =============================================================================
// Internals
// =============================================================================

func (t *Task) resolveLocked() *Engine {
	if t.targetEngine != nil {
		return t.targetEngine
	}
	if cur := t.current.Load(); cur != nil {
		return cur
	}
	if t.defaultEngine != nil {
		return t.defaultEngine
	}
	return AuxiliaryEngine()
}

func (t *Task) terminateLocked(s TaskState) {
	t.state = s
	t.current.Store(nil)
}

func (t *Task) armWaitTimerLocked() *Timer {
	t.waitGen++
	gen := t.waitGen
	t.waitTimer = NewTimer(func() { t.waitTimedOut(gen) })
	return t.waitTimer
}

func (t *Task) detachWaitTimerLocked() (*Timer, *TimerService) {
	timer, svc := t.waitTimer, t.waitService
	t.waitTimer = nil
	t.waitGen++
	return timer, svc
}

func (t *Task) cancelWaitTimer(timer *Timer, svc *TimerService) {
	if timer == nil || svc == nil {
		return
	}
	if svc.Cancel(timer) {
		t.Release()
	}
}

func (t *Task) waitTimedOut(gen uint64) {
	defer t.Release()

	t.mu.Lock()
	current := gen == t.waitGen
	if current {
		t.waitTimer = nil
	}
	t.mu.Unlock()

	if current {
		t.logger.Debug("task wait timed out", F("task", t.name))
		t.Signal()
	}
}

// =============================================================================
// Diagnostics
// =============================================================================

// State returns the lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsActive reports whether the task is owned by an engine.
func (t *Task) IsActive() bool { return t.State() == TaskActive }

// IsFinished reports whether the step called Finish.
func (t *Task) IsFinished() bool { return t.State() == TaskFinished }

// IsAborted reports whether the task was aborted or killed.
func (t *Task) IsAborted() bool { return t.State() == TaskAborted }

// Steps returns how many times the step function ran.
func (t *Task) Steps() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps
}

// TargetEngine returns the target engine, or nil.
func (t *Task) TargetEngine() *Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetEngine
}

// DefaultEngine returns the engine passed to Run, or nil.
func (t *Task) DefaultEngine() *Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.defaultEngine
}
