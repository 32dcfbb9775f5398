// Package taskengine provides the dispatch core of a cooperative task framework:
// per-thread engines that step resumable tasks, a lazily compacted timer queue,
// and a gate for waiting until every task has finished.
//
// Tasks are never preempted. Each call of a task's step function does a small
// amount of work and then says what happens next: keep running, move to
// another engine, sleep, wait for a signal, or finish.
//
// # Quick Start
//
// Create an engine and drive it from its own goroutine:
//
//	engine := taskengine.NewEngine("main", 0) // no per-cycle budget
//	thread := taskengine.NewEngineThread(engine)
//	thread.Start(context.Background())
//	defer thread.Stop()
//
// Run tasks on it:
//
//	task := taskengine.NewTask("count", func(ctx context.Context, t *taskengine.Task) {
//		fmt.Println("step", t.Steps())
//		if t.Steps() == 3 {
//			t.Finish()
//		}
//	})
//	task.Run(engine)
//
// # Key Concepts
//
// Engine: a run queue plus a dispatch loop (Mainloop). Exactly one goroutine
// owns an engine and calls Mainloop; Add, WakeUp and Flush are safe from any
// goroutine. Tasks are served FIFO and requeued at the tail after each step.
//
// Maximum duration: an engine created with a budget in milliseconds stops
// starting new steps in a cycle once the budget is spent. Such engines are
// driven once per frame by EngineThread and let tasks sleep with
// Task.YieldFrames and Task.YieldFor.
//
// Target, current and default engine: a task runs on its target engine if one
// is set, otherwise where it currently runs, otherwise on the engine passed to
// Run, and as a last resort on the auxiliary engine (see InitAuxiliaryThread).
//
// TimerQueue and TimerService: timers are grouped per interval so that each
// queue is naturally ordered; cancelling leaves a tombstone that is dropped
// once it reaches the front. Task.WaitFor builds a wait timeout on top of it.
//
// Gate: tasks created WithGate increment it when they run and decrement it
// once when they finish, abort or are flushed. One goroutine can Wait on it to
// learn that every task has completed.
//
// # Errors
//
// Breaking a precondition (adding a queued task twice, cancelling a timer twice,
// waiting twice on a gate, sleeping on an engine without budget, ...) panics
// with a *ContractViolation. Panics raised by task steps are recovered, passed
// to the task's PanicHandler and abort the task.
package taskengine
