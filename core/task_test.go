package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPanicHandler struct {
	mu     sync.Mutex
	calls  int
	engine string
	task   string
	value  any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, engineName string, taskName string, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.engine, h.task, h.value = engineName, taskName, panicInfo
}

// TestTask_NewTask verifies the initial state
// Given: A newly created task
// When: Its accessors are read
// Then: It is idle, holds one reference and has a unique id
func TestTask_NewTask(t *testing.T) {
	a := NewTask("a", func(ctx context.Context, t *Task) {})
	b := NewTask("b", func(ctx context.Context, t *Task) {})

	assert.Equal(t, TaskIdle, a.State())
	assert.Equal(t, 1, a.RefCount())
	assert.NotEqual(t, uuid.Nil, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Nil(t, a.CurrentEngine())
	assert.Equal(t, "idle", a.State().String())
}

// TestTask_FinishDecrementsGate verifies the gate follows the task lifecycle
// Given: A task attached to a gate
// When: It runs and finishes
// Then: Run increments the gate and finishing brings it back to zero
func TestTask_FinishDecrementsGate(t *testing.T) {
	// Arrange
	e := NewEngine("main", 0)
	gate := NewGate()
	task := NewTask("worker", func(ctx context.Context, t *Task) {
		if t.Steps() == 3 {
			t.Finish()
		}
	}, WithGate(gate))

	// Act
	task.Run(e)
	require.Equal(t, 1, gate.Count())
	for range 3 {
		e.Mainloop(context.Background())
	}

	// Assert
	assert.True(t, task.IsFinished())
	assert.Equal(t, 0, gate.Count())
	assert.Equal(t, 0, e.Len())
	require.NoError(t, gate.Wait(context.Background()))
}

// TestTask_AbortDecrementsGate verifies Abort is terminal
func TestTask_AbortDecrementsGate(t *testing.T) {
	e := NewEngine("main", 0)
	gate := NewGate()
	task := NewTask("quitter", func(ctx context.Context, t *Task) { t.Abort() }, WithGate(gate))

	task.Run(e)
	e.Mainloop(context.Background())

	assert.True(t, task.IsAborted())
	assert.Equal(t, 0, gate.Count())
	assert.Equal(t, "aborted", task.State().String())
}

// TestTask_RunTwicePanics verifies a task only starts once
func TestTask_RunTwicePanics(t *testing.T) {
	e := NewEngine("main", 0)
	task := NewTask("once", func(ctx context.Context, t *Task) {})
	task.Run(e)

	assertContractViolation(t, func() { task.Run(e) })
}

// TestTask_RunWithoutEngineUsesAuxiliary verifies the fallback engine
// Given: A task without target or default engine
// When: Run(nil) is called
// Then: The task is queued on the auxiliary engine
func TestTask_RunWithoutEngineUsesAuxiliary(t *testing.T) {
	task := NewTask("orphan", func(ctx context.Context, t *Task) {})
	aux := AuxiliaryEngine()
	defer aux.Flush()

	task.Run(nil)

	assert.True(t, aux.Contains(task))
	assert.Same(t, aux, task.CurrentEngine())
	assert.Equal(t, AuxiliaryEngineName, aux.Name())
	assert.Same(t, aux, AuxiliaryEngine())
}

// TestTask_TargetTakesPrecedence verifies engine resolution order
// Given: A task with default engine e1 whose first step targets e2
// When: The step returns without yielding explicitly
// Then: The task continues on e2, its target
func TestTask_TargetTakesPrecedence(t *testing.T) {
	e1 := NewEngine("e1", 0)
	e2 := NewEngine("e2", 0)
	task := NewTask("target", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.Target(e2)
		}
	})

	task.Run(e1)
	e1.Mainloop(context.Background())

	assert.True(t, e2.Contains(task))
	assert.False(t, e1.Contains(task))

	// Clearing the target keeps the task where it currently is.
	task2 := NewTask("clear", func(ctx context.Context, t *Task) { t.YieldTo(nil) })
	task2.Run(e2)
	e2.Mainloop(context.Background())
	assert.True(t, e2.Contains(task2))
	assert.Nil(t, task2.TargetEngine())
}

// TestTask_SignalWakesIdleTask verifies Wait and Signal
// Given: A task that waits after its first step
// When: Signal is called from outside
// Then: The task is queued again and runs its second step
func TestTask_SignalWakesIdleTask(t *testing.T) {
	// Arrange
	e := NewEngine("main", 0)
	task := NewTask("waiter", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.Wait()
			return
		}
		t.Finish()
	})
	task.Run(e)
	e.Mainloop(context.Background())
	require.Equal(t, TaskIdle, task.State())
	require.Equal(t, 0, e.Len())

	// Act
	task.Signal()

	// Assert
	assert.True(t, e.Contains(task))
	assert.True(t, task.IsActive())
	e.Mainloop(context.Background())
	assert.True(t, task.IsFinished())
	assert.Equal(t, uint64(2), task.Steps())

	task.Signal()
	assert.Equal(t, 0, e.Len(), "signalling a finished task does nothing")
}

// TestTask_SignalDuringStepCancelsWait verifies a signal racing the step
// Given: A task whose step calls Wait and is signalled before returning
// When: The step ends
// Then: The task stays active on its engine
func TestTask_SignalDuringStepCancelsWait(t *testing.T) {
	e := NewEngine("main", 0)
	task := NewTask("busy", func(ctx context.Context, t *Task) {
		t.Wait()
		t.Signal()
	})
	task.Run(e)

	e.Mainloop(context.Background())

	assert.True(t, task.IsActive())
	assert.True(t, e.Contains(task))
}

// TestTask_SignalBeforeEviction verifies a signal landing between the step
// and the engine's decision
// Given: A task that waits, and a signal delivered right after its step
// When: The engine finishes the cycle
// Then: The task is queued exactly once, on the engine it resolves to
func TestTask_SignalBeforeEviction(t *testing.T) {
	t.Run("same engine", func(t *testing.T) {
		metrics := newRecordingMetrics()
		e := newMeteredEngine("main", 0, metrics)
		task := NewTask("waiter", func(ctx context.Context, t *Task) { t.Wait() })
		metrics.afterStep = task.Signal
		task.Run(e)

		e.Mainloop(context.Background())

		assert.True(t, task.IsActive())
		assert.Equal(t, 1, e.Len())
		assert.Equal(t, 2, task.RefCount())
	})

	t.Run("other engine", func(t *testing.T) {
		metrics := newRecordingMetrics()
		e1 := newMeteredEngine("e1", 0, metrics)
		e2 := NewEngine("e2", 0)
		task := NewTask("waiter", func(ctx context.Context, t *Task) {
			t.Target(e2)
			t.Wait()
		})
		metrics.afterStep = task.Signal
		task.Run(e1)

		e1.Mainloop(context.Background())

		assert.Equal(t, 0, e1.Len())
		assert.True(t, e2.Contains(task))
		assert.Equal(t, 2, task.RefCount())
	})
}

// TestTask_WaitForTimesOut verifies the timer backed wait
// Given: A running timer service and a task that waits with a short timeout
// When: Nobody signals it
// Then: The timer signals the task, which runs again
func TestTask_WaitForTimesOut(t *testing.T) {
	// Arrange
	svc := NewTimerService(nil, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	e := NewEngine("main", 0)
	task := NewTask("sleeper", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.WaitFor(svc, 10*time.Millisecond)
			return
		}
		t.Finish()
	})
	task.Run(e)

	// Act
	e.Mainloop(context.Background())
	require.Equal(t, TaskIdle, task.State())
	require.Equal(t, 1, svc.RunningTimers())

	// Assert
	require.Eventually(t, func() bool { return e.Len() == 1 }, time.Second, time.Millisecond)
	e.Mainloop(context.Background())
	assert.True(t, task.IsFinished())
	assert.Equal(t, 0, svc.RunningTimers())
	require.Eventually(t, func() bool { return task.RefCount() == 1 }, time.Second, time.Millisecond)
}

// TestTask_SignalCancelsWaitTimer verifies an early signal releases the timer
// Given: A task idle in WaitFor with a long timeout
// When: It is signalled
// Then: The timer is cancelled and its reference released
func TestTask_SignalCancelsWaitTimer(t *testing.T) {
	svc := NewTimerService(nil, nil)
	e := NewEngine("main", 0)
	task := NewTask("sleeper", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.WaitFor(svc, time.Hour)
		}
	})
	task.Run(e)
	e.Mainloop(context.Background())
	require.Equal(t, 1, svc.RunningTimers())
	require.Equal(t, 2, task.RefCount())

	task.Signal()

	assert.Equal(t, 0, svc.RunningTimers())
	assert.Equal(t, 2, task.RefCount())
	assert.True(t, e.Contains(task))
}

// TestTask_YieldFrames verifies sleeping on a frame engine
// Given: A task on a budget engine that sleeps for two frames after its first step
// When: Mainloop is called once per frame
// Then: The task is skipped until the second frame after the one it slept in
func TestTask_YieldFrames(t *testing.T) {
	e := NewEngine("frame", 1000)
	task := NewTask("napper", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.YieldFrames(2)
		}
	})
	task.Run(e)

	var steps []uint64
	for range 4 {
		e.Mainloop(context.Background())
		steps = append(steps, task.Steps())
	}

	assert.Equal(t, []uint64{1, 1, 2, 3}, steps)
	assert.True(t, e.Contains(task))
}

// TestTask_YieldFor verifies sleeping for a duration on a frame engine
func TestTask_YieldFor(t *testing.T) {
	e := NewEngine("frame", 1000)
	task := NewTask("napper", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.YieldFor(30 * time.Millisecond)
		}
	})
	task.Run(e)

	e.Mainloop(context.Background())
	e.Mainloop(context.Background())
	assert.Equal(t, uint64(1), task.Steps())

	time.Sleep(40 * time.Millisecond)
	e.Mainloop(context.Background())
	assert.Equal(t, uint64(2), task.Steps())
}

// TestTask_SleepWithoutBudgetPanics verifies sleeping needs a frame engine
// Given: A task on an engine without a duration budget
// When: Its step calls YieldFrames
// Then: The contract violation escapes Mainloop instead of aborting the task
func TestTask_SleepWithoutBudgetPanics(t *testing.T) {
	handler := &recordingPanicHandler{}
	e := NewEngine("main", 0)
	task := NewTask("bad", func(ctx context.Context, t *Task) { t.YieldFrames(1) }, WithPanicHandler(handler))
	task.Run(e)

	assertContractViolation(t, func() { e.Mainloop(context.Background()) })
	assert.Equal(t, 0, handler.calls)
}

// TestTask_StepMethodOutsideStepPanics verifies step methods need a running step
func TestTask_StepMethodOutsideStepPanics(t *testing.T) {
	task := NewTask("idle", func(ctx context.Context, t *Task) {})

	assertContractViolation(t, task.Yield)
	assertContractViolation(t, task.Finish)
	assertContractViolation(t, task.Wait)
}

// TestTask_PanicAbortsTask verifies step panics are contained
// Given: A task attached to a gate whose step panics
// When: The engine steps it
// Then: The panic handler is called, the task is aborted and the gate released
func TestTask_PanicAbortsTask(t *testing.T) {
	// Arrange
	handler := &recordingPanicHandler{}
	gate := NewGate()
	e := NewEngine("main", 0)
	task := NewTask("boom", func(ctx context.Context, t *Task) {
		panic("step failed")
	}, WithPanicHandler(handler), WithGate(gate))
	task.Run(e)

	// Act
	e.Mainloop(context.Background())

	// Assert
	assert.Equal(t, 1, handler.calls)
	assert.Equal(t, "main", handler.engine)
	assert.Equal(t, "boom", handler.task)
	assert.Equal(t, "step failed", handler.value)
	assert.True(t, task.IsAborted())
	assert.Equal(t, 0, gate.Count())
	assert.Equal(t, 0, e.Len())
}

// TestTask_IdleKeepsGateCount verifies only terminal states release the gate
// Given: A gated task whose first step goes idle
// When: The gate is waited on while the task is idle
// Then: The count stays at one until the signalled task finishes
func TestTask_IdleKeepsGateCount(t *testing.T) {
	// Arrange
	e := NewEngine("main", 0)
	gate := NewGate()
	task := NewTask("napper", func(ctx context.Context, t *Task) {
		if t.Steps() == 1 {
			t.Wait()
			return
		}
		t.Finish()
	}, WithGate(gate))
	task.Run(e)

	// Act
	e.Mainloop(context.Background())

	// Assert
	require.Equal(t, TaskIdle, task.State())
	assert.Equal(t, 1, gate.Count())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, gate.Wait(ctx), context.DeadlineExceeded)

	task.Signal()
	e.Mainloop(context.Background())
	assert.True(t, task.IsFinished())
	assert.Equal(t, 0, gate.Count())
	require.NoError(t, gate.Wait(context.Background()))
}

// TestTask_KillIdleTask verifies Kill from outside an engine
func TestTask_KillIdleTask(t *testing.T) {
	e := NewEngine("main", 0)
	gate := NewGate()
	task := NewTask("waiter", func(ctx context.Context, t *Task) { t.Wait() }, WithGate(gate))
	task.Run(e)
	e.Mainloop(context.Background())
	require.Equal(t, 1, gate.Count())

	task.Kill()
	task.Kill()

	assert.True(t, task.IsAborted())
	assert.Equal(t, 0, gate.Count())
	task.Signal()
	assert.Equal(t, 0, e.Len())
}

// TestTask_ReleaseRunsOnDestroy verifies reference counting
// Given: A finished task whose engine released its queue reference
// When: The creator releases its reference
// Then: The destroy callback runs once and further releases panic
func TestTask_ReleaseRunsOnDestroy(t *testing.T) {
	var destroyed atomic.Int32
	e := NewEngine("main", 0)
	task := NewTask("short", func(ctx context.Context, t *Task) { t.Finish() },
		WithOnDestroy(func() { destroyed.Add(1) }))
	task.Run(e)
	require.Equal(t, 2, task.RefCount())

	e.Mainloop(context.Background())
	require.Equal(t, 1, task.RefCount())
	require.Equal(t, int32(0), destroyed.Load())

	task.Release()

	assert.Equal(t, int32(1), destroyed.Load())
	assert.Equal(t, 0, task.RefCount())
	assertContractViolation(t, task.Release)
}

// TestTask_AcquireAfterDestroyPanics verifies a destroyed task cannot be revived
func TestTask_AcquireAfterDestroyPanics(t *testing.T) {
	task := NewTask("gone", func(ctx context.Context, t *Task) {})
	task.Release()

	assertContractViolation(t, task.Acquire)
}
