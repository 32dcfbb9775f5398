package taskengine

import "github.com/Swind/go-task-engine/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskengine package for most use cases.

// Engine is a per-thread task queue and dispatcher
type Engine = core.Engine

// EngineConfig configures an Engine
type EngineConfig = core.EngineConfig

// Task is a reference counted, resumable unit of work
type Task = core.Task

// StepFunc is the body of a Task
type StepFunc = core.StepFunc

// TaskState is the lifecycle state of a Task
type TaskState = core.TaskState

// Runnable is the contract an Engine dispatches
type Runnable = core.Runnable

// Gate blocks one goroutine until a counter reaches zero
type Gate = core.Gate

// Timer is a one-shot callback run by a TimerService
type Timer = core.Timer

// TimerQueue is the lazily compacted queue of one timer interval
type TimerQueue = core.TimerQueue

// TimerService runs timers grouped per interval
type TimerService = core.TimerService

// Logger is the structured logging interface
type Logger = core.Logger

// Metrics collects engine dispatch metrics
type Metrics = core.Metrics

// PanicHandler receives panics raised by task steps
type PanicHandler = core.PanicHandler

// ContractViolation is the panic value for broken preconditions
type ContractViolation = core.ContractViolation

// Clock is the time source of a TimerService
type Clock = core.Clock

// Task states
const (
	TaskIdle     TaskState = core.TaskIdle
	TaskActive   TaskState = core.TaskActive
	TaskFinished TaskState = core.TaskFinished
	TaskAborted  TaskState = core.TaskAborted
)

// Constructors and options
var (
	NewEngine           = core.NewEngine
	NewEngineWithConfig = core.NewEngineWithConfig
	DefaultEngineConfig = core.DefaultEngineConfig
	NewTask             = core.NewTask
	NewGate             = core.NewGate
	NewTimer            = core.NewTimer
	NewTimerQueue       = core.NewTimerQueue
	NewTimerService     = core.NewTimerService
	AuxiliaryEngine     = core.AuxiliaryEngine

	WithGate            = core.WithGate
	WithTaskLogger      = core.WithTaskLogger
	WithPanicHandler    = core.WithPanicHandler
	WithOnDestroy       = core.WithOnDestroy
	NewDefaultLogger    = core.NewDefaultLogger
	NewNoOpLogger       = core.NewNoOpLogger
	IsContractViolation = core.IsContractViolation
)
