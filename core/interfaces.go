package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task's step function panics. The task is
// aborted afterwards. ContractViolation panics never reach the handler.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a step panics.
	//
	// Parameters:
	// - ctx: The context the step was run with
	// - engineName: The engine that was running the step
	// - taskName: The name of the task
	// - panicInfo: The panic value recovered from the step
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, engineName string, taskName string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, engineName string, taskName string, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("engine", engineName),
		F("task", taskName),
		F("panic", panicInfo),
		F("stack", string(stackTrace)))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects engine dispatch metrics.
//
// Methods are called from engine goroutines while they dispatch and must be
// non-blocking and fast.
type Metrics interface {
	// RecordStepDuration records how long one Multiplex call took.
	RecordStepDuration(engineName string, duration time.Duration)

	// RecordQueueDepth records the run queue length at the end of a cycle.
	RecordQueueDepth(engineName string, depth int)

	// RecordEviction records that a task left an engine's queue.
	// reason is one of "idle", "moved" or "finished".
	RecordEviction(engineName string, reason string)

	// RecordFlush records how many tasks a Flush killed.
	RecordFlush(engineName string, killed int)

	// RecordCycle records one Mainloop cycle: how many steps it ran and
	// whether it stopped because the duration budget was used up.
	RecordCycle(engineName string, steps int, budgetExhausted bool)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordStepDuration is a no-op.
func (m *NilMetrics) RecordStepDuration(engineName string, duration time.Duration) {}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(engineName string, depth int) {}

// RecordEviction is a no-op.
func (m *NilMetrics) RecordEviction(engineName string, reason string) {}

// RecordFlush is a no-op.
func (m *NilMetrics) RecordFlush(engineName string, killed int) {}

// RecordCycle is a no-op.
func (m *NilMetrics) RecordCycle(engineName string, steps int, budgetExhausted bool) {}

// =============================================================================
// EngineConfig: Configuration for Engine
// =============================================================================

// EngineConfig holds configuration options for an Engine.
// Logger and Metrics are optional; defaults are used when nil.
type EngineConfig struct {
	// Name labels the engine in logs and metrics.
	Name string

	// MaxDuration is the per-cycle budget in milliseconds for starting new
	// steps. Zero or less means no budget.
	MaxDuration float64

	// Logger defaults to NoOpLogger.
	Logger Logger

	// Metrics defaults to NilMetrics.
	Metrics Metrics
}

// DefaultEngineConfig returns a config without budget and default handlers.
func DefaultEngineConfig(name string) EngineConfig {
	return EngineConfig{
		Name:    name,
		Logger:  NewNoOpLogger(),
		Metrics: &NilMetrics{},
	}
}
