package core

import (
	"errors"
	"fmt"
)

// ContractViolation is the panic value raised when a caller breaks the
// protocol of an engine, timer queue, gate or task (double cancel, duplicate
// add, pop on an empty queue, ...). These are programmer errors: scheduling
// state can no longer be trusted, so they are never returned as errors.
type ContractViolation struct {
	// Op is the operation whose precondition failed, e.g. "TimerQueue.Pop".
	Op string

	// Message describes the violated precondition.
	Message string
}

// Error implements the error interface.
func (e *ContractViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsContractViolation reports whether a recovered panic value is a
// ContractViolation. Recover sites must re-panic those.
func IsContractViolation(v any) bool {
	err, ok := v.(error)
	if !ok {
		return false
	}
	var cv *ContractViolation
	return errors.As(err, &cv)
}

func assertf(cond bool, op string, format string, args ...any) {
	if cond {
		return
	}
	panic(&ContractViolation{Op: op, Message: fmt.Sprintf(format, args...)})
}
