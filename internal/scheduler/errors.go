package scheduler

import "errors"

var (
	// Registration errors. Start refuses to run when any of these is present.
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")

	ErrAlreadyStarted = errors.New("loader already started")

	// ErrBlocked wraps the error of a task that never ran because a
	// dependency failed.
	ErrBlocked = errors.New("blocked by failed dependency")

	// ErrAbandoned is returned by Start when the run was forced to finish
	// before every task settled.
	ErrAbandoned = errors.New("bootstrap abandoned")

	// ErrPanic wraps a panic recovered from a task action.
	ErrPanic = errors.New("task action panicked")
)
