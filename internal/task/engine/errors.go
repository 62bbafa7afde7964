package engine

import "errors"

var (
	ErrStopped        = errors.New("engine stopped")
	ErrStopping       = errors.New("engine stopping")
	ErrQueueFull      = errors.New("engine queue full")
	ErrAlreadyRunning = errors.New("task already running")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskInactive   = errors.New("task inactive")
	// ErrDependenciesUnsatisfied is returned with the skipped run.
	ErrDependenciesUnsatisfied = errors.New("dependencies not satisfied")
)
