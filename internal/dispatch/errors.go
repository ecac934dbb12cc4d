package dispatch

import "errors"

// Common errors
var (
	// ErrDuplicateRunID is returned when a run id is already live in the
	// dispatcher. Re-enqueueing an active command is never valid.
	ErrDuplicateRunID = errors.New("run id already exists in dispatcher")
	// ErrUnknownRunID is returned for run ids that are neither live nor in
	// the terminal result cache.
	ErrUnknownRunID = errors.New("unknown run id")
	// ErrDispatcherClosed is returned when enqueueing after Stop or before Start.
	ErrDispatcherClosed = errors.New("dispatcher is not running")
	// ErrAlreadyRunning is returned by Start when the dispatcher is active.
	ErrAlreadyRunning = errors.New("dispatcher is already running")
	// ErrOperationNotRegistered is returned when resolving an operation name
	// with no registered handler factory.
	ErrOperationNotRegistered = errors.New("operation not registered")
)
