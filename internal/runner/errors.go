package runner

import "fmt"

// InitializationError means the actor session could not be established.
// It is fatal: without an authenticated session every item attempt is
// meaningless, so the whole run aborts and the session closes as error.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("session initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ItemExecutionError means a single item exhausted its retry budget. It is
// recovered locally: the item is recorded as failed and the run continues.
type ItemExecutionError struct {
	Reference string
	Attempts  int
	Err       error
}

func (e *ItemExecutionError) Error() string {
	return fmt.Sprintf("item %s failed after %d attempts: %v", e.Reference, e.Attempts, e.Err)
}

func (e *ItemExecutionError) Unwrap() error { return e.Err }

// PersistenceError means a checkpoint write failed. Mid-run it is logged
// and retried once but does not halt the loop; the next successful write
// reconciles the durable state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint write failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ControlConflictError means a control command conflicts with the current
// run state (e.g. pause while idle, start while another session is active).
// It is returned synchronously to the caller with no state change.
type ControlConflictError struct {
	Command string
	Reason  string
}

func (e *ControlConflictError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Command, e.Reason)
}

func conflict(command, reason string) *ControlConflictError {
	return &ControlConflictError{Command: command, Reason: reason}
}
