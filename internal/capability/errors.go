package capability

import "fmt"

// UnknownCapabilityError is returned when an invocation targets a name
// that is not in the registry. This is a capability mismatch, not a
// transient failure; the loop reports it to the engine rather than
// retrying.
type UnknownCapabilityError struct {
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("capability %q is not available", e.Name)
}

// InvalidArgumentsError is returned when arguments fail schema
// validation before the handler runs.
type InvalidArgumentsError struct {
	Capability string
	Reason     string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Capability, e.Reason)
}

// ExecutionError wraps a handler failure with the capability name
// attached.
type ExecutionError struct {
	Capability string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
