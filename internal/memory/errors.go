package memory

import "fmt"

// StorageError indicates the underlying database failed or is
// unavailable. It is fatal to the current turn: callers must surface
// it, never swallow it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps a driver error with the failing operation name.
// Returns nil when err is nil so call sites can wrap unconditionally.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// NotFoundError indicates a referenced record does not exist. It is
// local to the failing operation and does not abort a turn.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
