package agent

import (
	"fmt"
	"time"
)

// TurnError is the typed failure a channel receives when a turn ends
// in the FAILED state. Channels surface it as an explicit failure
// notice, never as a normal answer.
type TurnError struct {
	State State
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s: %v", e.State, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TimeoutError reports that the whole-turn wall clock ceiling was
// exceeded.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("turn exceeded wall-clock limit of %s", e.Limit)
}
