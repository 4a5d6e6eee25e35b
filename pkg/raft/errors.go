package raft

import "fmt"

// FatalError marks an invariant violation that indicates a bug or
// corrupted storage: attempting to truncate committed log entries, or a
// persistent-state regression. HandleAppendEntries returns it to its
// caller instead of handling it internally, leaving the log untouched;
// the Node itself does not stop and keeps serving later calls.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal raft invariant violation: %s", e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

func fatalf(format string, args ...interface{}) *FatalError {
	return &FatalError{Cause: fmt.Errorf(format, args...)}
}
