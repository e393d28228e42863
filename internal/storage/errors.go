package storage

import "fmt"

// TransactionAbortError reports that the underlying atomic commit failed.
// The entire workflow was rolled back and is safe to retry from scratch.
type TransactionAbortError struct {
	Op  string
	Err error
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("transaction aborted during %s: %v", e.Op, e.Err)
}

func (e *TransactionAbortError) Unwrap() error { return e.Err }
