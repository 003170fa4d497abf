package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("wallet not found")
	ErrAlreadyStarted     = errors.New("coordinator already started")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// SyncError is the only error type returned by the public API. Degraded is
// set when the change was merged in memory but could not be persisted.
type SyncError struct {
	Op       string
	RecordID string
	Degraded bool
	Err      error
}

func (e *SyncError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.RecordID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
