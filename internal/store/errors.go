package store

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("storage engine closed")

// StorageError reports that a record could not be made durable after all
// retries. The in-memory merge has still been applied.
type StorageError struct {
	Op       string
	RecordID string
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s failed after %d attempts: %v", e.Op, e.RecordID, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
