package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAnalysis is returned when logging a response that carries no analysis outcome
	ErrNoAnalysis = errors.New("response has no analysis to log")
	// ErrConfirmRequired is returned by ClearHistory without confirmation
	ErrConfirmRequired = errors.New("clearing history requires confirmation")
)

// StorageError wraps every failure of the persistence layer
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
