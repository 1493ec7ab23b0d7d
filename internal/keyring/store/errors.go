package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyExists   = errors.New("store: already exists")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrNoTx            = errors.New("store: no ambient transaction")

	// ErrIllegalTransition rejects a state or stage write the domain state
	// machine does not allow.
	ErrIllegalTransition = errors.New("store: illegal state transition")

	// ErrStorage is the single kind every driver, begin and commit failure
	// is reported as. Match it with errors.Is.
	ErrStorage = errors.New("store: storage failure")
)

// StorageError carries the operation and the driver cause of a storage
// failure. The cause is kept for logging; callers should only test for
// ErrStorage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Fail wraps err as a StorageError unless it is nil, already a storage
// error, or one of the expected outcomes (not found, duplicate, conflict).
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrIllegalTransition) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
