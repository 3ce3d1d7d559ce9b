package store

import (
	"errors"
	"fmt"

	"github.com/rcliao/memory-api/internal/model"
)

var (
	// ErrValidation matches every rejected input.
	ErrValidation = model.ErrValidation

	// ErrNotFound indicates no record matched.
	ErrNotFound = errors.New("memory not found")

	// ErrEmptyStore indicates the store holds no records at all.
	ErrEmptyStore = errors.New("memory store is empty")

	// ErrStorage matches every StorageError.
	ErrStorage = errors.New("storage failure")

	// ErrRestore matches every RestoreError.
	ErrRestore = errors.New("restore failed")

	// ErrSchemaOutdated indicates pending migrations.
	ErrSchemaOutdated = errors.New("schema is not up to date, run migrate")
)

// ValidationError describes malformed caller input.
type ValidationError = model.ValidationError

// StorageError wraps an engine failure with the operation that hit it.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// RestoreError reports the record that made a restore roll back. Index is -1
// when the failure was not tied to a record.
type RestoreError struct {
	Index int
	Key   string
	Err   error
}

func (e *RestoreError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("restore: %v", e.Err)
	}
	return fmt.Sprintf("restore record %d (%q): %v", e.Index, e.Key, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

func (e *RestoreError) Is(target error) bool { return target == ErrRestore }

func errDuplicateKey(key string) error {
	return &ValidationError{Field: "key", Reason: fmt.Sprintf("%q already exists", key)}
}
