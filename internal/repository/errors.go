package repository

import (
	"errors"
	"strings"
)

// StorageError wraps any failed read or write against the persistence layer.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "storage error")
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WrapStorage tags err with the failing operation; nil stays nil.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}

	return &StorageError{Op: op, Cause: err}
}

// IsStorageError reports whether err originated in the persistence layer.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
