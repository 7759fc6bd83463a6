package main

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks configuration problems detected before any scanning starts.
	ErrConfig = errors.New("invalid config")
	// ErrInvalidMappingConfig marks a malformed mapping or a duplicate message binding.
	ErrInvalidMappingConfig = errors.New("invalid mapping config")
	// ErrParse marks schema, column type and proto value failures.
	ErrParse = errors.New("parse error")
	// ErrNoProtoDefault is returned when a field is absent and its column has no usable default.
	ErrNoProtoDefault = errors.New("no proto default")
	// ErrStale is returned by sources when a transaction's read window has expired.
	// It is the only condition the export driver retries.
	ErrStale = errors.New("source transaction too old")
)

// WriteError reports a batch rejected by the sink. It aborts the mapping.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch to %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func mappingErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMappingConfig, fmt.Sprintf(format, args...))
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
