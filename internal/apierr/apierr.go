// Package apierr defines the error taxonomy surfaced by the HTTP API.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of API-visible failure.
type Kind string

const (
	BadTask           Kind = "bad_task"
	OutOfGeofence     Kind = "out_of_geofence"
	ActionInvalid     Kind = "action_invalid"
	RotationInvalid   Kind = "rotation_invalid"
	SessionTerminated Kind = "session_terminated"
	SessionNotFound   Kind = "session_not_found"
	TaskNotFound      Kind = "task_not_found"
	CacheMissMeta     Kind = "cache_miss_meta"
	CacheMissImage    Kind = "cache_miss_image"
	SourceUnavailable Kind = "preload_source_unavailable"
	RateLimited       Kind = "rate_limited"
	LogWriteFailed    Kind = "log_write_failed"
)

// Error pairs a Kind with a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New creates an Error with a formatted detail message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or empty if err is not an apierr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
