// ABOUTME: Typed errors for user-state sync and local storage.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package userstate

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrAuthRequired   = errors.New("auth required")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNetworkFailure = errors.New("network failure")
	ErrServerError    = errors.New("server error")
	ErrStorageWrite   = errors.New("storage write rejected")
	ErrNotFound       = errors.New("remote document not found")
	ErrConflict       = errors.New("remote row already exists")
)

// SyncError wraps errors with operation context.
type SyncError struct {
	Op      string // "fetch", "upsert", "push", "pull"
	Err     error  // underlying typed error
	Retries int    // attempts made
	Detail  string // server message if any
}

func (e *SyncError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed after %d attempts: %v (%s)", e.Op, e.Retries, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// StorageWriteError reports a rejected write to the device-local store.
// The in-memory copy still reflects the attempted write.
type StorageWriteError struct {
	Kind  DocumentKind // document that failed to persist
	Size  int          // encoded size in bytes
	Cause error        // underlying driver or capacity error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("persist %s document (%d bytes): %v", e.Kind, e.Size, e.Cause)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Cause
}

func (e *StorageWriteError) Is(target error) bool {
	return target == ErrStorageWrite
}

// statusError carries the HTTP status of a failed data-service call.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (e *statusError) Unwrap() error {
	switch e.Code {
	case 401, 403:
		return ErrUnauthorized
	case 409:
		return ErrConflict
	}
	return ErrServerError
}
