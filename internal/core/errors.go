package core

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. The reaper's retry logic treats errors uniformly by kind:
// store and fetch failures are transient and retried, timeouts are handled
// like their underlying operation's failure but logged distinctly so
// operators can tell a slow dependency from a failing one.
const (
	ErrKindStore    = "store_error"
	ErrKindFetch    = "fetch_error"
	ErrKindTimeout  = "timeout"
	ErrKindNotFound = "not_found"
	ErrKindInvalid  = "invalid_request"
)

// VNRError is a tagged error with a kind and optional details.
type VNRError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *VNRError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// NewStoreError wraps a record-store failure.
func NewStoreError(op string, err error) *VNRError {
	return &VNRError{
		Kind:    ErrKindStore,
		Message: fmt.Sprintf("record store %s failed: %v", op, err),
		Details: map[string]any{"op": op},
	}
}

// NewFetchError wraps an inventory-service failure.
func NewFetchError(id string, err error) *VNRError {
	return &VNRError{
		Kind:    ErrKindFetch,
		Message: fmt.Sprintf("fetching resource %s failed: %v", id, err),
		Details: map[string]any{"resource_id": id},
	}
}

// NewTimeoutError marks an operation that did not complete within its
// window. The message names the operation and the window so slow
// dependencies are distinguishable from failing ones in logs.
func NewTimeoutError(op string, window time.Duration) *VNRError {
	return &VNRError{
		Kind:    ErrKindTimeout,
		Message: fmt.Sprintf("%s did not complete within %s", op, window),
		Details: map[string]any{"op": op, "window_ms": window.Milliseconds()},
	}
}

// NewNotFoundError reports a missing resource or record.
func NewNotFoundError(resource, id string) *VNRError {
	return &VNRError{
		Kind:    ErrKindNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resource, id),
		Details: map[string]any{"resource_type": resource, "resource_id": id},
	}
}

// NewInvalidRequestError reports a rejected configuration or API request.
func NewInvalidRequestError(msg string, details map[string]any) *VNRError {
	return &VNRError{Kind: ErrKindInvalid, Message: msg, Details: details}
}

// KindOf returns the error kind, or empty for untagged errors.
func KindOf(err error) string {
	var ve *VNRError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// IsTimeout reports whether err is a tagged timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsNotFound reports whether err is a tagged not-found.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}
