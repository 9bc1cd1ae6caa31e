package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies failures of the cache layer.
type ErrorCode string

const (
	ErrConfiguration  ErrorCode = "CONFIGURATION"   // artifact root unusable, bad config
	ErrOriginRender   ErrorCode = "ORIGIN_RENDER"   // origin produced something we refuse to persist
	ErrArtifactIO     ErrorCode = "ARTIFACT_IO"     // read/write/delete on the artifact tree failed
	ErrMalformedHTML  ErrorCode = "MALFORMED_HTML"  // a rewrite pass could not process the document
	ErrNotFound       ErrorCode = "NOT_FOUND"       // no artifact at path
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // operator input rejected
	ErrConflict       ErrorCode = "CONFLICT"        // a run is already in progress
)

// Error is a coded error. Err, when set, is the underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewConfiguration creates an error for a setup problem that disables caching.
func NewConfiguration(msg string, err error) *Error {
	return &Error{Code: ErrConfiguration, Message: msg, Err: err}
}

// NewOriginRender creates an error for an origin response that must not be captured.
func NewOriginRender(url, reason string) *Error {
	return &Error{
		Code:    ErrOriginRender,
		Message: fmt.Sprintf("origin render of %s rejected: %s", url, reason),
		Details: map[string]any{"url": url, "reason": reason},
	}
}

// NewArtifactIO wraps a filesystem failure on the artifact tree.
func NewArtifactIO(op, path string, err error) *Error {
	return &Error{
		Code:    ErrArtifactIO,
		Message: fmt.Sprintf("%s %s", op, path),
		Details: map[string]any{"op": op, "path": path},
		Err:     err,
	}
}

// NewMalformedHTML creates an error for a rewrite pass that gave up.
func NewMalformedHTML(pass string, err error) *Error {
	return &Error{
		Code:    ErrMalformedHTML,
		Message: fmt.Sprintf("rewrite pass %s", pass),
		Details: map[string]any{"pass": pass},
		Err:     err,
	}
}

// NewNotFound creates an error for a missing artifact.
func NewNotFound(path string) *Error {
	return &Error{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("artifact not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewInvalidRequest creates an error for rejected operator input.
func NewInvalidRequest(msg string) *Error {
	return &Error{Code: ErrInvalidRequest, Message: msg}
}

func NewConflict(msg string) *Error {
	return &Error{Code: ErrConflict, Message: msg}
}

// Is reports whether err, or anything it wraps, is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
