// Package fault defines the closed set of error kinds the framework reports
// and the typed error carrying them across package and API boundaries.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind. The set is closed; handlers and API clients
// may switch on it exhaustively.
type Code string

const (
	BootstrapFailed          Code = "BOOTSTRAP_FAILED"
	MetadataConflict         Code = "METADATA_CONFLICT"
	DuplicateService         Code = "DUPLICATE_SERVICE"
	UnknownDependency        Code = "UNKNOWN_DEPENDENCY"
	CyclicPhase2             Code = "CYCLIC_PHASE2"
	MissingIntegrityBase     Code = "MISSING_INTEGRITY_BASE"
	Phase1Failed             Code = "PHASE1_FAILED"
	RequiredServiceMissing   Code = "REQUIRED_SERVICE_MISSING"
	SettingsValidationFailed Code = "SETTINGS_VALIDATION_FAILED"
	FunctionNotFound         Code = "FUNCTION_NOT_FOUND"
	ParameterInvalid         Code = "PARAMETER_INVALID"
	Timeout                  Code = "TIMEOUT"
	HandlerError             Code = "HANDLER_ERROR"
	StorageError             Code = "STORAGE_ERROR"
	AlreadyRunning           Code = "ALREADY_RUNNING"
	CrashRecovery            Code = "CRASH_RECOVERY"
	DirectoryMissing         Code = "DIRECTORY_MISSING"
	PermissionDenied         Code = "PERMISSION_DENIED"
	FileDeleteFailed         Code = "FILE_DELETE_FAILED"
	ShutdownTimeout          Code = "SHUTDOWN_TIMEOUT"
	NotFound                 Code = "NOT_FOUND"
)

// Error is a coded error. Details carries structured context safe to expose
// over the API (field names, identifiers, limits), never secrets.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error with the given code and message wrapping cause.
// A nil cause yields the same result as New.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail attaches a key/value pair to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s; %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code. This lets
// callers match coded errors through wrap chains with errors.Is.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Code == fe.Code
	}
	return false
}

// CodeOf extracts the Code from err, walking the wrap chain. Errors without
// a coded fault report HANDLER_ERROR for context.Canceled-free generic
// failures; callers that need a different default should check HasCode first.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return HandlerError
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsFault reports whether err carries any coded fault.
func IsFault(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}

// HTTPStatus maps an error kind to the HTTP status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case ParameterInvalid, SettingsValidationFailed, FunctionNotFound:
		return http.StatusBadRequest
	case AlreadyRunning:
		return http.StatusConflict
	case RequiredServiceMissing:
		return http.StatusServiceUnavailable
	case DuplicateService, MetadataConflict:
		return http.StatusConflict
	case NotFound, DirectoryMissing:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case Timeout, ShutdownTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
