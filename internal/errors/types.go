// Package errors defines the error taxonomy used across kitdev: structured
// KitError values for startup and configuration failures, the not-found
// signal shared by the module loader and the bundler probe, and LoadError for
// every other module load failure.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// NotFoundMarker is the suffix carried by every not-found message. Bundlers
// that only report failures as text are matched on it.
const NotFoundMarker = "NOT_FOUND"

// ErrNotFound is the not-found signal. Module loads and bundler probes wrap
// it; callers test with IsNotFound.
var ErrNotFound = errors.New(NotFoundMarker)

// IsNotFound reports whether err is the not-found signal, either wrapped or
// carried textually as a message suffix.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return strings.HasSuffix(err.Error(), NotFoundMarker)
}

// NotFound wraps ErrNotFound with the thing that was missing. The message
// always ends in NotFoundMarker.
func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

// LoadError is a module load failure other than not-found. Its message is
// the diagnostic text reported by the compilation service, unchanged, so it
// can be written straight into a response body.
type LoadError struct {
	Path    string
	Status  int
	Message string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return e.Message
}

// KitError is a structured error type with context.
type KitError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	Recoverable bool
}

// Error implements the error interface.
func (e *KitError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *KitError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison on type and code.
func (e *KitError) Is(target error) bool {
	var t *KitError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *KitError) WithContext(key string, value interface{}) *KitError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithComponent adds component context.
func (e *KitError) WithComponent(component string) *KitError {
	e.Component = component

	return e
}

// Common error codes.
const (
	ErrCodeInvalidPath     = "ERR_INVALID_PATH"
	ErrCodePathTraversal   = "ERR_PATH_TRAVERSAL"
	ErrCodeConfigInvalid   = "ERR_CONFIG_INVALID"
	ErrCodeWatchInit       = "ERR_WATCH_INIT"
	ErrCodeBundlerStart    = "ERR_BUNDLER_START"
	ErrCodeListen          = "ERR_LISTEN"
	ErrCodeManifestBuild   = "ERR_MANIFEST_BUILD"
	ErrCodeRouteConflict   = "ERR_ROUTE_CONFLICT"
	ErrCodeGenerate        = "ERR_GENERATE"
	ErrCodeWorkspace       = "ERR_WORKSPACE"
	ErrCodeIllegalState    = "ERR_ILLEGAL_STATE"
	ErrCodeInternalError   = "ERR_INTERNAL"
	ErrCodeTemplateMissing = "ERR_TEMPLATE_MISSING"
)

// Wrap wraps err into a KitError. A nil err yields nil.
func Wrap(err error, errType ErrorType, code, message string) *KitError {
	if err == nil {
		return nil
	}
	return &KitError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeValidation || errType == ErrorTypeBuild,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *KitError {
	return &KitError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewBuildError creates a build error. Build errors never stop the watch
// loop.
func NewBuildError(code, message string, cause error) *KitError {
	return &KitError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *KitError {
	return &KitError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(code, message string, cause error) *KitError {
	return &KitError{
		Type:    ErrorTypeNetwork,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *KitError {
	return &KitError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *KitError {
	return &KitError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var ke *KitError
	if errors.As(err, &ke) {
		return ke.Recoverable
	}

	return false
}

// HasErrorCode reports whether any KitError in the chain has code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		var ke *KitError
		if !errors.As(err, &ke) {
			return false
		}
		if ke.Code == code {
			return true
		}
		err = ke.Cause
	}
	return false
}

// ErrInvalidPath creates a path validation error.
func ErrInvalidPath(path string) *KitError {
	return NewValidationError(ErrCodeInvalidPath, "invalid path: "+path)
}

// ErrPathTraversal creates a path traversal error.
func ErrPathTraversal(path string) *KitError {
	return NewValidationError(ErrCodePathTraversal, "path traversal attempt: "+path)
}

// ErrIllegalTransition reports a lifecycle transition that is not allowed.
func ErrIllegalTransition(from, to string) *KitError {
	return NewInternalError(
		ErrCodeIllegalState,
		fmt.Sprintf("illegal transition %s -> %s", from, to),
		nil,
	)
}
