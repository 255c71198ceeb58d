package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the gateway
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrNotImplemented     = errors.New("not implemented")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Signaling
	ErrInvalidSIPMessage  = errors.New("invalid SIP message")
	ErrMissingSDP         = errors.New("missing SDP body")
	ErrInvalidSDP         = errors.New("invalid SDP message")
	ErrUnsupportedCodec   = errors.New("no supported audio codec offered")
	ErrCallerRejected     = errors.New("caller number rejected")
	ErrUnknownDID         = errors.New("unknown dialed number")
	ErrMethodNotSupported = errors.New("method not supported")
	ErrTransactionClosed  = errors.New("transaction already closed")
	ErrRateLimited        = errors.New("request rate limited")

	// Calls and media
	ErrNoAvailablePorts  = fmt.Errorf("no available RTP ports: %w", ErrResourceExhausted)
	ErrCallNotFound      = errors.New("call not found")
	ErrCallAlreadyExists = errors.New("call already exists")
	ErrCallClosed        = errors.New("call closed")
	ErrMediaFailure      = errors.New("media processing failure")

	// Upstream bridges and business logic
	ErrBridgeFailure    = errors.New("upstream bridge failure")
	ErrUnknownFlavor    = errors.New("unknown conversation flavor")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrBackendFailure   = errors.New("backend request failed")
)

// Error represents a structured error with its creation site and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func fieldsOrEmpty(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldsOrEmpty(fields),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	return &Error{
		original: err,
		message:  message,
		fields:   fieldsOrEmpty(fields),
		file:     file,
		line:     line,
		Code:     GetErrorCode(err),
	}
}

// Newf creates a structured error around a sentinel so errors.Is keeps working.
func Newf(sentinel error, format string, args ...interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	return &Error{
		original: sentinel,
		message:  fmt.Sprintf(format, args...),
		fields:   make(map[string]interface{}),
		file:     file,
		line:     line,
	}
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}

	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Message returns the error's own message without the wrapped error text
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" && e.original != nil {
		return e.original.Error()
	}
	return e.message
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether the wrapped error matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if fields := e.GetFields(); len(fields) > 0 {
		result["context"] = fields
	}
	return result
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidInput,
		message:  message,
		fields:   fieldsOrEmpty(fields),
		file:     file,
		line:     line,
		Code:     "INVALID_INPUT",
	}
}

// NewInvalidSDP creates a new ErrInvalidSDP with additional context
func NewInvalidSDP(details string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidSDP,
		message:  fmt.Sprintf("invalid SDP: %s", details),
		fields:   fieldsOrEmpty(fields),
		file:     file,
		line:     line,
		Code:     "INVALID_SDP",
	}
}

// NewCallNotFound creates a new ErrCallNotFound for the dialog key
func NewCallNotFound(key string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrCallNotFound,
		message:  fmt.Sprintf("call not found: %s", key),
		fields:   map[string]interface{}{"call_id": key},
		file:     file,
		line:     line,
		Code:     "CALL_NOT_FOUND",
	}
}

// NewInvalidArguments creates a new ErrInvalidArguments error for a tool call
func NewInvalidArguments(tool, details string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidArguments,
		message:  details,
		fields:   map[string]interface{}{"tool": tool},
		file:     file,
		line:     line,
		Code:     "INVALID_ARGUMENTS",
	}
}

// Is is a shorthand for errors.Is so callers need a single errors import
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a shorthand for errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}
