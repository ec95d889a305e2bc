package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")

	// Receive path: the datagram is dropped and nothing reaches the observer.
	ErrMalformedMessage         = errors.New("malformed SIP message")
	ErrMissingMediaPort         = errors.New("no usable audio media line")
	ErrUnresolvableLocalAddress = errors.New("cannot resolve local address from To header")
	ErrCallerNotAllowed         = errors.New("caller not allowed")
	ErrInvalidInvitation        = errors.New("invalid call invitation")
	ErrIgnoredMethod            = errors.New("request method not handled")

	// Answer path: surfaced to the caller of Answer.
	ErrTransportNotReady = errors.New("SIP transport not ready")
	ErrMissingHeader     = errors.New("required header missing")
	ErrNetworkFailure    = errors.New("network failure")
)

// Error represents a structured error with the creation site and additional context
type Error struct {
	original error
	message  string
	fields   map[string]interface{}

	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func newError(original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(2)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, GetErrorCode(err), fields)
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	return e.WithFields(map[string]interface{}{key: value})
}

// WithFields adds multiple fields to the error context.
// The receiver is left untouched.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := *e
	result.fields = make(map[string]interface{}, len(e.fields)+len(fields))
	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}

	return &result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	result := *e
	result.Code = code
	return &result
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
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}

	return result
}

// NewMalformedMessage reports a datagram that is not a parseable SIP message.
func NewMalformedMessage(details string, fields ...map[string]interface{}) *Error {
	return newError(ErrMalformedMessage, fmt.Sprintf("malformed SIP message: %s", details), "MALFORMED_MESSAGE", fields)
}

// NewMissingMediaPort reports an offer without a usable m=audio line.
func NewMissingMediaPort(details string, fields ...map[string]interface{}) *Error {
	return newError(ErrMissingMediaPort, fmt.Sprintf("missing media port: %s", details), "MISSING_MEDIA_PORT", fields)
}

// NewUnresolvableLocalAddress reports a To header that does not carry an IPv4 SIP URI.
func NewUnresolvableLocalAddress(toHeader string, fields ...map[string]interface{}) *Error {
	err := newError(ErrUnresolvableLocalAddress, fmt.Sprintf("unresolvable local address in To header %q", toHeader), "UNRESOLVABLE_LOCAL_ADDRESS", fields)
	err.fields["to"] = toHeader
	return err
}

// NewTransportNotReady reports an answer attempted before the socket is bound.
func NewTransportNotReady(fields ...map[string]interface{}) *Error {
	return newError(ErrTransportNotReady, ErrTransportNotReady.Error(), "TRANSPORT_NOT_READY", fields)
}

// NewMissingHeader reports a required header absent from an inbound request.
func NewMissingHeader(name string, fields ...map[string]interface{}) *Error {
	err := newError(ErrMissingHeader, fmt.Sprintf("required header missing: %s", name), "MISSING_HEADER", fields)
	err.fields["header"] = name
	return err
}

// NewCallerNotAllowed reports an invitation from an address outside the allow list.
func NewCallerNotAllowed(callerAddress string, fields ...map[string]interface{}) *Error {
	err := newError(ErrCallerNotAllowed, fmt.Sprintf("caller not allowed: %s", callerAddress), "CALLER_NOT_ALLOWED", fields)
	err.fields["caller_ip"] = callerAddress
	return err
}

// NewInvalidInvitation reports a call invitation field that failed validation.
func NewInvalidInvitation(details string, fields ...map[string]interface{}) *Error {
	return newError(ErrInvalidInvitation, fmt.Sprintf("invalid call invitation: %s", details), "INVALID_INVITATION", fields)
}

// NewIgnoredMethod reports a request other than INVITE. It is expected traffic, not a fault.
func NewIgnoredMethod(method string, fields ...map[string]interface{}) *Error {
	err := newError(ErrIgnoredMethod, fmt.Sprintf("ignoring %s request", method), "IGNORED_METHOD", fields)
	err.fields["method"] = method
	return err
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

// GetErrorLocation extracts location from an error if it's a structured error
func GetErrorLocation(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Location()
	}
	return ""
}
