// Package errors provides the error taxonomy shared by the ROS topic bridge: sentinel
// errors for each failure kind, a transient/invalid/fatal classification, and helpers
// that wrap errors with component and operation context.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Key expressions and liveliness tokens
	ErrMalformedKey     = errors.New("malformed key expression")
	ErrMalformedToken   = errors.New("malformed liveliness token")
	ErrChildrenDeclared = errors.New("node token retracted while entity tokens are declared")

	// CDR framing and decoding
	ErrTruncatedBuffer      = errors.New("truncated buffer")
	ErrUnsupportedAlignment = errors.New("unsupported alignment")
	ErrUnsupportedEncoding  = errors.New("unsupported encapsulation")
	ErrUnknownType          = errors.New("unknown message type")

	// Bus session and subscriptions
	ErrSessionOpen          = errors.New("session open failed")
	ErrSessionClosed        = errors.New("session closed")
	ErrSubscriptionCreation = errors.New("subscription creation failed")
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrConnectionLost       = errors.New("connection lost")
	ErrCircuitOpen          = errors.New("circuit breaker open")

	// Historical replay
	ErrHistoryUnavailable = errors.New("history unavailable")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// DecodeError reports a payload that could not be decoded into a typed message.
// Field is the dotted path of the field being read, e.g. "transforms[2].child_frame_id".
type DecodeError struct {
	Type   string
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface
func (de *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode")
	if de.Type != "" {
		b.WriteString(" ")
		b.WriteString(de.Type)
	}
	if de.Field != "" {
		b.WriteString(" field ")
		b.WriteString(de.Field)
	}
	if de.Reason != "" {
		b.WriteString(": ")
		b.WriteString(de.Reason)
	}
	if de.Err != nil {
		b.WriteString(": ")
		b.WriteString(de.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (de *DecodeError) Unwrap() error {
	return de.Err
}

// NewDecodeError creates a DecodeError for the given field.
func NewDecodeError(typeName, field, reason string, err error) *DecodeError {
	return &DecodeError{Type: typeName, Field: field, Reason: reason, Err: err}
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrHistoryUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrUnsupportedAlignment) ||
		errors.Is(err, ErrSessionOpen) ||
		errors.Is(err, ErrSubscriptionCreation) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return !errors.Is(err, ErrUnsupportedAlignment)
	}

	return errors.Is(err, ErrMalformedKey) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrTruncatedBuffer) ||
		errors.Is(err, ErrUnsupportedEncoding) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrChildrenDeclared)
}

// Classify returns the error class for an error.
// Fatal takes precedence so that an alignment failure inside a decode error is not
// mistaken for bad input.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
