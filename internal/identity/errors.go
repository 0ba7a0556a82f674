package identity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/palpalette/device/internal/faults"
)

// ErrorType represents the category of a registration failure
type ErrorType int

const (
	// ErrTypeNetwork indicates a network-level error
	ErrTypeNetwork ErrorType = iota
	// ErrTypeTimeout indicates a request timeout
	ErrTypeTimeout
	// ErrTypeConnectionRefused indicates the backend refused the connection
	ErrTypeConnectionRefused
	// ErrTypeDNS indicates a DNS resolution failure
	ErrTypeDNS
	// ErrTypeHTTP indicates a non-2xx response
	ErrTypeHTTP
	// ErrTypeParse indicates a malformed response body
	ErrTypeParse
	// ErrTypePersistence indicates the identity file could not be written
	ErrTypePersistence
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeNetwork:
		return "Network Error"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeConnectionRefused:
		return "Connection Refused"
	case ErrTypeDNS:
		return "DNS Error"
	case ErrTypeHTTP:
		return "HTTP Error"
	case ErrTypeParse:
		return "Parse Error"
	case ErrTypePersistence:
		return "Persistence Error"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// RegistrationError describes a failed registration or identity update.
type RegistrationError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Err        error
	Retryable  bool
}

// Error implements the error interface
func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// FaultKind maps the error onto the fault taxonomy.
func (e *RegistrationError) FaultKind() faults.Kind {
	if e.Type == ErrTypePersistence {
		return faults.KindPersistence
	}
	return faults.KindRegistration
}

// ClassifyNetworkError analyzes a transport error and returns a typed error
func ClassifyNetworkError(message string, err error) *RegistrationError {
	if err == nil {
		return nil
	}

	if os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &RegistrationError{Type: ErrTypeTimeout, Message: message, Err: err, Retryable: true}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &RegistrationError{
			Type:      ErrTypeDNS,
			Message:   fmt.Sprintf("%s: cannot resolve %s", message, dnsErr.Name),
			Err:       err,
			Retryable: dnsErr.IsTemporary || dnsErr.IsNotFound,
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return &RegistrationError{Type: ErrTypeConnectionRefused, Message: message, Err: err, Retryable: true}
	}

	return &RegistrationError{Type: ErrTypeNetwork, Message: message, Err: err, Retryable: true}
}

// NewHTTPError creates an error for a non-2xx response
func NewHTTPError(statusCode int, body string) *RegistrationError {
	msg := fmt.Sprintf("registration failed with status %d", statusCode)
	if body != "" {
		msg += ": " + body
	}
	return &RegistrationError{
		Type:       ErrTypeHTTP,
		Message:    msg,
		StatusCode: statusCode,
		Retryable:  statusCode >= http.StatusInternalServerError || statusCode == http.StatusTooManyRequests,
	}
}

// NewParseError creates an error for an unreadable response
func NewParseError(message string, err error) *RegistrationError {
	return &RegistrationError{Type: ErrTypeParse, Message: message, Err: err, Retryable: false}
}

// NewPersistenceError creates an error for a failed identity file write
func NewPersistenceError(err error) *RegistrationError {
	return &RegistrationError{Type: ErrTypePersistence, Message: "failed to save identity", Err: err, Retryable: true}
}

// tag wraps err so the orchestrator reports it under the right kind.
func tag(op string, err *RegistrationError) error {
	if err == nil {
		return nil
	}
	return faults.Wrap(err.FaultKind(), op, err)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var regErr *RegistrationError
	if errors.As(err, &regErr) {
		return regErr.Retryable
	}
	return false
}

// IsHTTPError checks if an error is an HTTP error
func IsHTTPError(err error) bool {
	var regErr *RegistrationError
	return errors.As(err, &regErr) && regErr.Type == ErrTypeHTTP
}
