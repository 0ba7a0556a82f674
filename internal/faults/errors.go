package faults

import (
	"errors"
	"fmt"
)

// Error tags an error with the fault kind it should be reported as.
// Collaborators return it when the failing step alone does not identify the
// domain, e.g. an identity store that fails to persist (KindPersistence)
// while registering.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind carried by err, or fallback when err carries none.
func KindOf(err error, fallback Kind) Kind {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind.valid() {
		return fe.Kind
	}
	return fallback
}
