// Package errx attaches context to package-level sentinel errors while
// keeping them matchable with errors.Is.
package errx

import (
	"fmt"
)

type sentinelError struct {
	msg  string
	errs []error
}

func (e *sentinelError) Error() string {
	return e.msg
}

func (e *sentinelError) Unwrap() []error {
	return e.errs
}

// Wrap returns an error that reads "sentinel: cause" and matches both.
// A nil cause returns the sentinel unchanged.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &sentinelError{
		msg:  sentinel.Error() + ": " + cause.Error(),
		errs: []error{sentinel, cause},
	}
}

// With appends a formatted suffix to the sentinel message. The format is
// appended verbatim, so callers include their own separator (": ", " ").
// Any %w verbs in format remain matchable through errors.Is/As.
func With(sentinel error, format string, args ...any) error {
	detail := fmt.Errorf(format, args...)
	errs := []error{sentinel}
	switch u := detail.(type) {
	case interface{ Unwrap() error }:
		if inner := u.Unwrap(); inner != nil {
			errs = append(errs, inner)
		}
	case interface{ Unwrap() []error }:
		errs = append(errs, u.Unwrap()...)
	}
	return &sentinelError{
		msg:  sentinel.Error() + detail.Error(),
		errs: errs,
	}
}
