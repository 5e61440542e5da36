// Package errs holds the typed failures surfaced by the sync engine.
//
// Callers classify with errors.As (or the Is* helpers); the wrapped cause is
// always reachable through Unwrap.
package errs

import (
	"errors"
	"fmt"
)

// NetworkError reports a fetch that failed or returned a non-success status.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s %s: network error", e.Op, e.URL)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedResponseError reports a payload missing required fields.
type MalformedResponseError struct {
	What string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Err == nil {
		return "malformed " + e.What
	}
	return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// InvalidSlugError reports a lookup or toggle on an unknown legend or layer slug.
type InvalidSlugError struct {
	Kind string
	Slug string
}

func (e *InvalidSlugError) Error() string {
	return fmt.Sprintf("unknown %s slug %q", e.Kind, e.Slug)
}

func Malformed(what string, format string, args ...any) error {
	return &MalformedResponseError{What: what, Err: fmt.Errorf(format, args...)}
}

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsMalformed(err error) bool {
	var target *MalformedResponseError
	return errors.As(err, &target)
}

func IsInvalidSlug(err error) bool {
	var target *InvalidSlugError
	return errors.As(err, &target)
}
