// Package coreerr defines the error taxonomy shared by every Ingester
// component. Errors are classified by Kind so callers can branch on
// category (retry locally, surface to the HTTP layer, log without
// secrets) without string matching.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories the core reasons about.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindAuth               Kind = "auth"
	KindRegistryUnavailable Kind = "registry_unavailable"
	KindAdminUnavailable   Kind = "admin_unavailable"
	KindCoreUnavailable    Kind = "core_unavailable"
	KindSEUnavailable      Kind = "se_unavailable"
	KindStaleSE            Kind = "stale_se"
	KindCapacityExhausted  Kind = "capacity_exhausted"
	KindIntegrity          Kind = "integrity"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
)

// Error is a typed, wrapped error carrying a Kind plus optional context
// fields used for structured logging (element id, source label).
type Error struct {
	Kind      Kind
	Message   string
	ElementID string // affected SE, when applicable
	Source    string // "registry" | "admin", when applicable
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// use errors.Is(err, coreerr.New(KindX, "")) as a category check.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithElement(err *Error, elementID string) *Error {
	e := *err
	e.ElementID = elementID
	return &e
}

func WithSource(err *Error, source string) *Error {
	e := *err
	e.Source = source
	return &e
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
