// Package errs defines the transport-independent error kinds of spec §7.
package errs

import "fmt"

// Kind is one of the eight error kinds spec.md §7 enumerates.
type Kind int

const (
	Validation Kind = iota
	Authorization
	NotFound
	UpstreamTransient
	UpstreamFatal
	BudgetExceeded
	PolicyDenied
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case UpstreamTransient:
		return "upstream_transient"
	case UpstreamFatal:
		return "upstream_fatal"
	case BudgetExceeded:
		return "budget_exceeded"
	case PolicyDenied:
		return "policy_denied"
	default:
		return "internal"
	}
}

// Error is the typed error carried across component boundaries. Never
// retried except where a caller explicitly checks Kind == UpstreamTransient
// on an attach path (§4.8 failure model).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
