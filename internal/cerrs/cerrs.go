// Package cerrs defines the engine-wide error taxonomy. Every component
// wraps failures in one of these sentinel-backed types so callers can
// branch with errors.As/errors.Is instead of string matching.
package cerrs

import "fmt"

// Kind is a closed enum of error categories.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindUnknownSkill      Kind = "unknown_skill"
	KindProviderTransient Kind = "provider_transient"
	KindProviderPermanent Kind = "provider_permanent"
	KindToolExecution     Kind = "tool_execution"
	KindExtraction        Kind = "extraction_error"
	KindValidationFailed  Kind = "validation_failed"
	KindTokenBudget       Kind = "token_budget_exceeded"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindProtocol          Kind = "protocol_error"
)

// Error is the engine's wrapped error type. Op names the component/operation
// that raised it (e.g. "scheduler.runCell"); Kind classifies it for
// propagation-policy decisions; Err is the underlying cause when any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, cerrs.KindX) style checks via a sentinel kind
// wrapped in an *Error with a nil Err, e.g. errors.Is(err, &cerrs.Error{Kind: cerrs.KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a matchable sentinel for use with errors.Is, e.g.
// errors.Is(err, cerrs.Sentinel(cerrs.KindTimeout)).
func Sentinel(kind Kind) error { return &Error{Kind: kind} }
