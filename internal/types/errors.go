package types

import "fmt"

// ErrorKind is the machine-readable classification surfaced at the boundary
// alongside an actionable message. Callers branch on kind, never on message
// text.
type ErrorKind string

const (
	KindContentValidation ErrorKind = "content_validation"
	KindDuplicateSource   ErrorKind = "duplicate_source"
	KindStoreCorruption   ErrorKind = "store_corruption"
	KindInference         ErrorKind = "inference"
	KindThermalProtection ErrorKind = "thermal_protection"
	KindResourceLimit     ErrorKind = "resource_limit"
	KindTimeout           ErrorKind = "timeout"
)

// Error is the common error shape for the core pipeline.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so sentinel-style checks work through
// wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// ContentValidationf rejects malformed, empty or oversized content before any
// store mutation.
func ContentValidationf(format string, args ...any) *Error {
	return newError(KindContentValidation, fmt.Sprintf(format, args...), nil)
}

// StoreCorruption signals an inconsistent index. The store refuses queries
// until repair succeeds.
func StoreCorruption(msg string, err error) *Error {
	return newError(KindStoreCorruption, msg+"; re-run startup repair or re-import affected sources", err)
}

// RetrievalFailed wraps a store error raised during chunk retrieval, before
// any generation starts.
func RetrievalFailed(msg string, err error) *Error {
	return newError(KindStoreCorruption, msg+"; check the vector store and retry", err)
}

// InferenceFailed surfaces after bounded retries are exhausted.
func InferenceFailed(msg string, err error) *Error {
	return newError(KindInference, msg+"; retry shortly", err)
}

// ThermalHalt tells the caller generation stopped for hardware protection and
// may be resumed once the temperature recovers.
func ThermalHalt(avgTemp float64) *Error {
	return newError(KindThermalProtection,
		fmt.Sprintf("generation halted at %.1f°C; retry once the device cools down", avgTemp), nil)
}

// ResourceLimit pauses new work without aborting what is in flight.
func ResourceLimit(msg string) *Error {
	return newError(KindResourceLimit, msg+"; reduce batch or context size, or free resources and retry", nil)
}

// QueryTimeout aborts a query that produced no token within its wall-clock
// budget. Not retried internally; the caller must resubmit.
func QueryTimeout(msg string) *Error {
	return newError(KindTimeout, msg+"; resubmit the query", nil)
}

// KindOf extracts the kind from any error in the chain, or "" if the error
// does not carry one.
func KindOf(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
