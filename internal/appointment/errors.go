package appointment

import "fmt"

// Kind classifies a failed search.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindUnknown      Kind = "unknown"
)

// SearchError is the Failure(kind, message) outcome of a search.
type SearchError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *SearchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("appointment: search %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("appointment: search %s: %s", e.Kind, e.Message)
}

func (e *SearchError) Unwrap() error { return e.Err }

// Retryable is always true: every search failure may be resubmitted.
func (e *SearchError) Retryable() bool { return true }
