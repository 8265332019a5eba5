package instance

import "fmt"

// ValidationKind names the class of validation failure.
type ValidationKind string

const (
	// InvalidAttribute reports a supplied key that does not exist in the
	// target schema.
	InvalidAttribute ValidationKind = "invalid_attribute"
	// InvalidValue reports a value failing its declared type predicate.
	InvalidValue ValidationKind = "invalid_value"
)

// ValidationError aborts the current pattern and is surfaced to the caller.
// It identifies the offending key.
type ValidationError struct {
	Kind   ValidationKind
	Entity string
	Key    string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s on %s: %s", e.Kind, e.Key, e.Entity, e.Detail)
	}
	return fmt.Sprintf("%s: %s on %s", e.Kind, e.Key, e.Entity)
}
