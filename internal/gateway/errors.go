package gateway

import "fmt"

// ValidationError is returned for malformed requests. No audit record is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// DependencyError means a policy store failed and the request was denied
// without a full evaluation.
type DependencyError struct {
	Check string
	Err   error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("policy dependency failed during %s check: %v", e.Check, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
