package resolver

import "fmt"

// NotImplementedError reports an invoked capability the bound resolver does
// not provide.
type NotImplementedError struct {
	Driver     string
	Capability string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("resolver %s does not implement %s", e.Driver, e.Capability)
}

// UnboundEntityError reports a dispatch against an entity path with no
// resolver mapping and no default fallback configured. Configuration bug;
// fatal and immediate.
type UnboundEntityError struct {
	EntityPath string
}

func (e *UnboundEntityError) Error() string {
	return fmt.Sprintf("no resolver bound for entity %s", e.EntityPath)
}

// NotFoundError reports a bind against an unregistered resolver name.
// Raised fail-fast at bind time.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resolver %s is not registered", e.Name)
}

// UnauthorisedError is raised before any dispatch is attempted.
type UnauthorisedError struct {
	Operation string
}

func (e *UnauthorisedError) Error() string {
	return fmt.Sprintf("unauthorised: %s requires an authenticated caller", e.Operation)
}

// ExecutionError wraps whatever the backend raised. The original message is
// propagated verbatim; Unwrap exposes the backend error unchanged.
type ExecutionError struct {
	Driver    string
	Operation string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("resolver %s: %s: %v", e.Driver, e.Operation, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
