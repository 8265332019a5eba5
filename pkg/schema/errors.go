package schema

import "fmt"

// ErrorCode names the reason a schema failed to load.
type ErrorCode string

// Schema error reason codes.
const (
	// ErrUnknownType reports a type reference that resolves to no scalar or
	// module entry.
	ErrUnknownType ErrorCode = "unknown_type"
	// ErrDuplicateName reports a duplicate entry or attribute name within
	// one schema.
	ErrDuplicateName ErrorCode = "duplicate_name"
	// ErrInvalidProperty reports an unrecognised attribute modifier.
	ErrInvalidProperty ErrorCode = "invalid_property"
	// ErrContainmentCycle reports a Contains declaration that would make an
	// entity its own ancestor.
	ErrContainmentCycle ErrorCode = "containment_cycle"
	// ErrUnknownModule reports a lookup against an unregistered module.
	ErrUnknownModule ErrorCode = "unknown_module"
	// ErrUnknownEntry reports a lookup against an undeclared entry.
	ErrUnknownEntry ErrorCode = "unknown_entry"
	// ErrMultipleIDs reports more than one attribute marked id on one entry.
	ErrMultipleIDs ErrorCode = "multiple_ids"
)

// Error is fatal at module load time.
type Error struct {
	Code   ErrorCode
	Module string
	Entry  string
	Detail string
}

func (e *Error) Error() string {
	scope := e.Module
	if e.Entry != "" {
		scope = e.Module + "/" + e.Entry
	}
	if scope == "" {
		return fmt.Sprintf("schema: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("schema: %s: %s: %s", scope, e.Code, e.Detail)
}

// IsCode reports whether err is a schema *Error carrying code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := err.(*Error)
	return ok && se.Code == code
}
