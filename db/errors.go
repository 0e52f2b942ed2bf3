package db

import "fmt"

// InvalidContextError reports a session context payload that is not a valid
// JSON document.
type InvalidContextError struct {
	Reason string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid session context: %s", e.Reason)
}

// RowNotFoundError reports a keyed mutation whose target row does not exist.
type RowNotFoundError struct {
	Entity string
	Key    string
}

func (e *RowNotFoundError) Error() string {
	return fmt.Sprintf("entity %s has no row with key %s", e.Entity, e.Key)
}
