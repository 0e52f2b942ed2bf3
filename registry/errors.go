package registry

import "fmt"

// EntityNotFoundError reports an operation against an entity the host schema
// does not contain, or, when Untracked is set, one that exists but is not
// currently tracked.
type EntityNotFoundError struct {
	Entity    string
	Untracked bool
}

func (e *EntityNotFoundError) Error() string {
	if e.Untracked {
		return fmt.Sprintf("entity %s is not tracked", e.Entity)
	}
	return fmt.Sprintf("entity %s does not exist", e.Entity)
}

// AttributeNotFoundError reports a column reference the entity's schema cannot
// satisfy.
type AttributeNotFoundError struct {
	Entity    string
	Attribute string
}

func (e *AttributeNotFoundError) Error() string {
	return fmt.Sprintf("entity %s has no attribute %s", e.Entity, e.Attribute)
}
