package award

import (
	"errors"
	"fmt"
)

// InvalidStateError is the guard error for lifecycle operations invoked on
// an entity whose current state does not allow them. Callers get a typed
// error instead of a double-applied side effect.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s while %s", e.Entity, e.ID, e.Op, e.State)
}

// IsInvalidState reports whether err is a lifecycle guard rejection.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}
