package storage

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ConflictError is the distinguishable signal for a uniqueness violation.
// The planner's connectOrCreate path relies on it to retry as a connect; any
// other error aborts the plan outright.
type ConflictError struct {
	error
	table string
}

// Table returns the table on which the conflict occurred.
func (err ConflictError) Table() string { return err.table }

// MarshalZerologObject implements zerolog object marshalling.
func (err ConflictError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("table", err.table)
}

// NewConflictError constructs a new uniqueness conflict error.
func NewConflictError(table string, cause error) error {
	return ConflictError{
		error: fmt.Errorf("uniqueness conflict on table `%s`: %w", table, cause),
		table: table,
	}
}

// IsConflict reports whether the error chain contains a ConflictError.
func IsConflict(err error) bool {
	var conflict ConflictError
	return errors.As(err, &conflict)
}
