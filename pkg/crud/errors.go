package crud

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relquery/relquery/pkg/schema"
)

// UniqueTargetNotFoundError occurs when a connect, update, delete or
// disconnect selector matches no row.
type UniqueTargetNotFoundError struct {
	error
	path      Path
	modelName string
	selector  schema.UniqueSelector
}

// Path returns the directive-tree path that produced the error.
func (err UniqueTargetNotFoundError) Path() Path { return err.path }

// ModelName returns the model on which the target was not found.
func (err UniqueTargetNotFoundError) ModelName() string { return err.modelName }

// MarshalZerologObject implements zerolog object marshalling.
func (err UniqueTargetNotFoundError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("path", err.path.String()).Str("model", err.modelName)
}

// NewUniqueTargetNotFoundError constructs a new unique target not found error.
func NewUniqueTargetNotFoundError(path Path, modelName string, selector schema.UniqueSelector) error {
	return UniqueTargetNotFoundError{
		error:     fmt.Errorf("no row of model `%s` matches selector %s at `%s`", modelName, selector, path),
		path:      path,
		modelName: modelName,
		selector:  selector,
	}
}

// CardinalityViolationError occurs on an attempt to remove or replace a
// required single-sided relation, or to link more than one row into a
// one-to-one relation.
type CardinalityViolationError struct {
	error
	path   Path
	reason string
}

// Path returns the directive-tree path that produced the error.
func (err CardinalityViolationError) Path() Path { return err.path }

// MarshalZerologObject implements zerolog object marshalling.
func (err CardinalityViolationError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("path", err.path.String())
}

// NewCardinalityViolationError constructs a new cardinality violation error.
func NewCardinalityViolationError(path Path, reason string) error {
	return CardinalityViolationError{
		error:  fmt.Errorf("cardinality violation at `%s`: %s", path, reason),
		path:   path,
		reason: reason,
	}
}

// ChainCardinalityError occurs when a fluent chain continues past a
// many-cardinality step, or applies a filter to a single-cardinality step.
// It is raised at plan time, before any query is issued.
type ChainCardinalityError struct {
	error
	relationName string
}

// RelationName returns the relation step that made the chain invalid.
func (err ChainCardinalityError) RelationName() string { return err.relationName }

// MarshalZerologObject implements zerolog object marshalling.
func (err ChainCardinalityError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("relation", err.relationName)
}

// NewChainCardinalityError constructs a new chain cardinality error.
func NewChainCardinalityError(relationName, reason string) error {
	return ChainCardinalityError{
		error:        fmt.Errorf("invalid chain at relation `%s`: %s", relationName, reason),
		relationName: relationName,
	}
}

// ConstraintCycleError occurs when logical rows form a mutually required
// foreign-key dependency with no optional side to break the cycle.
type ConstraintCycleError struct {
	error
	modelNames []string
}

// ModelNames returns the models participating in the cycle.
func (err ConstraintCycleError) ModelNames() []string { return err.modelNames }

// MarshalZerologObject implements zerolog object marshalling.
func (err ConstraintCycleError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("models", strings.Join(err.modelNames, ","))
}

// NewConstraintCycleError constructs a new constraint cycle error.
func NewConstraintCycleError(modelNames []string) error {
	return ConstraintCycleError{
		error:      fmt.Errorf("required foreign keys of models [%s] form a cycle with no optional side", strings.Join(modelNames, ", ")),
		modelNames: modelNames,
	}
}

// TransactionAbortedError wraps the first failing primitive operation's
// cause; the entire plan has been rolled back.
type TransactionAbortedError struct {
	error
	path  Path
	cause error
}

// Path returns the directive-tree path of the failing operation.
func (err TransactionAbortedError) Path() Path { return err.path }

// Unwrap returns the failing operation's cause.
func (err TransactionAbortedError) Unwrap() error { return err.cause }

// MarshalZerologObject implements zerolog object marshalling.
func (err TransactionAbortedError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.cause).Str("path", err.path.String())
}

// NewTransactionAbortedError constructs a new transaction aborted error.
func NewTransactionAbortedError(path Path, cause error) error {
	return TransactionAbortedError{
		error: fmt.Errorf("transaction aborted at `%s`: %w", path, cause),
		path:  path,
		cause: cause,
	}
}

// InvalidDirectiveError occurs when a write directive or read spec is
// malformed or illegal for its position; it is always raised at
// plan-construction time.
type InvalidDirectiveError struct {
	error
	path Path
}

// Path returns the directive-tree path of the invalid directive.
func (err InvalidDirectiveError) Path() Path { return err.path }

// MarshalZerologObject implements zerolog object marshalling.
func (err InvalidDirectiveError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("path", err.path.String())
}

// NewInvalidDirectiveError constructs a new invalid directive error.
func NewInvalidDirectiveError(path Path, reason string) error {
	return InvalidDirectiveError{
		error: fmt.Errorf("invalid directive at `%s`: %s", path, reason),
		path:  path,
	}
}
