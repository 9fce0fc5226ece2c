package schema

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ModelNotFoundError occurs when a model was not found in the schema.
type ModelNotFoundError struct {
	error
	modelName string
}

// NotFoundModelName is the name of the model not found.
func (err ModelNotFoundError) NotFoundModelName() string {
	return err.modelName
}

// MarshalZerologObject implements zerolog object marshalling.
func (err ModelNotFoundError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("model", err.modelName)
}

// NewModelNotFoundError constructs a new model not found error.
func NewModelNotFoundError(modelName string) error {
	return ModelNotFoundError{
		error:     fmt.Errorf("model `%s` not found", modelName),
		modelName: modelName,
	}
}

// RelationNotFoundError occurs when a relation field was not found on a model.
type RelationNotFoundError struct {
	error
	modelName    string
	relationName string
}

// ModelName returns the name of the model on which the relation was not found.
func (err RelationNotFoundError) ModelName() string {
	return err.modelName
}

// NotFoundRelationName returns the name of the relation not found.
func (err RelationNotFoundError) NotFoundRelationName() string {
	return err.relationName
}

// MarshalZerologObject implements zerolog object marshalling.
func (err RelationNotFoundError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("model", err.modelName).Str("relation", err.relationName)
}

// NewRelationNotFoundError constructs a new relation not found error.
func NewRelationNotFoundError(modelName, relationName string) error {
	return RelationNotFoundError{
		error:        fmt.Errorf("relation `%s` not found on model `%s`", relationName, modelName),
		modelName:    modelName,
		relationName: relationName,
	}
}

// NotUniqueSelectorError occurs when a selector's field set does not match
// any declared unique constraint of the model it targets.
type NotUniqueSelectorError struct {
	error
	modelName string
	selector  UniqueSelector
}

// MarshalZerologObject implements zerolog object marshalling.
func (err NotUniqueSelectorError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("model", err.modelName).Str("selector", err.selector.String())
}

// NewNotUniqueSelectorError constructs a new non-unique selector error.
func NewNotUniqueSelectorError(modelName string, selector UniqueSelector) error {
	return NotUniqueSelectorError{
		error:     fmt.Errorf("selector %s does not match a unique constraint of model `%s`", selector, modelName),
		modelName: modelName,
		selector:  selector,
	}
}

// InvalidSchemaError occurs when the model catalog fails validation.
type InvalidSchemaError struct {
	error
}

// NewInvalidSchemaError constructs a new invalid schema error.
func NewInvalidSchemaError(reason string) error {
	return InvalidSchemaError{
		error: fmt.Errorf("invalid schema: %s", reason),
	}
}
