package schema

import (
	"sort"
	"strings"
)

// UniqueSelector addresses exactly one row of a model by the values of a
// declared unique constraint (primary key or unique field set).
type UniqueSelector map[string]any

// Fields returns the selector's field names, sorted.
func (u UniqueSelector) Fields() []string {
	fields := make([]string, 0, len(u))
	for f := range u {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (u UniqueSelector) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range u.Fields() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(f)
	}
	sb.WriteByte('}')
	return sb.String()
}

// IsUniqueSelector reports whether the selector's field set matches a
// declared unique constraint of the model. Requests addressing a specific
// row through a non-unique field set must be rejected before any storage
// call.
func (s *Schema) IsUniqueSelector(model string, selector UniqueSelector) bool {
	m, err := s.Model(model)
	if err != nil {
		return false
	}
	return fieldSetIsUnique(m, selector.Fields())
}

// CheckUniqueSelector returns a NotUniqueSelectorError unless the selector
// resolves to a declared unique constraint of the model.
func (s *Schema) CheckUniqueSelector(model string, selector UniqueSelector) error {
	if len(selector) == 0 {
		return NewNotUniqueSelectorError(model, selector)
	}
	if !s.IsUniqueSelector(model, selector) {
		return NewNotUniqueSelectorError(model, selector)
	}
	return nil
}
