// Package schema holds the static catalog of models, scalar fields,
// relations and unique constraints that every planner and resolver consults.
// A Schema is built once at process start and is read-only afterwards.
package schema

import (
	"fmt"
	"sort"
)

// Cardinality is the shape of a relation between two models.
type Cardinality uint8

const (
	// OneToOne relates at most one row on each side.
	OneToOne Cardinality = iota

	// OneToMany relates one row on the source side to any number of rows
	// on the target side. The foreign key always lives on the "many" side.
	OneToMany

	// ManyToMany relates any number of rows on both sides through a join
	// table.
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToMany:
		return "many-to-many"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// JoinTable describes the mediating table of a many-to-many relation.
type JoinTable struct {
	// Table is the storage table holding the link rows.
	Table string

	// SourceColumn holds the identity of the row on the relation's source
	// side, TargetColumn the identity of the row on the target side.
	SourceColumn string
	TargetColumn string
}

// Relation is a relation field declared on a model. It is always described
// from the perspective of the model declaring it: List and Owning refer to
// this side.
type Relation struct {
	// Name is the relation field name on the source model.
	Name string

	// Target is the name of the related model.
	Target string

	// Kind is the overall shape of the relation.
	Kind Cardinality

	// List reports whether traversing this field from the source yields a
	// list of rows rather than at most one.
	List bool

	// Owning reports whether the source model's row stores the foreign key.
	// It is always false for list fields and for many-to-many relations.
	Owning bool

	// FKField is the foreign key column: on the source model when Owning,
	// otherwise on the target model. Unused for many-to-many.
	FKField string

	// RefField is the unique field referenced by the foreign key, on the
	// opposite end of FKField. Unused for many-to-many.
	RefField string

	// Optional reports whether the relation is nullable on the side that
	// stores the foreign key. A required relation can never be detached.
	Optional bool

	// Join is set for many-to-many relations only.
	Join *JoinTable
}

// Field is a scalar field on a model.
type Field struct {
	Name     string
	Optional bool
}

// Model is a named collection of scalar fields and relation fields.
type Model struct {
	// Name doubles as the storage table name.
	Name string

	// Fields are the scalar fields, in declaration order.
	Fields []Field

	// PrimaryKey names the field(s) forming the primary key.
	PrimaryKey []string

	// Uniques are additional declared unique constraints.
	Uniques [][]string

	// Relations are the relation fields declared on this model.
	Relations []Relation

	fieldsByName    map[string]*Field
	relationsByName map[string]*Relation
}

// Field returns the named scalar field, or nil.
func (m *Model) Field(name string) *Field {
	return m.fieldsByName[name]
}

// Relation returns the named relation field, or nil.
func (m *Model) Relation(name string) *Relation {
	return m.relationsByName[name]
}

// UniqueConstraints returns every field set addressing exactly one row of
// this model: the primary key plus all declared unique constraints.
func (m *Model) UniqueConstraints() [][]string {
	constraints := make([][]string, 0, len(m.Uniques)+1)
	constraints = append(constraints, m.PrimaryKey)
	constraints = append(constraints, m.Uniques...)
	return constraints
}

// Schema is the full model catalog. It is immutable once constructed.
type Schema struct {
	models map[string]*Model
}

// New builds and validates a schema from the given models. Relation targets,
// foreign key fields and referenced fields must all resolve, and referenced
// fields must be unique on their model.
func New(models ...*Model) (*Schema, error) {
	s := &Schema{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if _, ok := s.models[m.Name]; ok {
			return nil, NewInvalidSchemaError(fmt.Sprintf("duplicate model %q", m.Name))
		}
		m.fieldsByName = make(map[string]*Field, len(m.Fields))
		for i := range m.Fields {
			m.fieldsByName[m.Fields[i].Name] = &m.Fields[i]
		}
		m.relationsByName = make(map[string]*Relation, len(m.Relations))
		for i := range m.Relations {
			m.relationsByName[m.Relations[i].Name] = &m.Relations[i]
		}
		if len(m.PrimaryKey) == 0 {
			return nil, NewInvalidSchemaError(fmt.Sprintf("model %q has no primary key", m.Name))
		}
		s.models[m.Name] = m
	}

	for _, m := range models {
		for i := range m.Relations {
			if err := s.checkRelation(m, &m.Relations[i]); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Schema) checkRelation(m *Model, rel *Relation) error {
	target, ok := s.models[rel.Target]
	if !ok {
		return NewInvalidSchemaError(fmt.Sprintf("relation %s.%s targets unknown model %q", m.Name, rel.Name, rel.Target))
	}

	switch rel.Kind {
	case ManyToMany:
		if rel.Join == nil || rel.Join.Table == "" {
			return NewInvalidSchemaError(fmt.Sprintf("many-to-many relation %s.%s has no join table", m.Name, rel.Name))
		}
		if !rel.List || rel.Owning {
			return NewInvalidSchemaError(fmt.Sprintf("many-to-many relation %s.%s must be a non-owning list", m.Name, rel.Name))
		}
		// Join columns store primary key values, so both sides need a
		// single-field primary key.
		if len(m.PrimaryKey) != 1 || len(target.PrimaryKey) != 1 {
			return NewInvalidSchemaError(fmt.Sprintf("many-to-many relation %s.%s requires single-field primary keys on both sides", m.Name, rel.Name))
		}
		return nil

	case OneToMany:
		if rel.List && rel.Owning {
			return NewInvalidSchemaError(fmt.Sprintf("one-to-many relation %s.%s cannot own the foreign key from its list side", m.Name, rel.Name))
		}

	case OneToOne:
		if rel.List {
			return NewInvalidSchemaError(fmt.Sprintf("one-to-one relation %s.%s cannot be a list", m.Name, rel.Name))
		}
	}

	// FK lives on the source when owning, on the target otherwise.
	fkModel, refModel := target, m
	if rel.Owning {
		fkModel, refModel = m, target
	}
	if fkModel.Field(rel.FKField) == nil {
		return NewInvalidSchemaError(fmt.Sprintf("relation %s.%s: foreign key field %q not declared on model %q", m.Name, rel.Name, rel.FKField, fkModel.Name))
	}
	if refModel.Field(rel.RefField) == nil {
		return NewInvalidSchemaError(fmt.Sprintf("relation %s.%s: referenced field %q not declared on model %q", m.Name, rel.Name, rel.RefField, refModel.Name))
	}
	if !fieldSetIsUnique(refModel, []string{rel.RefField}) {
		return NewInvalidSchemaError(fmt.Sprintf("relation %s.%s: referenced field %q is not unique on model %q", m.Name, rel.Name, rel.RefField, refModel.Name))
	}
	return nil
}

// Model returns the named model.
func (s *Schema) Model(name string) (*Model, error) {
	m, ok := s.models[name]
	if !ok {
		return nil, NewModelNotFoundError(name)
	}
	return m, nil
}

// Relation returns the named relation field of the named model.
func (s *Schema) Relation(model, field string) (*Relation, error) {
	m, err := s.Model(model)
	if err != nil {
		return nil, err
	}
	rel := m.Relation(field)
	if rel == nil {
		return nil, NewRelationNotFoundError(model, field)
	}
	return rel, nil
}

// Models returns all model names, sorted.
func (s *Schema) Models() []string {
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JoinTables returns every join table declared by any relation, deduplicated
// and sorted by table name.
func (s *Schema) JoinTables() []*JoinTable {
	seen := make(map[string]*JoinTable)
	for _, m := range s.models {
		for i := range m.Relations {
			if jt := m.Relations[i].Join; jt != nil {
				seen[jt.Table] = jt
			}
		}
	}
	tables := make([]*JoinTable, 0, len(seen))
	for _, jt := range seen {
		tables = append(tables, jt)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Table < tables[j].Table })
	return tables
}

func fieldSetIsUnique(m *Model, fields []string) bool {
	for _, constraint := range m.UniqueConstraints() {
		if sameFieldSet(constraint, fields) {
			return true
		}
	}
	return false
}

func sameFieldSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, fa := range a {
		found := false
		for _, fb := range b {
			if fa == fb {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
