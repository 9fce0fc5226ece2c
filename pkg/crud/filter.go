package crud

import "fmt"

// Op is a scalar comparison operator.
type Op uint8

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpContains
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}

// Filter is a predicate over rows of a single model. The concrete node types
// below form the full set; executors must handle every node except
// RelatedVia, which the relation filter translator lowers to SubqueryIn
// before any storage call.
type Filter interface {
	isFilter()
}

// FieldCond compares a scalar field against a value. For OpIn the value must
// be a []any.
type FieldCond struct {
	Field string
	Op    Op
	Value any
}

// And is the conjunction of its members. An empty And matches every row.
type And []Filter

// Or is the disjunction of its members. An empty Or matches no row.
type Or []Filter

// Not negates its inner filter.
type Not struct {
	Inner Filter
}

// RelatedVia matches source rows for which there exists a row related
// through the named relation field satisfying the inner filter. It must be
// lowered by the relation filter translator before reaching an executor.
type RelatedVia struct {
	Relation string
	Where    Filter
}

// SubqueryIn matches rows whose Field value appears in the set produced by
// selecting SelectField from Table restricted by Where. It is the lowered,
// ownership-corrected form of RelatedVia and the building block of semi-join
// predicates.
type SubqueryIn struct {
	Field       string
	Table       string
	SelectField string
	Where       Filter
}

func (FieldCond) isFilter()  {}
func (And) isFilter()        {}
func (Or) isFilter()         {}
func (Not) isFilter()        {}
func (RelatedVia) isFilter() {}
func (SubqueryIn) isFilter() {}

// Eq is shorthand for a field equality condition.
func Eq(field string, value any) Filter {
	return FieldCond{Field: field, Op: OpEq, Value: value}
}

// In is shorthand for a field membership condition.
func In(field string, values []any) Filter {
	return FieldCond{Field: field, Op: OpIn, Value: values}
}

// Order is a single ordering term, passed through to storage unmodified.
type Order struct {
	Field string
	Desc  bool
}
