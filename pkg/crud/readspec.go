package crud

import (
	"github.com/relquery/relquery/pkg/schema"
)

// ReadSpec declares which related rows to eagerly fetch, keyed by relation
// field name. Depth is bounded exactly by what the caller declares: the
// resolver never follows a relation that is not explicitly named, so
// mutually referencing relations terminate naturally.
type ReadSpec map[string]*Include

// Include is one entry of a ReadSpec. A zero Include means "include fully,
// no further nesting". Where, OrderBy and Limit apply to list relations
// only; Limit bounds each parent's list independently, so every parent
// receives up to Limit related rows in the requested order.
type Include struct {
	Nested  ReadSpec
	Where   Filter
	OrderBy []Order
	Limit   *int
}

// ValidateReadSpec checks every relation name in the tree against the
// schema, catching unknown relations at plan time rather than storage time.
// Filters and ordering on single-valued relations are rejected.
func ValidateReadSpec(s *schema.Schema, model string, spec ReadSpec) error {
	for name, inc := range spec {
		rel, err := s.Relation(model, name)
		if err != nil {
			return err
		}
		if inc == nil {
			continue
		}
		if !rel.List && (inc.Where != nil || len(inc.OrderBy) > 0 || inc.Limit != nil) {
			return NewInvalidDirectiveError(Path{name}, "filter, order and limit apply to list relations only")
		}
		if inc.Nested != nil {
			if err := ValidateReadSpec(s, rel.Target, inc.Nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// Record is one fetched row together with its eagerly loaded relations,
// mirroring the shape of the ReadSpec that produced it. One is populated for
// single-valued includes (nil value when no related row exists), Many for
// list includes in storage return order.
type Record struct {
	Values map[string]any
	One    map[string]*Record
	Many   map[string][]*Record
}

// Get returns the named scalar value.
func (r *Record) Get(field string) any {
	return r.Values[field]
}

// AttachOne records a single-valued include result.
func (r *Record) AttachOne(relation string, child *Record) {
	if r.One == nil {
		r.One = make(map[string]*Record)
	}
	r.One[relation] = child
}

// AttachMany records a list include result.
func (r *Record) AttachMany(relation string, children []*Record) {
	if r.Many == nil {
		r.Many = make(map[string][]*Record)
	}
	r.Many[relation] = children
}
