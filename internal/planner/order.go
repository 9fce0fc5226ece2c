package planner

import (
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
)

// order arranges the accumulated operations so every row reference is bound
// before it is consumed, keeping the original emission order among ready
// operations. When the reference graph is cyclic, one insert per stall is
// split in two: its nullable foreign key assignment is removed from the
// insert and re-emitted as a patch operation after both rows exist. A cycle
// with no nullable foreign key to defer fails the plan.
func (b *builder) order() ([]*plan.Operation, error) {
	producer := make(map[plan.RowRef]*plan.Operation, len(b.ops))
	for _, op := range b.ops {
		if op.Ref != plan.NoRef {
			producer[op.Ref] = op
		}
	}

	pending := append([]*plan.Operation(nil), b.ops...)
	emitted := make(map[*plan.Operation]bool, len(b.ops))
	ordered := make([]*plan.Operation, 0, len(b.ops))

	ready := func(op *plan.Operation) bool {
		for ref := range collectRefs(op) {
			dep, ok := producer[ref]
			if !ok || dep == op {
				continue
			}
			if !emitted[dep] {
				return false
			}
		}
		return true
	}

	for len(pending) > 0 {
		progressed := false
		for i, op := range pending {
			if !ready(op) {
				continue
			}
			emitted[op] = true
			ordered = append(ordered, op)
			pending = append(pending[:i], pending[i+1:]...)
			progressed = true
			break
		}
		if progressed {
			continue
		}

		patch, err := b.breakCycle(pending, emitted, producer)
		if err != nil {
			return nil, err
		}
		pending = append(pending, patch)
	}
	return ordered, nil
}

// breakCycle defers one nullable foreign key assignment from a stalled
// insert: the column leaves the insert's Values and comes back as a LinkFK
// patch addressed by the inserted row's primary key. The patch inherits the
// insert's guards so conditional branches stay conditional.
func (b *builder) breakCycle(pending []*plan.Operation, emitted map[*plan.Operation]bool, producer map[plan.RowRef]*plan.Operation) (*plan.Operation, error) {
	for _, op := range pending {
		if op.Kind != plan.OpInsert {
			continue
		}
		meta := b.meta[op]
		if meta == nil {
			continue
		}
		for _, field := range meta.deferrable {
			value, ok := op.Values[field]
			if !ok {
				continue
			}
			if resolvedBy(value, emitted, producer, op) {
				continue
			}

			delete(op.Values, field)
			selector := make(schema.UniqueSelector, len(meta.primaryKey))
			for _, pk := range meta.primaryKey {
				selector[pk] = plan.ValueRef{Row: op.Ref, Field: pk}
			}
			return &plan.Operation{
				Kind:     plan.OpLinkFK,
				Table:    op.Table,
				Selector: selector,
				Values:   map[string]any{field: value},
				Ref:      plan.NoRef,
				Guards:   append([]plan.Guard(nil), op.Guards...),
				Path:     op.Path,
			}, nil
		}
	}

	tables := make([]string, 0, len(pending))
	for _, op := range pending {
		tables = append(tables, op.Table)
	}
	return nil, crud.NewConstraintCycleError(tables)
}

// resolvedBy reports whether every reference in value is already bound by an
// emitted operation, so deferring it would change nothing.
func resolvedBy(value any, emitted map[*plan.Operation]bool, producer map[plan.RowRef]*plan.Operation, self *plan.Operation) bool {
	refs := make(map[plan.RowRef]struct{})
	collectValueRefs(value, refs)
	for ref := range refs {
		dep, ok := producer[ref]
		if !ok || dep == self {
			continue
		}
		if !emitted[dep] {
			return false
		}
	}
	return true
}

// collectRefs gathers every row reference an operation consumes, across its
// values, selector, filter and guards.
func collectRefs(op *plan.Operation) map[plan.RowRef]struct{} {
	refs := make(map[plan.RowRef]struct{})
	for _, v := range op.Values {
		collectValueRefs(v, refs)
	}
	for _, v := range op.Selector {
		collectValueRefs(v, refs)
	}
	collectFilterRefs(op.Where, refs)
	for _, g := range op.Guards {
		refs[g.Ref] = struct{}{}
	}
	return refs
}

func collectValueRefs(v any, refs map[plan.RowRef]struct{}) {
	switch val := v.(type) {
	case plan.ValueRef:
		refs[val.Row] = struct{}{}
	case plan.Coalesce:
		for _, r := range val.Refs {
			refs[r.Row] = struct{}{}
		}
	}
}

func collectFilterRefs(f crud.Filter, refs map[plan.RowRef]struct{}) {
	switch node := f.(type) {
	case nil:
	case crud.FieldCond:
		if vals, ok := node.Value.([]any); ok {
			for _, v := range vals {
				collectValueRefs(v, refs)
			}
			return
		}
		collectValueRefs(node.Value, refs)
	case crud.And:
		for _, inner := range node {
			collectFilterRefs(inner, refs)
		}
	case crud.Or:
		for _, inner := range node {
			collectFilterRefs(inner, refs)
		}
	case crud.Not:
		collectFilterRefs(node.Inner, refs)
	case crud.SubqueryIn:
		collectFilterRefs(node.Where, refs)
	case crud.RelatedVia:
		collectFilterRefs(node.Where, refs)
	}
}
