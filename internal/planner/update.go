package planner

import (
	"fmt"

	"github.com/relquery/relquery/internal/filter"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
)

// applyUpdateData lowers an update payload against the row bound to ref:
// one scalar update when the payload carries values, plus the operations of
// every relation directive.
func (b *builder) applyUpdateData(ref plan.RowRef, model string, data *crud.Data, path crud.Path) error {
	m, err := b.schema.Model(model)
	if err != nil {
		return err
	}

	if len(data.Values) > 0 {
		values, err := scalarValues(m, data.Values, path)
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:     plan.OpUpdate,
			Table:    model,
			Selector: pkSelector(m, ref),
			Values:   values,
			Path:     path,
		})
	}

	return b.eachRelation(m, data, path, func(rel *schema.Relation, d crud.Directive, dpath crud.Path) error {
		return b.updateRelation(ref, m, rel, d, dpath)
	})
}

// updateRelation lowers one directive attached to a relation of an existing
// row. All nine directive kinds are legal here, subject to cardinality and
// optionality rules.
func (b *builder) updateRelation(parent plan.RowRef, m *schema.Model, rel *schema.Relation, d crud.Directive, path crud.Path) error {
	if !rel.List {
		switch d.Kind() {
		case crud.KindSet, crud.KindUpdateMany, crud.KindDeleteMany:
			return crud.NewInvalidDirectiveError(path, fmt.Sprintf("%s applies to list relations only", d.Kind()))
		}
	}

	switch {
	case rel.Join != nil:
		return b.updateManyToMany(parent, m, rel, d, path)
	case rel.Owning:
		return b.updateOwning(parent, m, rel, d, path)
	default:
		return b.updateInverse(parent, m, rel, d, path)
	}
}

// updateOwning handles relations whose foreign key lives on the parent row:
// linking and unlinking mutate the parent's own FK column.
func (b *builder) updateOwning(parent plan.RowRef, m *schema.Model, rel *schema.Relation, d crud.Directive, path crud.Path) error {
	target, err := b.schema.Model(rel.Target)
	if err != nil {
		return err
	}

	// The currently linked row, addressed through the parent's FK value.
	linkedSelector := func() schema.UniqueSelector {
		return schema.UniqueSelector{rel.RefField: plan.ValueRef{Row: parent, Field: rel.FKField}}
	}
	setParentFK := func(value any) {
		b.add(&plan.Operation{
			Kind:     plan.OpLinkFK,
			Table:    m.Name,
			Selector: pkSelector(m, parent),
			Values:   map[string]any{rel.FKField: value},
			Path:     path,
		})
	}

	switch dir := d.(type) {
	case crud.Create:
		child, err := b.create(rel.Target, dir.Data, path)
		if err != nil {
			return err
		}
		setParentFK(plan.ValueRef{Row: child.Ref, Field: rel.RefField})
		return nil

	case crud.Connect:
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		setParentFK(plan.ValueRef{Row: lookup.Ref, Field: rel.RefField})
		return nil

	case crud.ConnectOrCreate:
		lookup, err := b.lookup(rel.Target, dir.Selector, true, path)
		if err != nil {
			return err
		}
		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: false})
		child, err := b.create(rel.Target, dir.Create, path)
		b.popGuard()
		if err != nil {
			return err
		}
		child.RetryAsConnect = true
		child.Selector = cloneSelector(dir.Selector)
		setParentFK(plan.Coalesce{Refs: []plan.ValueRef{
			{Row: lookup.Ref, Field: rel.RefField},
			{Row: child.Ref, Field: rel.RefField},
		}})
		return nil

	case crud.Update:
		sel := linkedSelector()
		if len(dir.Selector) > 0 {
			if err := b.schema.CheckUniqueSelector(rel.Target, dir.Selector); err != nil {
				return err
			}
			sel = cloneSelector(dir.Selector)
		}
		child := b.internalLookup(rel.Target, sel, false, path)
		return b.applyUpdateData(child.Ref, rel.Target, dir.Data, path)

	case crud.Upsert:
		sel := linkedSelector()
		if len(dir.Selector) > 0 {
			if err := b.schema.CheckUniqueSelector(rel.Target, dir.Selector); err != nil {
				return err
			}
			sel = cloneSelector(dir.Selector)
		}
		lookup := b.internalLookup(rel.Target, sel, true, path)

		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: true})
		err := b.applyUpdateData(lookup.Ref, rel.Target, dir.Update, path)
		b.popGuard()
		if err != nil {
			return err
		}

		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: false})
		child, err := b.create(rel.Target, dir.Create, path)
		b.popGuard()
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:     plan.OpLinkFK,
			Table:    m.Name,
			Selector: pkSelector(m, parent),
			Values:   map[string]any{rel.FKField: plan.ValueRef{Row: child.Ref, Field: rel.RefField}},
			Guards:   []plan.Guard{{Ref: lookup.Ref, Exists: false}},
			Path:     path,
		})
		return nil

	case crud.Delete:
		if !rel.Optional {
			return crud.NewCardinalityViolationError(path, "cannot delete the target of a required relation")
		}
		sel := linkedSelector()
		if len(dir.Selector) > 0 {
			if err := b.schema.CheckUniqueSelector(rel.Target, dir.Selector); err != nil {
				return err
			}
			sel = cloneSelector(dir.Selector)
		}
		child := b.internalLookup(rel.Target, sel, false, path)
		setParentFK(nil)
		b.deleteMemberJoins(target, child.Ref, path)
		b.add(&plan.Operation{
			Kind:     plan.OpDelete,
			Table:    rel.Target,
			Selector: pkSelector(target, child.Ref),
			Path:     path,
		})
		return nil

	case crud.Disconnect:
		if !rel.Optional {
			return crud.NewCardinalityViolationError(path, "cannot disconnect a required relation")
		}
		setParentFK(nil)
		return nil

	default:
		return crud.NewInvalidDirectiveError(path, fmt.Sprintf("%s is not supported on this relation", d.Kind()))
	}
}

// updateInverse handles relations whose foreign key lives on the target:
// linking and unlinking mutate the target rows' FK columns. Covers both the
// inverse side of one-to-one and the list side of one-to-many.
func (b *builder) updateInverse(parent plan.RowRef, m *schema.Model, rel *schema.Relation, d crud.Directive, path crud.Path) error {
	target, err := b.schema.Model(rel.Target)
	if err != nil {
		return err
	}
	parentKey := plan.ValueRef{Row: parent, Field: rel.RefField}

	// Selector scoped to rows currently linked to the parent, so that
	// list-relation updates and removals can never escape the membership.
	scoped := func(sel schema.UniqueSelector) schema.UniqueSelector {
		merged := cloneSelector(sel)
		merged[rel.FKField] = parentKey
		return merged
	}
	unlinkAll := func() {
		b.add(&plan.Operation{
			Kind:   plan.OpUnlinkFK,
			Table:  rel.Target,
			Where:  crud.Eq(rel.FKField, parentKey),
			Values: map[string]any{rel.FKField: nil},
			Path:   path,
		})
	}
	requireSelector := func(sel schema.UniqueSelector) (schema.UniqueSelector, error) {
		if rel.List && len(sel) == 0 {
			return nil, crud.NewInvalidDirectiveError(path, "a selector is required on a list relation")
		}
		if len(sel) > 0 {
			if err := b.schema.CheckUniqueSelector(rel.Target, sel); err != nil {
				return nil, err
			}
			return scoped(sel), nil
		}
		// One relation, no selector: default to the currently linked row.
		return schema.UniqueSelector{rel.FKField: parentKey}, nil
	}

	switch dir := d.(type) {
	case crud.Create:
		if !rel.List && rel.Optional {
			unlinkAll()
		}
		child, err := b.create(rel.Target, dir.Data, path)
		if err != nil {
			return err
		}
		child.Values[rel.FKField] = parentKey
		if rel.Optional {
			b.meta[child].deferrable = append(b.meta[child].deferrable, rel.FKField)
		}
		return nil

	case crud.Connect:
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		if !rel.List && rel.Optional {
			unlinkAll()
		}
		b.add(&plan.Operation{
			Kind:     plan.OpLinkFK,
			Table:    rel.Target,
			Selector: pkSelector(target, lookup.Ref),
			Values:   map[string]any{rel.FKField: parentKey},
			Path:     path,
		})
		return nil

	case crud.ConnectOrCreate:
		lookup, err := b.lookup(rel.Target, dir.Selector, true, path)
		if err != nil {
			return err
		}
		if !rel.List && rel.Optional {
			unlinkAll()
		}
		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: false})
		child, err := b.create(rel.Target, dir.Create, path)
		b.popGuard()
		if err != nil {
			return err
		}
		child.RetryAsConnect = true
		child.Selector = cloneSelector(dir.Selector)
		child.Values[rel.FKField] = parentKey
		child.LinkFields = []string{rel.FKField}
		b.add(&plan.Operation{
			Kind:     plan.OpLinkFK,
			Table:    rel.Target,
			Selector: pkSelector(target, lookup.Ref),
			Values:   map[string]any{rel.FKField: parentKey},
			Guards:   []plan.Guard{{Ref: lookup.Ref, Exists: true}},
			Path:     path,
		})
		return nil

	case crud.Update:
		sel, err := requireSelector(dir.Selector)
		if err != nil {
			return err
		}
		child := b.internalLookup(rel.Target, sel, false, path)
		return b.applyUpdateData(child.Ref, rel.Target, dir.Data, path)

	case crud.Upsert:
		sel, err := requireSelector(dir.Selector)
		if err != nil {
			return err
		}
		lookup := b.internalLookup(rel.Target, sel, true, path)

		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: true})
		err = b.applyUpdateData(lookup.Ref, rel.Target, dir.Update, path)
		b.popGuard()
		if err != nil {
			return err
		}

		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: false})
		child, err := b.create(rel.Target, dir.Create, path)
		b.popGuard()
		if err != nil {
			return err
		}
		child.Values[rel.FKField] = parentKey
		return nil

	case crud.Delete:
		sel, err := requireSelector(dir.Selector)
		if err != nil {
			return err
		}
		child := b.internalLookup(rel.Target, sel, false, path)
		b.deleteMemberJoins(target, child.Ref, path)
		b.add(&plan.Operation{
			Kind:     plan.OpDelete,
			Table:    rel.Target,
			Selector: pkSelector(target, child.Ref),
			Path:     path,
		})
		return nil

	case crud.Disconnect:
		if !rel.Optional {
			return crud.NewCardinalityViolationError(path, "cannot disconnect a required relation")
		}
		if !rel.List {
			unlinkAll()
			return nil
		}
		sel, err := requireSelector(dir.Selector)
		if err != nil {
			return err
		}
		child := b.internalLookup(rel.Target, sel, false, path)
		b.add(&plan.Operation{
			Kind:     plan.OpLinkFK,
			Table:    rel.Target,
			Selector: pkSelector(target, child.Ref),
			Values:   map[string]any{rel.FKField: nil},
			Path:     path,
		})
		return nil

	case crud.Set:
		if !rel.Optional {
			return crud.NewCardinalityViolationError(path, "cannot replace the membership of a relation whose foreign key is required")
		}
		members := make([]any, 0, len(dir.Selectors))
		refs := make([]plan.RowRef, 0, len(dir.Selectors))
		for _, sel := range dir.Selectors {
			lookup, err := b.lookup(rel.Target, sel, false, path)
			if err != nil {
				return err
			}
			refs = append(refs, lookup.Ref)
			members = append(members, plan.ValueRef{Row: lookup.Ref, Field: target.PrimaryKey[0]})
		}

		// Previously linked rows absent from the new member list lose their
		// link; listed rows gain it. Uninvolved rows are untouched.
		unlinkWhere := crud.Filter(crud.Eq(rel.FKField, parentKey))
		if len(members) > 0 {
			unlinkWhere = crud.And{
				crud.Eq(rel.FKField, parentKey),
				crud.Not{Inner: crud.In(target.PrimaryKey[0], members)},
			}
		}
		b.add(&plan.Operation{
			Kind:   plan.OpUnlinkFK,
			Table:  rel.Target,
			Where:  unlinkWhere,
			Values: map[string]any{rel.FKField: nil},
			Path:   path,
		})
		for _, ref := range refs {
			b.add(&plan.Operation{
				Kind:     plan.OpLinkFK,
				Table:    rel.Target,
				Selector: pkSelector(target, ref),
				Values:   map[string]any{rel.FKField: parentKey},
				Path:     path,
			})
		}
		return nil

	case crud.UpdateMany:
		values, err := scalarValues(target, dir.Data, path)
		if err != nil {
			return err
		}
		where, err := b.memberWhere(rel.Target, crud.Eq(rel.FKField, parentKey), dir.Where)
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:   plan.OpUpdateWhere,
			Table:  rel.Target,
			Where:  where,
			Values: values,
			Path:   path,
		})
		return nil

	case crud.DeleteMany:
		where, err := b.memberWhere(rel.Target, crud.Eq(rel.FKField, parentKey), dir.Where)
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:  plan.OpDeleteWhere,
			Table: rel.Target,
			Where: where,
			Join:  joinCleanups(target),
			Path:  path,
		})
		return nil

	default:
		return crud.NewInvalidDirectiveError(path, fmt.Sprintf("%s is not supported on this relation", d.Kind()))
	}
}

// memberWhere combines the membership predicate of a list relation with an
// optional caller filter, lowering relation-scoped nodes first.
func (b *builder) memberWhere(targetModel string, membership crud.Filter, where crud.Filter) (crud.Filter, error) {
	if where == nil {
		return membership, nil
	}
	lowered, err := filter.Lower(b.schema, targetModel, where)
	if err != nil {
		return nil, err
	}
	return crud.And{membership, lowered}, nil
}
