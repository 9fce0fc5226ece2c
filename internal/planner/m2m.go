package planner

import (
	"fmt"

	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
)

// updateManyToMany handles relations mediated by a join table. Links are
// join rows; removing a link deletes the join row, and deleting a member
// also deletes its join rows for this relation rather than leaving orphans.
func (b *builder) updateManyToMany(parent plan.RowRef, m *schema.Model, rel *schema.Relation, d crud.Directive, path crud.Path) error {
	target, err := b.schema.Model(rel.Target)
	if err != nil {
		return err
	}
	sourceKey := plan.ValueRef{Row: parent, Field: m.PrimaryKey[0]}
	targetPK := target.PrimaryKey[0]

	targetKeyOf := func(ref plan.RowRef) plan.ValueRef {
		return plan.ValueRef{Row: ref, Field: targetPK}
	}
	membership := crud.SubqueryIn{
		Field:       targetPK,
		Table:       rel.Join.Table,
		SelectField: rel.Join.TargetColumn,
		Where:       crud.Eq(rel.Join.SourceColumn, sourceKey),
	}
	requireSelector := func(sel schema.UniqueSelector) error {
		if len(sel) == 0 {
			return crud.NewInvalidDirectiveError(path, "a selector is required on a list relation")
		}
		return nil
	}

	switch dir := d.(type) {
	case crud.Create:
		child, err := b.create(rel.Target, dir.Data, path)
		if err != nil {
			return err
		}
		return b.joinInsert(m, rel, parent, child.Ref, false, path)

	case crud.Connect:
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		return b.joinInsert(m, rel, parent, lookup.Ref, true, path)

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
		b.add(&plan.Operation{
			Kind:  plan.OpJoinInsert,
			Table: rel.Join.Table,
			Values: map[string]any{
				rel.Join.SourceColumn: sourceKey,
				rel.Join.TargetColumn: plan.Coalesce{Refs: []plan.ValueRef{
					targetKeyOf(lookup.Ref),
					targetKeyOf(child.Ref),
				}},
			},
			IgnoreConflict: true,
			Path:           path,
		})
		return nil

	case crud.Update:
		if err := requireSelector(dir.Selector); err != nil {
			return err
		}
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		return b.applyUpdateData(lookup.Ref, rel.Target, dir.Data, path)

	case crud.Upsert:
		if err := requireSelector(dir.Selector); err != nil {
			return err
		}
		lookup, err := b.lookup(rel.Target, dir.Selector, true, path)
		if err != nil {
			return err
		}

		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: true})
		err = b.applyUpdateData(lookup.Ref, rel.Target, dir.Update, path)
		b.popGuard()
		if err != nil {
			return err
		}

		b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: false})
		child, err := b.create(rel.Target, dir.Create, path)
		if err == nil {
			err = b.joinInsert(m, rel, parent, child.Ref, false, path)
		}
		b.popGuard()
		return err

	case crud.Delete:
		if err := requireSelector(dir.Selector); err != nil {
			return err
		}
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		b.deleteMemberJoins(target, lookup.Ref, path)
		b.add(&plan.Operation{
			Kind:     plan.OpDelete,
			Table:    rel.Target,
			Selector: pkSelector(target, lookup.Ref),
			Path:     path,
		})
		return nil

	case crud.Disconnect:
		if err := requireSelector(dir.Selector); err != nil {
			return err
		}
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:  plan.OpJoinDelete,
			Table: rel.Join.Table,
			Where: crud.And{
				crud.Eq(rel.Join.SourceColumn, sourceKey),
				crud.Eq(rel.Join.TargetColumn, targetKeyOf(lookup.Ref)),
			},
			Path: path,
		})
		return nil

	case crud.Set:
		refs := make([]plan.RowRef, 0, len(dir.Selectors))
		for _, sel := range dir.Selectors {
			lookup, err := b.lookup(rel.Target, sel, false, path)
			if err != nil {
				return err
			}
			refs = append(refs, lookup.Ref)
		}
		b.add(&plan.Operation{
			Kind:  plan.OpJoinDelete,
			Table: rel.Join.Table,
			Where: crud.Eq(rel.Join.SourceColumn, sourceKey),
			Path:  path,
		})
		for _, ref := range refs {
			if err := b.joinInsert(m, rel, parent, ref, true, path); err != nil {
				return err
			}
		}
		return nil

	case crud.UpdateMany:
		values, err := scalarValues(target, dir.Data, path)
		if err != nil {
			return err
		}
		where, err := b.memberWhere(rel.Target, membership, dir.Where)
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
		where, err := b.memberWhere(rel.Target, membership, dir.Where)
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
