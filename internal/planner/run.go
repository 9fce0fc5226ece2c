package planner

import (
	"context"
	"fmt"

	"github.com/relquery/relquery/internal/logging"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

// runner executes one plan inside one transaction, materializing symbolic
// row references as operations complete. The caller owns the transaction
// lifecycle; runner only submits mutations and queries.
type runner struct {
	schema *schema.Schema
	tx     storage.Tx

	env   map[plan.RowRef]storage.Row
	found map[plan.RowRef]bool
}

// Run executes the plan's operations strictly in order and returns the root
// row. The first failing operation aborts the run with a
// TransactionAbortedError carrying its directive path; the caller is
// expected to roll the transaction back.
func Run(ctx context.Context, tx storage.Tx, s *schema.Schema, p *plan.Plan) (storage.Row, error) {
	r := &runner{
		schema: s,
		tx:     tx,
		env:    make(map[plan.RowRef]storage.Row),
		found:  make(map[plan.RowRef]bool),
	}
	for _, op := range p.Ops {
		if !r.guardsPass(op) {
			continue
		}
		if err := r.run(ctx, op); err != nil {
			logging.Debug().Stringer("kind", op.Kind).Str("table", op.Table).Err(err).Msg("plan operation failed")
			return nil, crud.NewTransactionAbortedError(op.Path, err)
		}
	}
	return r.env[p.Root], nil
}

func (r *runner) guardsPass(op *plan.Operation) bool {
	for _, g := range op.Guards {
		if r.found[g.Ref] != g.Exists {
			return false
		}
	}
	return true
}

func (r *runner) run(ctx context.Context, op *plan.Operation) error {
	switch op.Kind {
	case plan.OpLookup:
		return r.lookup(ctx, op)
	case plan.OpInsert:
		return r.insert(ctx, op)
	case plan.OpUpdate, plan.OpLinkFK:
		return r.update(ctx, op)
	case plan.OpDelete:
		return r.delete(ctx, op)
	case plan.OpUnlinkFK:
		return r.unlinkFK(ctx, op)
	case plan.OpJoinInsert:
		return r.joinInsert(ctx, op)
	case plan.OpJoinDelete:
		return r.joinDelete(ctx, op)
	case plan.OpUpdateWhere:
		return r.updateWhere(ctx, op)
	case plan.OpDeleteWhere:
		return r.deleteWhere(ctx, op)
	default:
		return fmt.Errorf("unknown operation kind %s", op.Kind)
	}
}

// lookup resolves the operation's selector to at most one row. A selector
// value resolving to nil means the addressed link does not exist; the lookup
// finds nothing without touching storage.
func (r *runner) lookup(ctx context.Context, op *plan.Operation) error {
	key, ok, err := r.resolveSelector(op.Selector)
	if err != nil {
		return err
	}
	if !ok {
		return r.miss(op)
	}

	limit := 2
	rows, err := r.tx.Query(ctx, storage.Query{
		Table: op.Table,
		Where: keyFilter(key),
		Limit: &limit,
	})
	if err != nil {
		return err
	}
	switch len(rows) {
	case 0:
		return r.miss(op)
	case 1:
		r.bind(op.Ref, rows[0])
		return nil
	default:
		return fmt.Errorf("selector %s matched more than one row of %q", op.Selector, op.Table)
	}
}

func (r *runner) miss(op *plan.Operation) error {
	if op.Optional {
		r.found[op.Ref] = false
		return nil
	}
	return crud.NewUniqueTargetNotFoundError(op.Path, op.Table, op.Selector)
}

func (r *runner) insert(ctx context.Context, op *plan.Operation) error {
	values, err := r.resolveValues(op.Values)
	if err != nil {
		return err
	}
	res, err := r.tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationInsert,
		Table:  op.Table,
		Values: values,
	})
	if err == nil {
		r.bind(op.Ref, res.Inserted)
		return nil
	}
	if !storage.IsConflict(err) || !op.RetryAsConnect {
		return err
	}
	return r.connectAfterConflict(ctx, op, values)
}

// connectAfterConflict is the fallback of a connect-or-create insert that
// lost a uniqueness race inside the transaction: the existing row is looked
// up once by the original selector and only the link columns are applied to
// it. A second miss or a second conflict propagates unchanged.
func (r *runner) connectAfterConflict(ctx context.Context, op *plan.Operation, values storage.Row) error {
	key, ok, err := r.resolveSelector(op.Selector)
	if err != nil {
		return err
	}
	if !ok {
		return crud.NewUniqueTargetNotFoundError(op.Path, op.Table, op.Selector)
	}
	limit := 2
	rows, err := r.tx.Query(ctx, storage.Query{Table: op.Table, Where: keyFilter(key), Limit: &limit})
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return crud.NewUniqueTargetNotFoundError(op.Path, op.Table, op.Selector)
	}
	row := rows[0]

	if len(op.LinkFields) > 0 {
		link := make(storage.Row, len(op.LinkFields))
		for _, f := range op.LinkFields {
			link[f] = values[f]
		}
		m, err := r.schema.Model(op.Table)
		if err != nil {
			return err
		}
		if _, err := r.tx.Execute(ctx, storage.Mutation{
			Kind:   storage.MutationUpdate,
			Table:  op.Table,
			Values: link,
			Key:    rowKey(m, row),
		}); err != nil {
			return err
		}
		row = row.Clone()
		for f, v := range link {
			row[f] = v
		}
	}
	r.bind(op.Ref, row)
	return nil
}

func (r *runner) update(ctx context.Context, op *plan.Operation) error {
	key, ok, err := r.resolveSelector(op.Selector)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	values, err := r.resolveValues(op.Values)
	if err != nil {
		return err
	}
	if _, err := r.tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationUpdate,
		Table:  op.Table,
		Values: values,
		Key:    key,
	}); err != nil {
		return err
	}
	r.mergeBound(op.Selector, values)
	return nil
}

func (r *runner) delete(ctx context.Context, op *plan.Operation) error {
	key, ok, err := r.resolveSelector(op.Selector)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if len(op.Join) > 0 {
		m, err := r.schema.Model(op.Table)
		if err != nil {
			return err
		}
		rows, err := r.tx.Query(ctx, storage.Query{Table: op.Table, Where: keyFilter(key)})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := r.cleanupJoinRows(ctx, op.Join, row[m.PrimaryKey[0]]); err != nil {
				return err
			}
		}
	}
	_, err = r.tx.Execute(ctx, storage.Mutation{
		Kind:  storage.MutationDelete,
		Table: op.Table,
		Key:   key,
	})
	return err
}

// unlinkFK nulls the operation's foreign key columns on every row matching
// Where, one row update at a time.
func (r *runner) unlinkFK(ctx context.Context, op *plan.Operation) error {
	m, rows, err := r.matchRows(ctx, op)
	if err != nil {
		return err
	}
	values, err := r.resolveValues(op.Values)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := r.tx.Execute(ctx, storage.Mutation{
			Kind:   storage.MutationUpdate,
			Table:  op.Table,
			Values: values,
			Key:    rowKey(m, row),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) joinInsert(ctx context.Context, op *plan.Operation) error {
	values, err := r.resolveValues(op.Values)
	if err != nil {
		return err
	}
	_, err = r.tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationInsert,
		Table:  op.Table,
		Values: values,
	})
	if err != nil && op.IgnoreConflict && storage.IsConflict(err) {
		return nil
	}
	return err
}

func (r *runner) joinDelete(ctx context.Context, op *plan.Operation) error {
	where, err := r.resolveFilter(op.Where)
	if err != nil {
		return err
	}
	rows, err := r.tx.Query(ctx, storage.Query{Table: op.Table, Where: where})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := r.tx.Execute(ctx, storage.Mutation{
			Kind:  storage.MutationDelete,
			Table: op.Table,
			Key:   row,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) updateWhere(ctx context.Context, op *plan.Operation) error {
	m, rows, err := r.matchRows(ctx, op)
	if err != nil {
		return err
	}
	values, err := r.resolveValues(op.Values)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := r.tx.Execute(ctx, storage.Mutation{
			Kind:   storage.MutationUpdate,
			Table:  op.Table,
			Values: values,
			Key:    rowKey(m, row),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) deleteWhere(ctx context.Context, op *plan.Operation) error {
	m, rows, err := r.matchRows(ctx, op)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if len(op.Join) > 0 {
			if err := r.cleanupJoinRows(ctx, op.Join, row[m.PrimaryKey[0]]); err != nil {
				return err
			}
		}
		if _, err := r.tx.Execute(ctx, storage.Mutation{
			Kind:  storage.MutationDelete,
			Table: op.Table,
			Key:   rowKey(m, row),
		}); err != nil {
			return err
		}
	}
	return nil
}

// cleanupJoinRows removes the join rows referencing a removed member so no
// orphans outlive it.
func (r *runner) cleanupJoinRows(ctx context.Context, cleanups []plan.JoinCleanup, memberKey any) error {
	for _, jc := range cleanups {
		rows, err := r.tx.Query(ctx, storage.Query{
			Table: jc.Table,
			Where: crud.Eq(jc.Column, memberKey),
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := r.tx.Execute(ctx, storage.Mutation{
				Kind:  storage.MutationDelete,
				Table: jc.Table,
				Key:   row,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *runner) matchRows(ctx context.Context, op *plan.Operation) (*schema.Model, []storage.Row, error) {
	m, err := r.schema.Model(op.Table)
	if err != nil {
		return nil, nil, err
	}
	where, err := r.resolveFilter(op.Where)
	if err != nil {
		return nil, nil, err
	}
	rows, err := r.tx.Query(ctx, storage.Query{Table: op.Table, Where: where})
	if err != nil {
		return nil, nil, err
	}
	return m, rows, nil
}

func (r *runner) bind(ref plan.RowRef, row storage.Row) {
	r.env[ref] = row
	r.found[ref] = true
}

// mergeBound folds applied update values back into the bound row the
// selector addressed, so the plan's root row reflects its own updates.
func (r *runner) mergeBound(sel schema.UniqueSelector, values storage.Row) {
	target := plan.NoRef
	for _, v := range sel {
		ref, ok := v.(plan.ValueRef)
		if !ok {
			return
		}
		if target != plan.NoRef && target != ref.Row {
			return
		}
		target = ref.Row
	}
	row, ok := r.env[target]
	if !ok {
		return
	}
	for f, v := range values {
		row[f] = v
	}
}

// resolveSelector materializes a selector into an equality key. ok is false
// when a resolved value is nil, meaning the addressed row cannot exist.
func (r *runner) resolveSelector(sel schema.UniqueSelector) (storage.Row, bool, error) {
	key := make(storage.Row, len(sel))
	for f, v := range sel {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return nil, false, err
		}
		if resolved == nil {
			return nil, false, nil
		}
		key[f] = resolved
	}
	return key, true, nil
}

func (r *runner) resolveValues(values map[string]any) (storage.Row, error) {
	out := make(storage.Row, len(values))
	for f, v := range values {
		resolved, err := r.resolveValue(v)
		if err != nil {
			return nil, err
		}
		out[f] = resolved
	}
	return out, nil
}

func (r *runner) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case plan.ValueRef:
		row, ok := r.env[val.Row]
		if !ok {
			return nil, fmt.Errorf("reference to unbound row r%d", val.Row)
		}
		return row[val.Field], nil
	case plan.Coalesce:
		for _, ref := range val.Refs {
			if row, ok := r.env[ref.Row]; ok {
				return row[ref.Field], nil
			}
		}
		return nil, fmt.Errorf("no bound row among coalesce references")
	default:
		return v, nil
	}
}

func (r *runner) resolveFilter(f crud.Filter) (crud.Filter, error) {
	switch node := f.(type) {
	case nil:
		return nil, nil
	case crud.FieldCond:
		if vals, ok := node.Value.([]any); ok {
			resolved := make([]any, len(vals))
			for i, v := range vals {
				rv, err := r.resolveValue(v)
				if err != nil {
					return nil, err
				}
				resolved[i] = rv
			}
			return crud.FieldCond{Field: node.Field, Op: node.Op, Value: resolved}, nil
		}
		rv, err := r.resolveValue(node.Value)
		if err != nil {
			return nil, err
		}
		return crud.FieldCond{Field: node.Field, Op: node.Op, Value: rv}, nil
	case crud.And:
		out := make(crud.And, len(node))
		for i, inner := range node {
			ri, err := r.resolveFilter(inner)
			if err != nil {
				return nil, err
			}
			out[i] = ri
		}
		return out, nil
	case crud.Or:
		out := make(crud.Or, len(node))
		for i, inner := range node {
			ri, err := r.resolveFilter(inner)
			if err != nil {
				return nil, err
			}
			out[i] = ri
		}
		return out, nil
	case crud.Not:
		inner, err := r.resolveFilter(node.Inner)
		if err != nil {
			return nil, err
		}
		return crud.Not{Inner: inner}, nil
	case crud.SubqueryIn:
		inner, err := r.resolveFilter(node.Where)
		if err != nil {
			return nil, err
		}
		return crud.SubqueryIn{
			Field:       node.Field,
			Table:       node.Table,
			SelectField: node.SelectField,
			Where:       inner,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported filter node %T in plan", f)
	}
}

func keyFilter(key storage.Row) crud.Filter {
	conds := make(crud.And, 0, len(key))
	for f, v := range key {
		conds = append(conds, crud.Eq(f, v))
	}
	return conds
}

func rowKey(m *schema.Model, row storage.Row) storage.Row {
	key := make(storage.Row, len(m.PrimaryKey))
	for _, f := range m.PrimaryKey {
		key[f] = row[f]
	}
	return key
}
