// Package planner translates nested write-directive trees into ordered,
// atomic plans of primitive storage operations. Planning happens entirely
// before any storage call: directive shapes, relation names, selector
// uniqueness and cardinality rules are all checked here, and foreign-key
// ownership alone decides the dependency direction between logical rows.
package planner

import (
	"fmt"

	"github.com/relquery/relquery/internal/logging"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
)

// builder accumulates primitive operations in directive order; the ordering
// pass afterwards arranges them topologically and splits optional-FK cycles.
type builder struct {
	schema  *schema.Schema
	ops     []*plan.Operation
	meta    map[*plan.Operation]*insertMeta
	nextRef plan.RowRef
	guards  []plan.Guard
}

// insertMeta carries the planner-side knowledge about an insert needed to
// split it in two when it participates in a dependency cycle.
type insertMeta struct {
	primaryKey []string

	// deferrable lists the nullable foreign key columns of the insert's
	// Values whose assignment may be deferred to a patch operation.
	deferrable []string
}

func newBuilder(s *schema.Schema) *builder {
	return &builder{
		schema: s,
		meta:   make(map[*plan.Operation]*insertMeta),
	}
}

func (b *builder) newRef() plan.RowRef {
	ref := b.nextRef
	b.nextRef++
	return ref
}

// add appends an operation, stamping it with the currently active guards.
// Only inserts and lookups bind a row reference.
func (b *builder) add(op *plan.Operation) *plan.Operation {
	if op.Kind != plan.OpInsert && op.Kind != plan.OpLookup {
		op.Ref = plan.NoRef
	}
	if len(b.guards) > 0 {
		op.Guards = append(append([]plan.Guard(nil), b.guards...), op.Guards...)
	}
	b.ops = append(b.ops, op)
	return op
}

func (b *builder) pushGuard(g plan.Guard) { b.guards = append(b.guards, g) }
func (b *builder) popGuard()              { b.guards = b.guards[:len(b.guards)-1] }

// pkSelector addresses the row bound to ref by its primary key fields.
func pkSelector(m *schema.Model, ref plan.RowRef) schema.UniqueSelector {
	sel := make(schema.UniqueSelector, len(m.PrimaryKey))
	for _, f := range m.PrimaryKey {
		sel[f] = plan.ValueRef{Row: ref, Field: f}
	}
	return sel
}

// PlanCreate compiles a top-level create with its nested directives.
func PlanCreate(s *schema.Schema, model string, data *crud.Data) (*plan.Plan, error) {
	if data == nil {
		return nil, crud.NewInvalidDirectiveError(crud.Path{model}, "create requires a payload")
	}
	b := newBuilder(s)
	rootOp, err := b.create(model, data, crud.Path{model})
	if err != nil {
		return nil, err
	}
	return b.finish(rootOp.Ref)
}

// PlanUpdate compiles a top-level update addressed by a unique selector.
func PlanUpdate(s *schema.Schema, model string, where schema.UniqueSelector, data *crud.Data) (*plan.Plan, error) {
	if data == nil {
		return nil, crud.NewInvalidDirectiveError(crud.Path{model}, "update requires a payload")
	}
	b := newBuilder(s)
	path := crud.Path{model}

	if err := s.CheckUniqueSelector(model, where); err != nil {
		return nil, err
	}
	root := b.add(&plan.Operation{
		Kind:     plan.OpLookup,
		Table:    model,
		Selector: cloneSelector(where),
		Ref:      b.newRef(),
		Path:     path,
	})

	if err := b.applyUpdateData(root.Ref, model, data, path); err != nil {
		return nil, err
	}
	return b.finish(root.Ref)
}

// PlanDelete compiles a top-level delete. Join rows referencing the deleted
// row through any many-to-many relation are removed in the same plan; plain
// foreign keys referencing it are left to the storage engine's constraints.
func PlanDelete(s *schema.Schema, model string, where schema.UniqueSelector) (*plan.Plan, error) {
	b := newBuilder(s)
	path := crud.Path{model}

	if err := s.CheckUniqueSelector(model, where); err != nil {
		return nil, err
	}
	m, err := s.Model(model)
	if err != nil {
		return nil, err
	}
	root := b.add(&plan.Operation{
		Kind:     plan.OpLookup,
		Table:    model,
		Selector: cloneSelector(where),
		Ref:      b.newRef(),
		Path:     path,
	})

	b.deleteMemberJoins(m, root.Ref, path)

	b.add(&plan.Operation{
		Kind:     plan.OpDelete,
		Table:    model,
		Selector: pkSelector(m, root.Ref),
		Path:     path,
	})
	return b.finish(root.Ref)
}

// deleteMemberJoins emits one join-row deletion per many-to-many relation of
// the model whose bound row is about to be deleted, so a removed member never
// leaves orphaned join rows in any of its join tables.
func (b *builder) deleteMemberJoins(m *schema.Model, ref plan.RowRef, path crud.Path) {
	for i := range m.Relations {
		rel := &m.Relations[i]
		if rel.Join == nil {
			continue
		}
		b.add(&plan.Operation{
			Kind:  plan.OpJoinDelete,
			Table: rel.Join.Table,
			Where: crud.Eq(rel.Join.SourceColumn, plan.ValueRef{Row: ref, Field: m.PrimaryKey[0]}),
			Path:  path.Child(rel.Name),
		})
	}
}

// joinCleanups derives the execution-time join cleanup entries for set-scoped
// deletions of the model's rows.
func joinCleanups(m *schema.Model) []plan.JoinCleanup {
	var cleanups []plan.JoinCleanup
	for i := range m.Relations {
		rel := &m.Relations[i]
		if rel.Join == nil {
			continue
		}
		cleanups = append(cleanups, plan.JoinCleanup{
			Table:  rel.Join.Table,
			Column: rel.Join.SourceColumn,
		})
	}
	return cleanups
}

func (b *builder) finish(root plan.RowRef) (*plan.Plan, error) {
	ordered, err := b.order()
	if err != nil {
		return nil, err
	}
	p := &plan.Plan{Root: root, Ops: ordered}
	logging.Trace().Int("operations", len(p.Ops)).Msg("write plan compiled")
	return p, nil
}

// create lowers a create payload into an insert plus the operations for its
// nested directives, and returns the insert operation.
func (b *builder) create(model string, data *crud.Data, path crud.Path) (*plan.Operation, error) {
	m, err := b.schema.Model(model)
	if err != nil {
		return nil, err
	}
	values, err := scalarValues(m, data.Values, path)
	if err != nil {
		return nil, err
	}

	op := b.add(&plan.Operation{
		Kind:   plan.OpInsert,
		Table:  model,
		Values: values,
		Ref:    b.newRef(),
		Path:   path,
	})
	b.meta[op] = &insertMeta{primaryKey: m.PrimaryKey}

	return op, b.eachRelation(m, data, path, func(rel *schema.Relation, d crud.Directive, dpath crud.Path) error {
		return b.createRelation(op, m, rel, d, dpath)
	})
}

// eachRelation walks the payload's relation directives in model declaration
// order, validating names, shapes and single-relation arity.
func (b *builder) eachRelation(m *schema.Model, data *crud.Data, path crud.Path, fn func(rel *schema.Relation, d crud.Directive, dpath crud.Path) error) error {
	for name := range data.Relations {
		if m.Relation(name) == nil {
			return schema.NewRelationNotFoundError(m.Name, name)
		}
	}

	for i := range m.Relations {
		rel := &m.Relations[i]
		directives := data.Relations[rel.Name]
		if len(directives) == 0 {
			continue
		}
		if !rel.List && len(directives) > 1 {
			return crud.NewInvalidDirectiveError(path.Child(rel.Name), "a single-valued relation accepts exactly one directive")
		}
		for j, d := range directives {
			dpath := path.Child(rel.Name)
			if rel.List {
				dpath = path.ChildIndexed(rel.Name, j)
			}
			if err := crud.CheckShape(d, dpath); err != nil {
				return err
			}
			if err := fn(rel, d, dpath); err != nil {
				return err
			}
		}
	}
	return nil
}

// createRelation lowers one directive attached to a relation of a row being
// created. Only create, connect and connectOrCreate are meaningful here:
// there is no existing link to update, replace or remove.
func (b *builder) createRelation(parent *plan.Operation, m *schema.Model, rel *schema.Relation, d crud.Directive, path crud.Path) error {
	switch dir := d.(type) {
	case crud.Create:
		return b.createNested(parent, m, rel, dir.Data, path)

	case crud.Connect:
		lookup, err := b.lookup(rel.Target, dir.Selector, false, path)
		if err != nil {
			return err
		}
		return b.linkNew(parent, m, rel, lookup.Ref, path)

	case crud.ConnectOrCreate:
		return b.connectOrCreateNew(parent, m, rel, dir, path)

	default:
		return crud.NewInvalidDirectiveError(path, fmt.Sprintf("%s is not allowed inside a create payload", d.Kind()))
	}
}

// createNested creates the related row and wires the foreign key on
// whichever side owns it.
func (b *builder) createNested(parent *plan.Operation, m *schema.Model, rel *schema.Relation, data *crud.Data, path crud.Path) error {
	if rel.Owning {
		child, err := b.create(rel.Target, data, path)
		if err != nil {
			return err
		}
		b.assignFK(parent, rel, plan.ValueRef{Row: child.Ref, Field: rel.RefField})
		return nil
	}

	if rel.Join != nil {
		child, err := b.create(rel.Target, data, path)
		if err != nil {
			return err
		}
		return b.joinInsert(m, rel, parent.Ref, child.Ref, false, path)
	}

	// The child owns the foreign key back to the row being created.
	child, err := b.create(rel.Target, data, path)
	if err != nil {
		return err
	}
	child.Values[rel.FKField] = plan.ValueRef{Row: parent.Ref, Field: rel.RefField}
	if rel.Optional {
		b.meta[child].deferrable = append(b.meta[child].deferrable, rel.FKField)
	}
	return nil
}

// linkNew links an already-resolved related row to a row being created.
func (b *builder) linkNew(parent *plan.Operation, m *schema.Model, rel *schema.Relation, target plan.RowRef, path crud.Path) error {
	if rel.Owning {
		b.assignFK(parent, rel, plan.ValueRef{Row: target, Field: rel.RefField})
		return nil
	}
	if rel.Join != nil {
		return b.joinInsert(m, rel, parent.Ref, target, true, path)
	}

	targetModel, err := b.schema.Model(rel.Target)
	if err != nil {
		return err
	}
	b.add(&plan.Operation{
		Kind:     plan.OpLinkFK,
		Table:    rel.Target,
		Selector: pkSelector(targetModel, target),
		Values:   map[string]any{rel.FKField: plan.ValueRef{Row: parent.Ref, Field: rel.RefField}},
		Path:     path,
	})
	return nil
}

func (b *builder) connectOrCreateNew(parent *plan.Operation, m *schema.Model, rel *schema.Relation, dir crud.ConnectOrCreate, path crud.Path) error {
	lookup, err := b.lookup(rel.Target, dir.Selector, true, path)
	if err != nil {
		return err
	}

	b.pushGuard(plan.Guard{Ref: lookup.Ref, Exists: false})
	child, err := b.create(rel.Target, dir.Create, path)
	if err != nil {
		b.popGuard()
		return err
	}
	child.RetryAsConnect = true
	child.Selector = cloneSelector(dir.Selector)

	if !rel.Owning && rel.Join == nil {
		child.Values[rel.FKField] = plan.ValueRef{Row: parent.Ref, Field: rel.RefField}
		child.LinkFields = []string{rel.FKField}
		if rel.Optional {
			b.meta[child].deferrable = append(b.meta[child].deferrable, rel.FKField)
		}
	}
	b.popGuard()

	switch {
	case rel.Owning:
		b.assignFK(parent, rel, plan.Coalesce{Refs: []plan.ValueRef{
			{Row: lookup.Ref, Field: rel.RefField},
			{Row: child.Ref, Field: rel.RefField},
		}})

	case rel.Join != nil:
		targetModel, err := b.schema.Model(rel.Target)
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:  plan.OpJoinInsert,
			Table: rel.Join.Table,
			Values: map[string]any{
				rel.Join.SourceColumn: plan.ValueRef{Row: parent.Ref, Field: m.PrimaryKey[0]},
				rel.Join.TargetColumn: plan.Coalesce{Refs: []plan.ValueRef{
					{Row: lookup.Ref, Field: targetModel.PrimaryKey[0]},
					{Row: child.Ref, Field: targetModel.PrimaryKey[0]},
				}},
			},
			IgnoreConflict: true,
			Path:           path,
		})

	default:
		// Target owns the FK: the guarded insert covers the create branch;
		// the connect branch links the found row.
		targetModel, err := b.schema.Model(rel.Target)
		if err != nil {
			return err
		}
		b.add(&plan.Operation{
			Kind:     plan.OpLinkFK,
			Table:    rel.Target,
			Selector: pkSelector(targetModel, lookup.Ref),
			Values:   map[string]any{rel.FKField: plan.ValueRef{Row: parent.Ref, Field: rel.RefField}},
			Guards:   []plan.Guard{{Ref: lookup.Ref, Exists: true}},
			Path:     path,
		})
	}
	return nil
}

// assignFK records a foreign key assignment on an owning-side insert,
// marking it deferrable when the column is nullable so a dependency cycle
// can be split into insert-with-null plus patch.
func (b *builder) assignFK(owner *plan.Operation, rel *schema.Relation, value any) {
	owner.Values[rel.FKField] = value
	if rel.Optional {
		b.meta[owner].deferrable = append(b.meta[owner].deferrable, rel.FKField)
	}
}

func (b *builder) joinInsert(m *schema.Model, rel *schema.Relation, source, target plan.RowRef, ignoreConflict bool, path crud.Path) error {
	targetModel, err := b.schema.Model(rel.Target)
	if err != nil {
		return err
	}
	b.add(&plan.Operation{
		Kind:  plan.OpJoinInsert,
		Table: rel.Join.Table,
		Values: map[string]any{
			rel.Join.SourceColumn: plan.ValueRef{Row: source, Field: m.PrimaryKey[0]},
			rel.Join.TargetColumn: plan.ValueRef{Row: target, Field: targetModel.PrimaryKey[0]},
		},
		IgnoreConflict: ignoreConflict,
		Path:           path,
	})
	return nil
}

// lookup emits a selector resolution inside the transaction. A required
// lookup finding no row aborts the plan with UniqueTargetNotFoundError.
func (b *builder) lookup(model string, sel schema.UniqueSelector, optional bool, path crud.Path) (*plan.Operation, error) {
	if err := b.schema.CheckUniqueSelector(model, sel); err != nil {
		return nil, err
	}
	return b.add(&plan.Operation{
		Kind:     plan.OpLookup,
		Table:    model,
		Selector: cloneSelector(sel),
		Ref:      b.newRef(),
		Optional: optional,
		Path:     path,
	}), nil
}

// internalLookup resolves a row by planner-synthesized selector (such as
// "the currently linked row"), bypassing the unique-constraint check that
// applies to caller-supplied selectors.
func (b *builder) internalLookup(model string, sel schema.UniqueSelector, optional bool, path crud.Path) *plan.Operation {
	return b.add(&plan.Operation{
		Kind:     plan.OpLookup,
		Table:    model,
		Selector: sel,
		Ref:      b.newRef(),
		Optional: optional,
		Path:     path,
	})
}

func scalarValues(m *schema.Model, values map[string]any, path crud.Path) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if m.Field(k) == nil {
			return nil, crud.NewInvalidDirectiveError(path, fmt.Sprintf("unknown field %q on model %q", k, m.Name))
		}
		out[k] = v
	}
	return out, nil
}

func cloneSelector(sel schema.UniqueSelector) schema.UniqueSelector {
	clone := make(schema.UniqueSelector, len(sel))
	for k, v := range sel {
		clone[k] = v
	}
	return clone
}
