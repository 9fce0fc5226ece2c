package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relquery/relquery/internal/testfixtures"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
)

func TestPlanCreateScalarOnly(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanCreate(s, "category", &crud.Data{Values: map[string]any{"id": "c9", "name": "diy"}})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpInsert}, p.Kinds())
	require.Equal(p.Ops[0].Ref, p.Root)
}

func TestPlanCreateUnknownField(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanCreate(s, "category", &crud.Data{Values: map[string]any{"colour": "red"}})
	require.Error(err)
	require.ErrorAs(err, &crud.InvalidDirectiveError{})
}

func TestPlanCreateUnknownRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanCreate(s, "user", &crud.Data{
		Values:    map[string]any{"id": "u9", "email": "x@example.com"},
		Relations: map[string][]crud.Directive{"ghost": {crud.Connect{Selector: schema.UniqueSelector{"id": "p1"}}}},
	})
	require.Error(err)
	require.ErrorAs(err, &schema.RelationNotFoundError{})
}

func TestPlanCreateNestedListCreates(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanCreate(s, "user", &crud.Data{
		Values: map[string]any{"id": "u9", "email": "x@example.com"},
		Relations: map[string][]crud.Directive{
			"posts": {
				crud.Create{Data: &crud.Data{Values: map[string]any{"id": "p8", "title": "first"}}},
				crud.Create{Data: &crud.Data{Values: map[string]any{"id": "p9", "title": "second"}}},
			},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpInsert, plan.OpInsert, plan.OpInsert}, p.Kinds())

	// Sibling creates keep their payload order, after the parent they point
	// back to.
	require.Equal("user", p.Ops[0].Table)
	require.Equal("first", p.Ops[1].Values["title"])
	require.Equal("second", p.Ops[2].Values["title"])
	require.Equal(plan.ValueRef{Row: p.Root, Field: "id"}, p.Ops[1].Values["author_id"])
}

func TestPlanCreateOwningNestedOrdersChildFirst(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanCreate(s, "post", &crud.Data{
		Values: map[string]any{"id": "p9", "title": "owned"},
		Relations: map[string][]crud.Directive{
			"author": {crud.Create{Data: &crud.Data{Values: map[string]any{"id": "u9", "email": "x@example.com"}}}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpInsert, plan.OpInsert}, p.Kinds())

	// The post stores author_id, so the user row must exist first.
	require.Equal("user", p.Ops[0].Table)
	require.Equal("post", p.Ops[1].Table)
	require.Equal(plan.ValueRef{Row: p.Ops[0].Ref, Field: "id"}, p.Ops[1].Values["author_id"])
}

func TestPlanCreateConnect(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanCreate(s, "post", &crud.Data{
		Values: map[string]any{"id": "p9", "title": "linked"},
		Relations: map[string][]crud.Directive{
			"author": {crud.Connect{Selector: schema.UniqueSelector{"email": "alice@example.com"}}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpInsert}, p.Kinds())
	require.False(p.Ops[0].Optional)
}

func TestPlanCreateConnectRejectsNonUniqueSelector(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanCreate(s, "post", &crud.Data{
		Values: map[string]any{"id": "p9", "title": "linked"},
		Relations: map[string][]crud.Directive{
			"author": {crud.Connect{Selector: schema.UniqueSelector{"name": "Alice"}}},
		},
	})
	require.Error(err)
	require.ErrorAs(err, &schema.NotUniqueSelectorError{})
}

func TestPlanCreateConnectOrCreateManyToMany(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanCreate(s, "post", &crud.Data{
		Values: map[string]any{"id": "p9", "title": "tagged"},
		Relations: map[string][]crud.Directive{
			"categories": {crud.ConnectOrCreate{
				Selector: schema.UniqueSelector{"name": "gardening"},
				Create:   &crud.Data{Values: map[string]any{"id": "c9", "name": "gardening"}},
			}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpInsert, plan.OpLookup, plan.OpInsert, plan.OpJoinInsert}, p.Kinds())

	lookup, guarded, link := p.Ops[1], p.Ops[2], p.Ops[3]
	require.True(lookup.Optional)
	require.True(guarded.RetryAsConnect)
	require.Equal([]plan.Guard{{Ref: lookup.Ref, Exists: false}}, guarded.Guards)
	require.True(link.IgnoreConflict)
	require.IsType(plan.Coalesce{}, link.Values["category_id"])
}

func TestPlanCreateRejectsUpdateDirective(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanCreate(s, "user", &crud.Data{
		Values: map[string]any{"id": "u9", "email": "x@example.com"},
		Relations: map[string][]crud.Directive{
			"posts": {crud.Delete{Selector: schema.UniqueSelector{"id": "p1"}}},
		},
	})
	require.Error(err)
	require.ErrorAs(err, &crud.InvalidDirectiveError{})
}

func TestPlanCreateSingleRelationArity(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanCreate(s, "post", &crud.Data{
		Values: map[string]any{"id": "p9", "title": "twice"},
		Relations: map[string][]crud.Directive{
			"author": {
				crud.Connect{Selector: schema.UniqueSelector{"id": "u1"}},
				crud.Connect{Selector: schema.UniqueSelector{"id": "u2"}},
			},
		},
	})
	require.Error(err)
	require.ErrorAs(err, &crud.InvalidDirectiveError{})
}

func TestPlanUpdateScalarAndDisconnect(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "post", schema.UniqueSelector{"id": "p1"}, &crud.Data{
		Values: map[string]any{"title": "renamed"},
		Relations: map[string][]crud.Directive{
			"author": {crud.Disconnect{}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpUpdate, plan.OpLinkFK}, p.Kinds())

	link := p.Ops[2]
	require.Equal("post", link.Table)
	require.Nil(link.Values["author_id"])
}

func TestPlanUpdateDisconnectRequiredRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanUpdate(s, "profile", schema.UniqueSelector{"id": "pr1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"user": {crud.Disconnect{}},
		},
	})
	require.Error(err)
	require.ErrorAs(err, &crud.CardinalityViolationError{})
}

func TestPlanUpdateListRequiresSelector(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanUpdate(s, "user", schema.UniqueSelector{"id": "u1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"posts": {crud.Update{Data: &crud.Data{Values: map[string]any{"published": true}}}},
		},
	})
	require.Error(err)
	require.ErrorAs(err, &crud.InvalidDirectiveError{})
}

func TestPlanUpdateSetOnListRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "user", schema.UniqueSelector{"id": "u1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"posts": {crud.Set{Selectors: []schema.UniqueSelector{
				{"id": "p2"},
				{"id": "p3"},
			}}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{
		plan.OpLookup,
		plan.OpLookup,
		plan.OpLookup,
		plan.OpUnlinkFK,
		plan.OpLinkFK,
		plan.OpLinkFK,
	}, p.Kinds())
}

func TestPlanUpdateSetRejectedOnSingleRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := PlanUpdate(s, "post", schema.UniqueSelector{"id": "p1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"author": {crud.Set{Selectors: []schema.UniqueSelector{{"id": "u1"}}}},
		},
	})
	require.Error(err)
	require.ErrorAs(err, &crud.InvalidDirectiveError{})
}

func TestPlanUpdateManyToManySet(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "post", schema.UniqueSelector{"id": "p1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"categories": {crud.Set{Selectors: []schema.UniqueSelector{{"name": "howto"}}}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{
		plan.OpLookup,
		plan.OpLookup,
		plan.OpJoinDelete,
		plan.OpJoinInsert,
	}, p.Kinds())
	require.Equal("post_categories", p.Ops[2].Table)
}

func TestPlanUpdateManyToManyDeleteMany(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "post", schema.UniqueSelector{"id": "p1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"categories": {crud.DeleteMany{Where: crud.Eq("name", "howto")}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpDeleteWhere}, p.Kinds())

	del := p.Ops[1]
	require.Equal("category", del.Table)
	require.Len(del.Join, 1)
	require.Equal("post_categories", del.Join[0].Table)
	require.Equal("category_id", del.Join[0].Column)
}

func TestPlanUpdateNestedDeleteRemovesJoinRows(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "user", schema.UniqueSelector{"id": "u1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"posts": {crud.Delete{Selector: schema.UniqueSelector{"id": "p1"}}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpLookup, plan.OpJoinDelete, plan.OpDelete}, p.Kinds())

	join := p.Ops[2]
	require.Equal("post_categories", join.Table)
	require.Equal("post", p.Ops[3].Table)
}

func TestPlanUpdateNestedDeleteManyCleansJoinRows(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "user", schema.UniqueSelector{"id": "u1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"posts": {crud.DeleteMany{}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpDeleteWhere}, p.Kinds())

	del := p.Ops[1]
	require.Equal("post", del.Table)
	require.Equal([]plan.JoinCleanup{{Table: "post_categories", Column: "post_id"}}, del.Join)
}

func TestPlanUpdateUpsertGuards(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanUpdate(s, "user", schema.UniqueSelector{"id": "u1"}, &crud.Data{
		Relations: map[string][]crud.Directive{
			"posts": {crud.Upsert{
				Selector: schema.UniqueSelector{"id": "p2"},
				Update:   &crud.Data{Values: map[string]any{"published": true}},
				Create:   &crud.Data{Values: map[string]any{"id": "p2", "title": "fresh"}},
			}},
		},
	})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpLookup, plan.OpUpdate, plan.OpInsert}, p.Kinds())

	branchLookup := p.Ops[1]
	require.True(branchLookup.Optional)
	require.Equal([]plan.Guard{{Ref: branchLookup.Ref, Exists: true}}, p.Ops[2].Guards)
	require.Equal([]plan.Guard{{Ref: branchLookup.Ref, Exists: false}}, p.Ops[3].Guards)
}

func TestPlanDeleteRemovesJoinRows(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	p, err := PlanDelete(s, "post", schema.UniqueSelector{"id": "p1"})
	require.NoError(err)
	require.Equal([]plan.OpKind{plan.OpLookup, plan.OpJoinDelete, plan.OpDelete}, p.Kinds())
	require.Equal("post_categories", p.Ops[1].Table)
}
