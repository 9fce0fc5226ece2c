package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relquery/relquery/internal/testfixtures"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
)

// mutualInserts builds two inserts whose values reference each other's rows,
// the shape a pair of mutually required foreign keys produces.
func mutualInserts(t *testing.T, deferrableOnA bool) *builder {
	t.Helper()
	require := require.New(t)
	s := testfixtures.StandardSchema(require)
	b := newBuilder(s)

	a := b.add(&plan.Operation{
		Kind:   plan.OpInsert,
		Table:  "user",
		Values: map[string]any{"id": "u9"},
		Ref:    b.newRef(),
		Path:   crud.Path{"user"},
	})
	b.meta[a] = &insertMeta{primaryKey: []string{"id"}}

	c := b.add(&plan.Operation{
		Kind:   plan.OpInsert,
		Table:  "profile",
		Values: map[string]any{"id": "pr9", "user_id": plan.ValueRef{Row: a.Ref, Field: "id"}},
		Ref:    b.newRef(),
		Path:   crud.Path{"profile"},
	})
	b.meta[c] = &insertMeta{primaryKey: []string{"id"}}

	a.Values["best_profile"] = plan.ValueRef{Row: c.Ref, Field: "id"}
	if deferrableOnA {
		b.meta[a].deferrable = []string{"best_profile"}
	}
	return b
}

func TestOrderSplitsDeferrableCycle(t *testing.T) {
	require := require.New(t)
	b := mutualInserts(t, true)

	ordered, err := b.order()
	require.NoError(err)
	require.Len(ordered, 3)

	// The nullable side inserts without its foreign key, the dependent row
	// follows, and a patch closes the loop.
	require.Equal(plan.OpInsert, ordered[0].Kind)
	require.Equal("user", ordered[0].Table)
	require.NotContains(ordered[0].Values, "best_profile")

	require.Equal(plan.OpInsert, ordered[1].Kind)
	require.Equal("profile", ordered[1].Table)

	patch := ordered[2]
	require.Equal(plan.OpLinkFK, patch.Kind)
	require.Equal("user", patch.Table)
	require.Equal(plan.ValueRef{Row: ordered[1].Ref, Field: "id"}, patch.Values["best_profile"])
	require.Equal(plan.ValueRef{Row: ordered[0].Ref, Field: "id"}, patch.Selector["id"])
}

func TestOrderFailsOnRequiredCycle(t *testing.T) {
	require := require.New(t)
	b := mutualInserts(t, false)

	_, err := b.order()
	require.Error(err)
	require.ErrorAs(err, &crud.ConstraintCycleError{})

	var cycle crud.ConstraintCycleError
	require.ErrorAs(err, &cycle)
	require.ElementsMatch([]string{"user", "profile"}, cycle.ModelNames())
}

func TestOrderTopologicallySortsWithoutReorderingReady(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)
	b := newBuilder(s)

	first := b.add(&plan.Operation{Kind: plan.OpInsert, Table: "category", Values: map[string]any{"id": "c8"}, Ref: b.newRef()})
	b.meta[first] = &insertMeta{primaryKey: []string{"id"}}
	second := b.add(&plan.Operation{Kind: plan.OpInsert, Table: "category", Values: map[string]any{"id": "c9"}, Ref: b.newRef()})
	b.meta[second] = &insertMeta{primaryKey: []string{"id"}}

	ordered, err := b.order()
	require.NoError(err)
	require.Equal("c8", ordered[0].Values["id"])
	require.Equal("c9", ordered[1].Values["id"])
}

func TestOrderGuardsCountAsDependencies(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)
	b := newBuilder(s)

	// Guarded op first in emission order; its guard's lookup comes later.
	guardRef := plan.RowRef(7)
	b.add(&plan.Operation{
		Kind:   plan.OpJoinInsert,
		Table:  "post_categories",
		Values: map[string]any{"post_id": "p1", "category_id": "c1"},
		Guards: []plan.Guard{{Ref: guardRef, Exists: true}},
	})
	lookup := b.add(&plan.Operation{
		Kind:     plan.OpLookup,
		Table:    "category",
		Selector: map[string]any{"id": "c1"},
		Ref:      guardRef,
	})

	ordered, err := b.order()
	require.NoError(err)
	require.Same(lookup, ordered[0])
	require.Equal(plan.OpJoinInsert, ordered[1].Kind)
}
