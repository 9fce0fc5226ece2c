package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relquery/relquery/internal/testfixtures"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

func chainTx(t *testing.T) (context.Context, storage.Tx, *schema.Schema) {
	t.Helper()
	require := require.New(t)
	s := testfixtures.StandardSchema(require)
	exec := testfixtures.StandardExecutorWithData(require, s)

	ctx := context.Background()
	tx, err := exec.Begin(ctx)
	require.NoError(err)
	t.Cleanup(func() { _ = tx.Rollback(ctx) })
	return ctx, tx, s
}

func TestResolveRejectsNonUniqueLocator(t *testing.T) {
	require := require.New(t)
	_, _, s := chainTx(t)

	_, err := New(s, "user", schema.UniqueSelector{"name": "Alice"}).Resolve()
	require.Error(err)
	require.ErrorAs(err, &schema.NotUniqueSelectorError{})
}

func TestResolveRejectsTraversalPastList(t *testing.T) {
	require := require.New(t)
	_, _, s := chainTx(t)

	_, err := New(s, "user", schema.UniqueSelector{"id": "u1"}).
		Traverse("posts", nil).
		Traverse("categories", nil).
		Resolve()
	require.Error(err)
	require.ErrorAs(err, &crud.ChainCardinalityError{})
}

func TestResolveRejectsFilterBeforeFinalStep(t *testing.T) {
	require := require.New(t)
	_, _, s := chainTx(t)

	_, err := New(s, "post", schema.UniqueSelector{"id": "p1"}).
		Traverse("author", crud.Eq("name", "Alice")).
		Traverse("posts", nil).
		Resolve()
	require.Error(err)
	require.ErrorAs(err, &crud.ChainCardinalityError{})
}

func TestResolveRejectsFilterOnSingleStep(t *testing.T) {
	require := require.New(t)
	_, _, s := chainTx(t)

	_, err := New(s, "post", schema.UniqueSelector{"id": "p1"}).
		Traverse("author", crud.Eq("name", "Alice")).
		Resolve()
	require.Error(err)
	require.ErrorAs(err, &crud.ChainCardinalityError{})
}

func TestResolveUnknownRelation(t *testing.T) {
	require := require.New(t)
	_, _, s := chainTx(t)

	_, err := New(s, "user", schema.UniqueSelector{"id": "u1"}).
		Traverse("ghost", nil).
		Resolve()
	require.Error(err)
	require.ErrorAs(err, &schema.RelationNotFoundError{})
}

func TestRunEmptyChainReturnsLocatedRow(t *testing.T) {
	require := require.New(t)
	ctx, tx, s := chainTx(t)

	resolved, err := New(s, "user", schema.UniqueSelector{"email": "alice@example.com"}).Resolve()
	require.NoError(err)
	require.False(resolved.List)

	rows, err := resolved.Run(ctx, tx)
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal("u1", rows[0]["id"])
}

func TestRunSingleHopList(t *testing.T) {
	require := require.New(t)
	ctx, tx, s := chainTx(t)

	resolved, err := New(s, "user", schema.UniqueSelector{"id": "u1"}).
		Traverse("posts", nil).
		Resolve()
	require.NoError(err)
	require.True(resolved.List)

	rows, err := resolved.Run(ctx, tx)
	require.NoError(err)
	require.Len(rows, 2)
}

func TestRunMultiHopThroughToOne(t *testing.T) {
	require := require.New(t)
	ctx, tx, s := chainTx(t)

	// post -> author -> profile: two queries regardless of hop count.
	resolved, err := New(s, "post", schema.UniqueSelector{"id": "p1"}).
		Traverse("author", nil).
		Traverse("profile", nil).
		Resolve()
	require.NoError(err)
	require.False(resolved.List)
	require.Equal("profile", resolved.FinalModel)

	rows, err := resolved.Run(ctx, tx)
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal("pr1", rows[0]["id"])
}

func TestRunFinalStepFilter(t *testing.T) {
	require := require.New(t)
	ctx, tx, s := chainTx(t)

	resolved, err := New(s, "user", schema.UniqueSelector{"id": "u1"}).
		Traverse("posts", crud.Eq("published", true)).
		Resolve()
	require.NoError(err)

	rows, err := resolved.Run(ctx, tx)
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal("p1", rows[0]["id"])
}

func TestRunManyToManyHop(t *testing.T) {
	require := require.New(t)
	ctx, tx, s := chainTx(t)

	resolved, err := New(s, "post", schema.UniqueSelector{"id": "p1"}).
		Traverse("categories", nil).
		Resolve()
	require.NoError(err)

	rows, err := resolved.Run(ctx, tx)
	require.NoError(err)
	require.Len(rows, 2)
}

func TestRunBrokenPathYieldsEmpty(t *testing.T) {
	require := require.New(t)
	ctx, tx, s := chainTx(t)

	// Locator matches nothing: empty result, no error.
	resolved, err := New(s, "user", schema.UniqueSelector{"id": "ghost"}).
		Traverse("posts", nil).
		Resolve()
	require.NoError(err)
	rows, err := resolved.Run(ctx, tx)
	require.NoError(err)
	require.Empty(rows)

	// Path breaks at the final hop: u2 exists but has no profile.
	resolved, err = New(s, "user", schema.UniqueSelector{"id": "u2"}).
		Traverse("profile", nil).
		Resolve()
	require.NoError(err)
	rows, err = resolved.Run(ctx, tx)
	require.NoError(err)
	require.Empty(rows)
}
